package desk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phenomenon0/parlay-desk/pkg/wager/entries"
	"github.com/phenomenon0/parlay-desk/pkg/wager/ledger"
	"github.com/phenomenon0/parlay-desk/pkg/wager/policy"
	"github.com/phenomenon0/parlay-desk/pkg/wager/slip"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

var errUnknown = errors.New("unknown pick")

type fakeResolver map[string]slip.Selection

func (f fakeResolver) Selection(marketID, outcome string) (slip.Selection, error) {
	sel, ok := f[marketID+"/"+outcome]
	if !ok {
		return slip.Selection{}, errUnknown
	}
	return sel, nil
}

type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []entries.Payload
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, p entries.Payload) (*entries.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, p)
	return &entries.Result{EntryID: p.EntryID, Status: "accepted", Reference: "ref-" + p.EntryID[:8]}, nil
}

type fixture struct {
	desk      *Desk
	ledger    *ledger.Engine
	policy    *policy.Engine
	submitter *fakeSubmitter
	clock     clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.Date(2026, 9, 12, 15, 0, 0, 0, time.UTC))
	resolver := fakeResolver{
		"m1/Yes": {ID: "m1-0", MarketID: "m1", Outcome: "Yes", American: "-150"},
		"m1/No":  {ID: "m1-1", MarketID: "m1", Outcome: "No", American: "+150"},
		"m2/Yes": {ID: "m2-0", MarketID: "m2", Outcome: "Yes", American: "+200"},
	}
	pol := policy.NewEngine(policy.DefaultRiskLimits(), policy.StaticBounds{
		SingleMaxWin: decimal.NewFromInt(500),
		ParlayMaxWin: decimal.NewFromInt(1000),
	}, clk)
	led := ledger.NewEngine(nil, nil, clk)
	sub := &fakeSubmitter{}
	return &fixture{
		desk:      New(resolver, pol, led, sub, nil, clk),
		ledger:    led,
		policy:    pol,
		submitter: sub,
		clock:     clk,
	}
}

func parlay(stake int64) Request {
	return Request{
		UserID:   "u1",
		Currency: "cash",
		Stake:    decimal.NewFromInt(stake),
		Picks:    []Pick{{MarketID: "m1", Outcome: "Yes"}, {MarketID: "m2", Outcome: "Yes"}},
	}
}

func TestQuote(t *testing.T) {
	f := newFixture(t)

	var stages []Stage
	f.desk.OnStageComplete(func(r *StageResult) { stages = append(stages, r.Stage) })

	qr, err := f.desk.Quote(context.Background(), parlay(10))
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if qr.Quote.Kind != slip.KindParlay {
		t.Errorf("kind = %s", qr.Quote.Kind)
	}
	if qr.Quote.Combined.American != "+400" {
		t.Errorf("combined = %s", qr.Quote.Combined.American)
	}
	if qr.Quote.Payout.StringFixed(2) != "50.00" {
		t.Errorf("payout = %s", qr.Quote.Payout)
	}
	if !qr.Decision.Allowed {
		t.Errorf("decision blocked: %+v", qr.Decision.Violations)
	}
	if !qr.Balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("balance = %s", qr.Balance)
	}

	want := []Stage{StageResolve, StagePrice, StageRiskCheck}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v", stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage %d = %s, want %s", i, stages[i], want[i])
		}
	}
}

func TestQuote_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"no user", Request{Picks: []Pick{{MarketID: "m1", Outcome: "Yes"}}}, ErrMissingUser},
		{"no picks", Request{UserID: "u1"}, ErrNoPicks},
		{"unknown pick", Request{UserID: "u1", Picks: []Pick{{MarketID: "m9", Outcome: "Yes"}}}, errUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.desk.Quote(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := f.desk.Quote(ctx, Request{UserID: "u1", Currency: "gold", Picks: []Pick{{MarketID: "m1", Outcome: "Yes"}}}); err == nil {
		t.Error("expected currency error")
	}
}

func TestQuote_ConflictIsBlocked(t *testing.T) {
	f := newFixture(t)
	req := Request{
		UserID: "u1",
		Stake:  decimal.NewFromInt(5),
		Picks:  []Pick{{MarketID: "m1", Outcome: "Yes"}, {MarketID: "m1", Outcome: "No"}},
	}
	qr, err := f.desk.Quote(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if qr.Decision.Allowed || !qr.Decision.Has(policy.ViolationMarketConflict) {
		t.Errorf("decision = %+v", qr.Decision)
	}
}

func TestPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.desk.Place(ctx, parlay(10))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if entry.Status != ledger.StatusPending {
		t.Errorf("status = %s", entry.Status)
	}
	if entry.Reference == "" {
		t.Error("upstream reference not recorded")
	}

	if len(f.submitter.payloads) != 1 {
		t.Fatalf("submitted %d payloads", len(f.submitter.payloads))
	}
	p := f.submitter.payloads[0]
	if p.EntryID != entry.ID || p.CombinedMoneyline != "+400" || len(p.Legs) != 2 {
		t.Errorf("payload = %+v", p)
	}

	bal, _ := f.ledger.Balance(ctx, "u1", slip.CurrencyCash)
	if !bal.Equal(decimal.NewFromInt(90)) {
		t.Errorf("balance = %s", bal)
	}
	if got := f.policy.DailyStake("u1", slip.CurrencyCash); !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("daily stake = %s", got)
	}
}

func TestPlace_Rejected(t *testing.T) {
	f := newFixture(t)

	var rejected policy.Decision
	f.desk.OnRejected(func(d policy.Decision) { rejected = d })

	_, err := f.desk.Place(context.Background(), parlay(150))

	var rerr *RejectedError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want *RejectedError", err)
	}
	if !rerr.Decision.Has(policy.ViolationInsufficientBalance) {
		t.Errorf("violations = %+v", rerr.Decision.Violations)
	}
	if !rejected.Has(policy.ViolationInsufficientBalance) {
		t.Error("OnRejected not called")
	}
	if len(f.submitter.payloads) != 0 {
		t.Error("rejected entry was submitted")
	}
}

func TestPlace_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	duplicates := 0
	f.desk.OnDuplicate(func(string) { duplicates++ })

	if _, err := f.desk.Place(ctx, parlay(10)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.desk.Place(ctx, parlay(10)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	if duplicates != 1 {
		t.Errorf("duplicates = %d", duplicates)
	}

	// a different stake is a different slip
	if _, err := f.desk.Place(ctx, parlay(11)); err != nil {
		t.Errorf("different stake: %v", err)
	}

	f.clock.Advance(time.Minute)
	if _, err := f.desk.Place(ctx, parlay(10)); err != nil {
		t.Errorf("after window: %v", err)
	}
}

func TestPlace_SubmitFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submitter.err = &entries.APIError{StatusCode: 503, Body: "down"}
	_, err := f.desk.Place(ctx, parlay(10))
	var apiErr *entries.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *entries.APIError", err)
	}

	bal, _ := f.ledger.Balance(ctx, "u1", slip.CurrencyCash)
	if !bal.Equal(decimal.NewFromInt(100)) {
		t.Errorf("balance changed after failed submit: %s", bal)
	}

	f.submitter.err = nil
	if _, err := f.desk.Place(ctx, parlay(10)); err != nil {
		t.Errorf("retry after failure: %v", err)
	}
}

func TestSettleAndVoid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	won, err := f.desk.Place(ctx, parlay(10))
	if err != nil {
		t.Fatal(err)
	}
	settled, err := f.desk.Settle(ctx, won.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if settled.Status != ledger.StatusWon || settled.Payout.StringFixed(2) != "50.00" {
		t.Errorf("settled = %s %s", settled.Status, settled.Payout)
	}

	single := Request{UserID: "u1", Stake: decimal.NewFromInt(20), Picks: []Pick{{MarketID: "m2", Outcome: "Yes"}}}
	voided, err := f.desk.Place(ctx, single)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.desk.Void(ctx, voided.ID); err != nil {
		t.Fatal(err)
	}
	if got := f.policy.DailyStake("u1", slip.CurrencyCash); !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("daily stake after void = %s", got)
	}

	// 100 - 10 + 50 - 20 + 20
	bal, _ := f.ledger.Balance(ctx, "u1", slip.CurrencyCash)
	if !bal.Equal(decimal.NewFromInt(140)) {
		t.Errorf("balance = %s", bal)
	}

	if _, err := f.desk.Void(ctx, voided.ID); !errors.Is(err, ledger.ErrNotPending) {
		t.Errorf("second void err = %v", err)
	}
}

type slowSubmitter struct {
	fakeSubmitter
	delay time.Duration
}

func (s *slowSubmitter) Submit(ctx context.Context, p entries.Payload) (*entries.Result, error) {
	time.Sleep(s.delay)
	return s.fakeSubmitter.Submit(ctx, p)
}

func TestPlace_ConcurrentDailyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pol := policy.NewEngine(&policy.RiskLimits{
		MinStake:      decimal.NewFromInt(1),
		MaxLegs:       4,
		MaxDailyStake: map[slip.Currency]decimal.Decimal{slip.CurrencyCash: decimal.NewFromInt(100)},
	}, policy.StaticBounds{ParlayMaxWin: decimal.NewFromInt(1000)}, f.clock)
	sub := &slowSubmitter{delay: 20 * time.Millisecond}
	d := New(f.desk.resolver, pol, f.ledger, sub, nil, f.clock)

	if _, err := f.ledger.Credit(ctx, "u1", slip.CurrencyCash, decimal.NewFromInt(1000)); err != nil {
		t.Fatal(err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		placed   int
		rejected int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(stake int64) {
			defer wg.Done()
			_, err := d.Place(ctx, parlay(stake))
			mu.Lock()
			defer mu.Unlock()
			var rerr *RejectedError
			switch {
			case err == nil:
				placed++
			case errors.As(err, &rerr) && rerr.Decision.Has(policy.ViolationDailyLimit):
				rejected++
			default:
				t.Errorf("stake %d: %v", stake, err)
			}
		}(int64(60 + i))
	}
	wg.Wait()

	if placed != 1 || rejected != 9 {
		t.Errorf("placed = %d, rejected = %d", placed, rejected)
	}
	if got := pol.DailyStake("u1", slip.CurrencyCash); got.GreaterThan(decimal.NewFromInt(100)) {
		t.Errorf("daily stake = %s, over the limit", got)
	}
	if len(sub.payloads) != 1 {
		t.Errorf("submitted %d payloads", len(sub.payloads))
	}
}

func TestPlace_FailedSubmitReleasesDailyStake(t *testing.T) {
	f := newFixture(t)

	f.submitter.err = errors.New("connection reset")
	if _, err := f.desk.Place(context.Background(), parlay(10)); err == nil {
		t.Fatal("expected submit error")
	}
	if got := f.policy.DailyStake("u1", slip.CurrencyCash); !got.IsZero() {
		t.Errorf("daily stake after failed submit = %s", got)
	}
}
