package slip

import (
	"errors"
	"sync"
	"testing"

	"github.com/phenomenon0/parlay-desk/pkg/odds"

	"github.com/shopspring/decimal"
)

func sel(id, market, american string) Selection {
	return Selection{ID: id, MarketID: market, Outcome: "Yes", American: american}
}

func TestParseCurrency(t *testing.T) {
	if c, err := ParseCurrency(""); err != nil || c != CurrencyCash {
		t.Errorf("empty currency = %q, %v", c, err)
	}
	if c, err := ParseCurrency("coins"); err != nil || c != CurrencyCoins {
		t.Errorf("coins = %q, %v", c, err)
	}
	if _, err := ParseCurrency("doubloons"); err == nil {
		t.Error("expected error for unknown currency")
	}
}

func TestSelection_AmericanPriceFromProbability(t *testing.T) {
	s := Selection{ID: "a", MarketID: "m1", Probability: 0.2}
	if got := s.AmericanPrice(); got != "+400" {
		t.Errorf("AmericanPrice = %q, want +400", got)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestSelection_Validate(t *testing.T) {
	tests := []struct {
		name string
		sel  Selection
		want error
	}{
		{"missing market", Selection{ID: "a", American: "+100"}, ErrMissingMarket},
		{"unpriced", Selection{ID: "a", MarketID: "m"}, ErrUnpriced},
		{"certain probability", Selection{ID: "a", MarketID: "m", Probability: 1}, ErrUnpriced},
		{"bad odds", Selection{ID: "a", MarketID: "m", American: "evens"}, odds.ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.sel.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDetectConflicts(t *testing.T) {
	distinct := []Selection{sel("a", "m1", "+150"), sel("b", "m2", "-200"), sel("c", "m3", "+100")}
	if got := DetectConflicts(distinct); len(got) != 0 {
		t.Errorf("distinct markets flagged: %+v", got)
	}

	clashing := []Selection{
		sel("a", "m1", "+150"),
		sel("b", "m2", "-200"),
		{ID: "c", MarketID: "m1", Outcome: "No", American: "-180"},
	}
	got := DetectConflicts(clashing)
	if len(got) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(got))
	}
	if got[0].MarketID != "m1" {
		t.Errorf("conflict market = %s, want m1", got[0].MarketID)
	}
	if len(got[0].SelectionIDs) != 2 || got[0].SelectionIDs[0] != "a" || got[0].SelectionIDs[1] != "c" {
		t.Errorf("conflict ids = %v", got[0].SelectionIDs)
	}
}

func TestSlip_AddRemove(t *testing.T) {
	s := New(CurrencyCash)
	if err := s.Add(sel("a", "m1", "+150")); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(sel("b", "m2", "-200")); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(sel("a", "m3", "+300")); !errors.Is(err, ErrDuplicateSelection) {
		t.Errorf("duplicate add error = %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}

	if !s.Remove("a") {
		t.Error("Remove(a) = false")
	}
	if s.Remove("zzz") {
		t.Error("Remove(zzz) = true")
	}
	legs := s.Legs()
	if len(legs) != 1 || legs[0].ID != "b" {
		t.Errorf("legs after remove = %+v", legs)
	}

	s.Clear()
	if s.Len() != 0 {
		t.Errorf("Len after Clear = %d", s.Len())
	}
}

func TestSlip_LegsAreCopies(t *testing.T) {
	s := New(CurrencyCash)
	s.Add(sel("a", "m1", "+150"))

	legs := s.Legs()
	legs[0].American = "+9,999"

	if got := s.Legs()[0].American; got != "+150" {
		t.Errorf("slip leg mutated through copy: %s", got)
	}
}

func TestSlip_ConflictFlag(t *testing.T) {
	s := New(CurrencyCoins)
	s.Add(sel("a", "m1", "+150"))
	if s.HasConflict() {
		t.Error("single selection flagged as conflict")
	}
	s.Add(Selection{ID: "b", MarketID: "m1", Outcome: "No", American: "-170"})
	if !s.HasConflict() {
		t.Error("same market twice not flagged")
	}
}

func TestSlip_QuoteSingle(t *testing.T) {
	s := New(CurrencyCash)
	s.Add(sel("a", "m1", "+150"))

	q, err := s.Quote(decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if q.Kind != KindSingle {
		t.Errorf("Kind = %s", q.Kind)
	}
	if q.Combined.American != "+150" {
		t.Errorf("American = %s", q.Combined.American)
	}
	if !q.Payout.Equal(decimal.NewFromInt(25)) || !q.Profit.Equal(decimal.NewFromInt(15)) {
		t.Errorf("payout/profit = %s/%s", q.Payout, q.Profit)
	}
}

func TestSlip_QuoteParlay(t *testing.T) {
	s, err := FromSelections(CurrencyCoins, []Selection{sel("a", "m1", "+150"), sel("b", "m2", "-200")})
	if err != nil {
		t.Fatal(err)
	}

	q, err := s.Quote(decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if q.Kind != KindParlay || q.Currency != CurrencyCoins {
		t.Errorf("kind/currency = %s/%s", q.Kind, q.Currency)
	}
	if q.Combined.American != "+275" {
		t.Errorf("American = %s, want +275", q.Combined.American)
	}
	if !q.Payout.Equal(decimal.NewFromFloat(37.5)) {
		t.Errorf("Payout = %s, want 37.50", q.Payout)
	}
	if len(q.Conflicts) != 0 {
		t.Errorf("unexpected conflicts %+v", q.Conflicts)
	}
}

func TestSlip_QuoteEmpty(t *testing.T) {
	if _, err := New(CurrencyCash).Quote(decimal.NewFromInt(5)); !errors.Is(err, ErrEmptySlip) {
		t.Errorf("empty quote error = %v", err)
	}
}

func TestSlip_ConcurrentAdds(t *testing.T) {
	s := New(CurrencyCash)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A' + i))
			s.Add(sel(id, "m"+id, "+120"))
			s.Conflicts()
		}(i)
	}
	wg.Wait()
	if s.Len() != 50 {
		t.Errorf("Len = %d, want 50", s.Len())
	}
}

func TestFingerprint_OrderIndependent(t *testing.T) {
	a := Fingerprint([]Selection{sel("1", "m1", "+100"), sel("2", "m2", "+100")})
	b := Fingerprint([]Selection{sel("2", "m2", "+100"), sel("1", "m1", "+100")})
	if len(a) != len(b) || a[0] != b[0] || a[1] != b[1] {
		t.Errorf("fingerprints differ: %v vs %v", a, b)
	}
}
