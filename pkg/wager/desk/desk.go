// Package desk runs the entry workflow: resolve picks against the board, price
// the slip, check it against the risk policy, submit it upstream and record it
// in the ledger.
package desk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/phenomenon0/parlay-desk/pkg/wager/dedup"
	"github.com/phenomenon0/parlay-desk/pkg/wager/entries"
	"github.com/phenomenon0/parlay-desk/pkg/wager/ledger"
	"github.com/phenomenon0/parlay-desk/pkg/wager/policy"
	"github.com/phenomenon0/parlay-desk/pkg/wager/slip"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// Stage is one step of the entry workflow.
type Stage string

const (
	StageResolve   Stage = "resolve"
	StagePrice     Stage = "price"
	StageRiskCheck Stage = "risk_check"
	StageSubmit    Stage = "submit"
	StageRecord    Stage = "record"
)

// StageResult holds the result of a stage execution.
type StageResult struct {
	Stage     Stage         `json:"stage"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

var (
	ErrMissingUser = errors.New("user id is required")
	ErrNoPicks     = errors.New("at least one pick is required")
	ErrDuplicate   = errors.New("identical slip was just submitted")
)

// RejectedError is returned by Place when the policy blocks the entry.
type RejectedError struct {
	Decision policy.Decision
}

func (e *RejectedError) Error() string {
	if err := e.Decision.Err(); err != nil {
		return "entry rejected: " + err.Error()
	}
	return "entry rejected"
}

// Resolver turns a market and outcome into a priced selection.
type Resolver interface {
	Selection(marketID, outcome string) (slip.Selection, error)
}

// Pick is one requested selection.
type Pick struct {
	MarketID string `json:"marketId"`
	Outcome  string `json:"outcome"`
}

// Request is a slip as a client submits it.
type Request struct {
	UserID   string          `json:"userId"`
	Currency string          `json:"currency"`
	Stake    decimal.Decimal `json:"stake"`
	Picks    []Pick          `json:"picks"`
}

// QuoteResult is a priced slip and whether it may be placed.
type QuoteResult struct {
	Quote    *slip.Quote     `json:"quote"`
	Decision policy.Decision `json:"decision"`
	Balance  decimal.Decimal `json:"balance"`
}

// Desk coordinates the entry workflow.
type Desk struct {
	resolver  Resolver
	policy    *policy.Engine
	ledger    *ledger.Engine
	submitter entries.Submitter
	guard     dedup.Guard
	clock     clockwork.Clock

	// Callbacks
	onStageComplete func(*StageResult)
	onRejected      func(policy.Decision)
	onDuplicate     func(key string)
}

// New creates a desk. A nil submitter records entries locally only, a nil
// guard keeps the dedup window in memory and a nil clock uses the system clock.
func New(resolver Resolver, pol *policy.Engine, led *ledger.Engine, submitter entries.Submitter, guard dedup.Guard, clk clockwork.Clock) *Desk {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if submitter == nil {
		submitter = entries.Noop{}
	}
	if guard == nil {
		guard = dedup.NewMemoryGuard(dedup.DefaultTTL, clk)
	}
	return &Desk{
		resolver:  resolver,
		policy:    pol,
		ledger:    led,
		submitter: submitter,
		guard:     guard,
		clock:     clk,
	}
}

// OnStageComplete sets a callback for stage completions.
func (d *Desk) OnStageComplete(fn func(*StageResult)) {
	d.onStageComplete = fn
}

// OnRejected sets a callback for entries blocked by the policy.
func (d *Desk) OnRejected(fn func(policy.Decision)) {
	d.onRejected = fn
}

// OnDuplicate sets a callback for submissions refused by the dedup guard.
func (d *Desk) OnDuplicate(fn func(key string)) {
	d.onDuplicate = fn
}

// Quote prices a slip and runs the policy check without placing it.
func (d *Desk) Quote(ctx context.Context, req Request) (*QuoteResult, error) {
	if req.UserID == "" {
		return nil, ErrMissingUser
	}
	if len(req.Picks) == 0 {
		return nil, ErrNoPicks
	}
	currency, err := slip.ParseCurrency(req.Currency)
	if err != nil {
		return nil, err
	}

	var legs []slip.Selection
	err = d.runStage(StageResolve, func() error {
		legs, err = d.resolve(req.Picks)
		return err
	})
	if err != nil {
		return nil, err
	}

	var quote *slip.Quote
	err = d.runStage(StagePrice, func() error {
		quote, err = slip.Price(legs, currency, req.Stake)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &QuoteResult{Quote: quote}
	err = d.runStage(StageRiskCheck, func() error {
		balance, err := d.ledger.Balance(ctx, req.UserID, currency)
		if err != nil {
			return err
		}
		result.Balance = balance
		result.Decision = d.policy.Check(ctx, policy.CheckRequest{
			UserID:  req.UserID,
			Quote:   quote,
			Balance: balance,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Place quotes the slip and, when allowed, submits and records it. Policy
// rejections are returned as *RejectedError and repeated submissions of the
// same slip inside the dedup window as ErrDuplicate.
func (d *Desk) Place(ctx context.Context, req Request) (*ledger.Entry, error) {
	qr, err := d.Quote(ctx, req)
	if err != nil {
		return nil, err
	}
	if !qr.Decision.Allowed {
		if d.onRejected != nil {
			d.onRejected(qr.Decision)
		}
		return nil, &RejectedError{Decision: qr.Decision}
	}
	quote := qr.Quote

	key := dedup.Key(req.UserID, quote.Legs, quote.Stake)
	claimed, err := d.guard.Claim(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("dedup: %w", err)
	}
	if !claimed {
		if d.onDuplicate != nil {
			d.onDuplicate(key)
		}
		return nil, ErrDuplicate
	}

	// Held against the daily limit until the entry is recorded or fails.
	if v := d.policy.Reserve(req.UserID, quote.Currency, quote.Stake); v != nil {
		d.release(key)
		decision := qr.Decision
		decision.Allowed = false
		decision.Violations = append(decision.Violations, *v)
		if d.onRejected != nil {
			d.onRejected(decision)
		}
		return nil, &RejectedError{Decision: decision}
	}

	entryID := uuid.New().String()

	var result *entries.Result
	err = d.runStage(StageSubmit, func() error {
		payload, err := entries.NewPayload(entryID, req.UserID, quote)
		if err != nil {
			return err
		}
		result, err = d.submitter.Submit(ctx, payload)
		return err
	})
	if err != nil {
		d.release(key)
		d.policy.ReleaseEntry(req.UserID, quote.Currency, quote.Stake)
		return nil, fmt.Errorf("submit entry: %w", err)
	}

	var entry *ledger.Entry
	err = d.runStage(StageRecord, func() error {
		entry, err = d.ledger.PlaceEntry(ctx, ledger.PlaceRequest{
			ID:        entryID,
			UserID:    req.UserID,
			Quote:     quote,
			Reference: result.Reference,
		})
		return err
	})
	if err != nil {
		log.Printf("[DESK] entry %s accepted upstream but not recorded: %v", entryID, err)
		d.release(key)
		d.policy.ReleaseEntry(req.UserID, quote.Currency, quote.Stake)
		return nil, fmt.Errorf("record entry: %w", err)
	}
	return entry, nil
}

// Pending returns every ungraded entry, oldest first.
func (d *Desk) Pending(ctx context.Context) ([]*ledger.Entry, error) {
	return d.ledger.Pending(ctx)
}

// Settle grades a pending entry.
func (d *Desk) Settle(ctx context.Context, entryID string, won bool) (*ledger.Entry, error) {
	return d.ledger.SettleEntry(ctx, entryID, won)
}

// Void refunds a pending entry and gives its stake back to the daily limit.
func (d *Desk) Void(ctx context.Context, entryID string) (*ledger.Entry, error) {
	entry, err := d.ledger.VoidEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	d.policy.ReleaseEntry(entry.UserID, entry.Currency, entry.Stake)
	return entry, nil
}

func (d *Desk) resolve(picks []Pick) ([]slip.Selection, error) {
	legs := make([]slip.Selection, 0, len(picks))
	for _, p := range picks {
		sel, err := d.resolver.Selection(p.MarketID, p.Outcome)
		if err != nil {
			return nil, err
		}
		legs = append(legs, sel)
	}
	return legs, nil
}

func (d *Desk) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.guard.Release(ctx, key); err != nil {
		log.Printf("[DESK] release %s: %v", key, err)
	}
}

func (d *Desk) runStage(stage Stage, fn func() error) error {
	start := d.clock.Now()
	err := fn()

	if d.onStageComplete != nil {
		now := d.clock.Now()
		result := &StageResult{
			Stage:     stage,
			Success:   err == nil,
			Duration:  now.Sub(start),
			Timestamp: now,
		}
		if err != nil {
			result.Error = err.Error()
		}
		d.onStageComplete(result)
	}
	return err
}
