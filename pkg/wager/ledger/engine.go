package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/phenomenon0/parlay-desk/pkg/wager/slip"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// Engine places and settles entries. Balance changes and entry writes happen
// under one lock so concurrent placements cannot overdraw an account.
type Engine struct {
	config *Config
	store  Store
	clock  clockwork.Clock

	mu sync.Mutex

	// Callbacks
	onEntry  func(*Entry)
	onSettle func(*Entry)
}

// NewEngine creates a ledger engine. A nil config uses DefaultConfig, a nil
// store keeps everything in memory and a nil clock uses the system clock.
func NewEngine(config *Config, store Store, clk clockwork.Clock) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Engine{config: config, store: store, clock: clk}
}

// OnEntry sets a callback for placed entries.
func (e *Engine) OnEntry(fn func(*Entry)) {
	e.onEntry = fn
}

// OnSettle sets a callback for settled and voided entries.
func (e *Engine) OnSettle(fn func(*Entry)) {
	e.onSettle = fn
}

// Account returns the user's account, opening it with the initial balances
// on first use.
func (e *Engine) Account(ctx context.Context, userID string) (*Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account(ctx, userID)
}

func (e *Engine) account(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	acc, err := e.store.GetAccount(ctx, userID)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := e.clock.Now()
	acc = &Account{
		UserID:    userID,
		Balances:  make(map[slip.Currency]decimal.Decimal, len(e.config.InitialBalances)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for c, v := range e.config.InitialBalances {
		acc.Balances[c] = v
	}
	if err := e.store.SaveAccount(ctx, acc); err != nil {
		return nil, err
	}
	log.Printf("[LEDGER] opened account %s", userID)
	return acc, nil
}

// Balance returns the user's balance in a currency.
func (e *Engine) Balance(ctx context.Context, userID string, currency slip.Currency) (decimal.Decimal, error) {
	acc, err := e.Account(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance(currency), nil
}

// Credit adds funds to a balance.
func (e *Engine) Credit(ctx context.Context, userID string, currency slip.Currency, amount decimal.Decimal) (*Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("credit amount must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	acc, err := e.account(ctx, userID)
	if err != nil {
		return nil, err
	}
	acc.Balances[currency] = acc.Balances[currency].Add(amount)
	acc.UpdatedAt = e.clock.Now()
	if err := e.store.SaveAccount(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// PlaceEntry debits the stake and records a pending entry.
func (e *Engine) PlaceEntry(ctx context.Context, req PlaceRequest) (*Entry, error) {
	q := req.Quote
	if q == nil || len(q.Legs) == 0 {
		return nil, slip.ErrEmptySlip
	}
	if !q.Stake.IsPositive() {
		return nil, fmt.Errorf("stake must be positive")
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	e.mu.Lock()
	acc, err := e.account(ctx, req.UserID)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	balance := acc.Balance(q.Currency)
	if q.Stake.GreaterThan(balance) {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: have %s %s, need %s", ErrInsufficientBalance,
			balance.StringFixed(2), q.Currency, q.Stake.StringFixed(2))
	}

	now := e.clock.Now()
	entry := &Entry{
		ID:               id,
		UserID:           req.UserID,
		Kind:             q.Kind,
		Currency:         q.Currency,
		Stake:            q.Stake,
		Legs:             append([]slip.Selection(nil), q.Legs...),
		CombinedDecimal:  q.Combined.Decimal,
		CombinedAmerican: q.Combined.American,
		PotentialPayout:  q.Payout,
		Payout:           decimal.Zero,
		Status:           StatusPending,
		Reference:        req.Reference,
		PlacedAt:         now,
	}

	if _, err := e.store.GetEntry(ctx, id); err == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("entry %s already exists", id)
	}
	acc.Balances[q.Currency] = balance.Sub(q.Stake)
	acc.UpdatedAt = now
	if err := e.store.Commit(ctx, entry, acc); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("place %s: %w", id, err)
	}
	e.mu.Unlock()

	log.Printf("[LEDGER] %s placed %s %s: %s %s at %s (to win %s)",
		req.UserID, entry.Kind, entry.ID, entry.Stake.StringFixed(2), entry.Currency,
		entry.CombinedAmerican, entry.PotentialPayout.StringFixed(2))

	if e.onEntry != nil {
		e.onEntry(entry.clone())
	}
	return entry, nil
}

// SettleEntry grades a pending entry. A win credits the potential payout.
func (e *Engine) SettleEntry(ctx context.Context, id string, won bool) (*Entry, error) {
	status := StatusLost
	if won {
		status = StatusWon
	}
	return e.close(ctx, id, status)
}

// VoidEntry cancels a pending entry and refunds the stake.
func (e *Engine) VoidEntry(ctx context.Context, id string) (*Entry, error) {
	return e.close(ctx, id, StatusVoid)
}

func (e *Engine) close(ctx context.Context, id string, status Status) (*Entry, error) {
	e.mu.Lock()

	entry, err := e.store.GetEntry(ctx, id)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if entry.Status != StatusPending {
		e.mu.Unlock()
		return nil, fmt.Errorf("%s is %s: %w", id, entry.Status, ErrNotPending)
	}

	switch status {
	case StatusWon:
		entry.Payout = entry.PotentialPayout
	case StatusVoid:
		entry.Payout = entry.Stake
	default:
		entry.Payout = decimal.Zero
	}

	now := e.clock.Now()
	entry.Status = status
	entry.SettledAt = &now

	var acc *Account
	if entry.Payout.IsPositive() {
		acc, err = e.account(ctx, entry.UserID)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		acc.Balances[entry.Currency] = acc.Balances[entry.Currency].Add(entry.Payout)
		acc.UpdatedAt = now
	}
	if err := e.store.Commit(ctx, entry, acc); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("close %s: %w", id, err)
	}
	e.mu.Unlock()

	log.Printf("[LEDGER] %s %s: paid %s %s", entry.ID, status, entry.Payout.StringFixed(2), entry.Currency)

	if e.onSettle != nil {
		e.onSettle(entry.clone())
	}
	return entry, nil
}

// Entry returns an entry by id.
func (e *Engine) Entry(ctx context.Context, id string) (*Entry, error) {
	return e.store.GetEntry(ctx, id)
}

// Entries returns the user's entries, oldest first.
func (e *Engine) Entries(ctx context.Context, userID string) ([]*Entry, error) {
	return e.store.ListEntries(ctx, userID)
}

// Pending returns every ungraded entry, oldest first.
func (e *Engine) Pending(ctx context.Context) ([]*Entry, error) {
	return e.store.ListPending(ctx)
}

// Stats calculates the user's entry statistics.
func (e *Engine) Stats(ctx context.Context, userID string) (*AccountStats, error) {
	entries, err := e.store.ListEntries(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := &AccountStats{
		Staked:   decimal.Zero,
		Returned: decimal.Zero,
		Net:      decimal.Zero,
		WinRate:  decimal.Zero,
	}
	for _, entry := range entries {
		stats.Entries++
		switch entry.Status {
		case StatusPending:
			stats.Pending++
			continue
		case StatusVoid:
			stats.Voided++
			continue
		case StatusWon:
			stats.Won++
		case StatusLost:
			stats.Lost++
		}
		stats.Staked = stats.Staked.Add(entry.Stake)
		stats.Returned = stats.Returned.Add(entry.Payout)
	}

	stats.Net = stats.Returned.Sub(stats.Staked)
	if graded := stats.Won + stats.Lost; graded > 0 {
		stats.WinRate = decimal.NewFromInt(int64(stats.Won)).Div(decimal.NewFromInt(int64(graded)))
	}
	return stats, nil
}

// Close closes the underlying store.
func (e *Engine) Close() error {
	return e.store.Close()
}
