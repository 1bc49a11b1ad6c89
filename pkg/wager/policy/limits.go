// Package policy decides whether a priced slip may be placed: market conflicts,
// the remote max-win bounds, balance and per-day staking limits.
package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/phenomenon0/parlay-desk/pkg/odds"
	"github.com/phenomenon0/parlay-desk/pkg/wager/slip"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// Bounds caps the profit a single entry may win. It is served by the remote
// configuration document.
type Bounds struct {
	SingleMaxWin decimal.Decimal `json:"singleMaxWin"`
	ParlayMaxWin decimal.Decimal `json:"parlayMaxWin"`
}

// MaxWin returns the cap for a slip kind. Zero means no cap is configured.
func (b Bounds) MaxWin(kind slip.Kind) decimal.Decimal {
	if kind == slip.KindParlay {
		return b.ParlayMaxWin
	}
	return b.SingleMaxWin
}

// BoundsSource supplies the current bounds.
type BoundsSource interface {
	Bounds(ctx context.Context) (Bounds, error)
}

// StaticBounds is a BoundsSource with fixed values.
type StaticBounds Bounds

func (s StaticBounds) Bounds(context.Context) (Bounds, error) {
	return Bounds(s), nil
}

// RiskLimits are the locally configured staking limits.
type RiskLimits struct {
	MinStake decimal.Decimal // Min stake per entry
	MaxLegs  int             // Max selections per parlay, 0 = unlimited

	// Max total staked per user per day, by currency. Missing = unlimited.
	MaxDailyStake map[slip.Currency]decimal.Decimal
}

// DefaultRiskLimits returns the production defaults.
func DefaultRiskLimits() *RiskLimits {
	return &RiskLimits{
		MinStake: decimal.NewFromInt(1),
		MaxLegs:  10,
		MaxDailyStake: map[slip.Currency]decimal.Decimal{
			slip.CurrencyCash: decimal.NewFromInt(1000),
		},
	}
}

// TightRiskLimits returns small limits for local and test deployments.
func TightRiskLimits() *RiskLimits {
	return &RiskLimits{
		MinStake: decimal.NewFromInt(1),
		MaxLegs:  4,
		MaxDailyStake: map[slip.Currency]decimal.Decimal{
			slip.CurrencyCash:  decimal.NewFromInt(100),
			slip.CurrencyCoins: decimal.NewFromInt(10000),
		},
	}
}

// ViolationCode identifies why an entry is blocked.
type ViolationCode string

const (
	ViolationEmptySlip           ViolationCode = "empty_slip"
	ViolationMarketConflict      ViolationCode = "market_conflict"
	ViolationInvalidStake        ViolationCode = "invalid_stake"
	ViolationBelowMinStake       ViolationCode = "below_min_stake"
	ViolationTooManyLegs         ViolationCode = "too_many_legs"
	ViolationMaxRisk             ViolationCode = "max_risk"
	ViolationInsufficientBalance ViolationCode = "insufficient_balance"
	ViolationDailyLimit          ViolationCode = "daily_limit"
	ViolationBoundsUnavailable   ViolationCode = "bounds_unavailable"
)

// Violation is one user-facing reason the Place Entry action is disabled.
type Violation struct {
	Code    ViolationCode `json:"code"`
	Message string        `json:"message"`
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed    bool             `json:"allowed"`
	MaxWin     decimal.Decimal  `json:"maxWin"`
	MaxStake   *decimal.Decimal `json:"maxStake,omitempty"`
	Violations []Violation      `json:"violations,omitempty"`
}

// Has reports whether the decision carries a violation with the given code.
func (d Decision) Has(code ViolationCode) bool {
	for _, v := range d.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Err returns the first violation as an error, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed || len(d.Violations) == 0 {
		return nil
	}
	return fmt.Errorf("%s: %s", d.Violations[0].Code, d.Violations[0].Message)
}

func (d *Decision) add(code ViolationCode, format string, args ...interface{}) {
	d.Violations = append(d.Violations, Violation{Code: code, Message: fmt.Sprintf(format, args...)})
}

// CheckRequest is a priced slip and the balance it would be staked from.
type CheckRequest struct {
	UserID  string
	Quote   *slip.Quote
	Balance decimal.Decimal
}

// Engine enforces RiskLimits and the remote Bounds, and tracks daily stake.
type Engine struct {
	limits *RiskLimits
	bounds BoundsSource
	clock  clockwork.Clock

	mu       sync.RWMutex
	daily    map[string]map[slip.Currency]decimal.Decimal // user -> currency -> staked today
	tradeDay string
}

// NewEngine creates a policy engine. A nil limits uses the defaults; a nil clock
// uses the system clock.
func NewEngine(limits *RiskLimits, bounds BoundsSource, clk clockwork.Clock) *Engine {
	if limits == nil {
		limits = DefaultRiskLimits()
	}
	if bounds == nil {
		bounds = StaticBounds{}
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Engine{
		limits:   limits,
		bounds:   bounds,
		clock:    clk,
		daily:    make(map[string]map[slip.Currency]decimal.Decimal),
		tradeDay: dayKey(clk),
	}
}

// Limits returns the configured limits.
func (e *Engine) Limits() *RiskLimits {
	return e.limits
}

// Check validates a quote against every rule and collects all violations.
func (e *Engine) Check(ctx context.Context, req CheckRequest) Decision {
	d := Decision{}
	q := req.Quote

	if q == nil || len(q.Legs) == 0 {
		d.add(ViolationEmptySlip, "add a selection to place an entry")
		return d
	}

	for _, c := range q.Conflicts {
		d.add(ViolationMarketConflict, "market %s is selected %d times", c.MarketID, len(c.SelectionIDs))
	}

	if e.limits.MaxLegs > 0 && len(q.Legs) > e.limits.MaxLegs {
		d.add(ViolationTooManyLegs, "parlays are limited to %d legs", e.limits.MaxLegs)
	}

	if !q.Stake.IsPositive() {
		d.add(ViolationInvalidStake, "enter a stake greater than zero")
	} else if q.Stake.LessThan(e.limits.MinStake) {
		d.add(ViolationBelowMinStake, "minimum stake is %s", e.limits.MinStake.StringFixed(2))
	}

	bounds, err := e.bounds.Bounds(ctx)
	if err != nil {
		d.add(ViolationBoundsUnavailable, "limits are unavailable, try again shortly")
	} else {
		d.MaxWin = bounds.MaxWin(q.Kind)
		if d.MaxWin.IsPositive() {
			if maxStake, ok := odds.MaxStake(d.MaxWin, q.Combined.Decimal); ok {
				maxStake = maxStake.RoundDown(2)
				d.MaxStake = &maxStake
				if q.Stake.GreaterThan(maxStake) {
					d.add(ViolationMaxRisk, "max stake at %s is %s", q.Combined.American, maxStake.StringFixed(2))
				}
			}
		}
	}

	if q.Stake.GreaterThan(req.Balance) {
		d.add(ViolationInsufficientBalance, "insufficient %s balance: have %s, need %s",
			q.Currency, req.Balance.StringFixed(2), q.Stake.StringFixed(2))
	}

	if limit, ok := e.limits.MaxDailyStake[q.Currency]; ok {
		e.mu.Lock()
		e.resetDailyIfNeeded()
		used := e.daily[req.UserID][q.Currency]
		e.mu.Unlock()

		if used.Add(q.Stake).GreaterThan(limit) {
			d.add(ViolationDailyLimit, "would exceed daily %s limit of %s", q.Currency, limit.StringFixed(2))
		}
	}

	d.Allowed = len(d.Violations) == 0
	return d
}

// Reserve adds a stake to the user's daily total only if the total stays
// within the daily limit. The check and the increment happen under one lock,
// so concurrent placements cannot overshoot the limit together. It returns
// the daily_limit violation when the stake does not fit; a reservation whose
// placement then fails is handed back with ReleaseEntry.
func (e *Engine) Reserve(userID string, currency slip.Currency, stake decimal.Decimal) *Violation {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resetDailyIfNeeded()
	if limit, ok := e.limits.MaxDailyStake[currency]; ok {
		if e.daily[userID][currency].Add(stake).GreaterThan(limit) {
			return &Violation{
				Code:    ViolationDailyLimit,
				Message: fmt.Sprintf("would exceed daily %s limit of %s", currency, limit.StringFixed(2)),
			}
		}
	}
	e.addDaily(userID, currency, stake)
	return nil
}

// RecordEntry adds a placed stake to the user's daily total without checking
// the limit.
func (e *Engine) RecordEntry(userID string, currency slip.Currency, stake decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resetDailyIfNeeded()
	e.addDaily(userID, currency, stake)
}

func (e *Engine) addDaily(userID string, currency slip.Currency, stake decimal.Decimal) {
	byCurrency, ok := e.daily[userID]
	if !ok {
		byCurrency = make(map[slip.Currency]decimal.Decimal)
		e.daily[userID] = byCurrency
	}
	byCurrency[currency] = byCurrency[currency].Add(stake)
}

// ReleaseEntry removes a voided or failed stake from the user's daily total.
func (e *Engine) ReleaseEntry(userID string, currency slip.Currency, stake decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byCurrency, ok := e.daily[userID]
	if !ok {
		return
	}
	left := byCurrency[currency].Sub(stake)
	if left.IsNegative() {
		left = decimal.Zero
	}
	byCurrency[currency] = left
}

// DailyStake returns what the user has staked today in a currency.
func (e *Engine) DailyStake(userID string, currency slip.Currency) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetDailyIfNeeded()
	return e.daily[userID][currency]
}

func (e *Engine) resetDailyIfNeeded() {
	if day := dayKey(e.clock); day != e.tradeDay {
		e.daily = make(map[string]map[slip.Currency]decimal.Decimal)
		e.tradeDay = day
	}
}

func dayKey(c clockwork.Clock) string {
	return c.Now().UTC().Format("2006-01-02")
}

// PolicyStatus summarizes the active limits.
type PolicyStatus struct {
	SingleMaxWin  string            `json:"single_max_win"`
	ParlayMaxWin  string            `json:"parlay_max_win"`
	MinStake      string            `json:"min_stake"`
	MaxLegs       int               `json:"max_legs"`
	MaxDailyStake map[string]string `json:"max_daily_stake,omitempty"`
	TradeDay      string            `json:"trade_day"`
	BoundsError   string            `json:"bounds_error,omitempty"`
}

// Status returns the current policy status.
func (e *Engine) Status(ctx context.Context) PolicyStatus {
	e.mu.Lock()
	e.resetDailyIfNeeded()
	day := e.tradeDay
	e.mu.Unlock()

	status := PolicyStatus{
		MinStake: e.limits.MinStake.StringFixed(2),
		MaxLegs:  e.limits.MaxLegs,
		TradeDay: day,
	}
	if len(e.limits.MaxDailyStake) > 0 {
		status.MaxDailyStake = make(map[string]string, len(e.limits.MaxDailyStake))
		for c, v := range e.limits.MaxDailyStake {
			status.MaxDailyStake[string(c)] = v.StringFixed(2)
		}
	}

	bounds, err := e.bounds.Bounds(ctx)
	if err != nil {
		status.BoundsError = err.Error()
	} else {
		status.SingleMaxWin = bounds.SingleMaxWin.StringFixed(2)
		status.ParlayMaxWin = bounds.ParlayMaxWin.StringFixed(2)
	}
	return status
}
