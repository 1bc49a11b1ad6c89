// Package slip holds the bet slip: an ordered list of selections, the currency the
// user is playing with, and quoting through the odds engine.
package slip

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/phenomenon0/parlay-desk/pkg/odds"

	"github.com/shopspring/decimal"
)

// Currency is the balance a slip is staked from.
type Currency string

const (
	CurrencyCash  Currency = "cash"
	CurrencyCoins Currency = "coins"
)

// Valid reports whether c is a known currency.
func (c Currency) Valid() bool {
	return c == CurrencyCash || c == CurrencyCoins
}

// ParseCurrency parses "cash" or "coins"; an empty string defaults to cash.
func ParseCurrency(s string) (Currency, error) {
	if s == "" {
		return CurrencyCash, nil
	}
	c := Currency(s)
	if !c.Valid() {
		return "", fmt.Errorf("%q: %w", s, ErrUnknownCurrency)
	}
	return c, nil
}

var (
	ErrEmptySlip          = errors.New("slip has no selections")
	ErrDuplicateSelection = errors.New("selection already on slip")
	ErrUnpriced           = errors.New("selection has no price")
	ErrMissingMarket      = errors.New("selection has no market id")
	ErrUnknownCurrency    = errors.New("unknown currency")
)

// Selection is one pick on the slip.
type Selection struct {
	ID          string  `json:"id"`
	MarketID    string  `json:"marketId"`
	Question    string  `json:"question,omitempty"`
	Outcome     string  `json:"outcome"`
	American    string  `json:"americanOdds,omitempty"`
	Probability float64 `json:"probability,omitempty"`
}

// AmericanPrice implements odds.Leg. A selection quoted only by probability is
// priced through the odds engine.
func (s Selection) AmericanPrice() string {
	if s.American != "" {
		return s.American
	}
	return odds.ProbabilityToAmerican(s.Probability)
}

// DecimalOdds returns the selection's decimal price.
func (s Selection) DecimalOdds() (float64, error) {
	return odds.AmericanToDecimal(s.AmericanPrice())
}

// Validate checks the selection can sit on a slip.
func (s Selection) Validate() error {
	if s.MarketID == "" {
		return ErrMissingMarket
	}
	if s.American == "" && (s.Probability <= 0 || s.Probability >= 1) {
		return fmt.Errorf("%s: %w", s.ID, ErrUnpriced)
	}
	if _, err := s.DecimalOdds(); err != nil {
		return fmt.Errorf("%s: %w", s.ID, err)
	}
	return nil
}

// Conflict is a market chosen more than once on the same slip.
type Conflict struct {
	MarketID     string   `json:"marketId"`
	SelectionIDs []string `json:"selectionIds"`
}

// DetectConflicts returns every market id carried by two or more selections,
// in order of first appearance.
func DetectConflicts(legs []Selection) []Conflict {
	byMarket := make(map[string][]string, len(legs))
	var order []string
	for _, leg := range legs {
		if _, seen := byMarket[leg.MarketID]; !seen {
			order = append(order, leg.MarketID)
		}
		byMarket[leg.MarketID] = append(byMarket[leg.MarketID], leg.ID)
	}

	var conflicts []Conflict
	for _, marketID := range order {
		if ids := byMarket[marketID]; len(ids) > 1 {
			conflicts = append(conflicts, Conflict{MarketID: marketID, SelectionIDs: ids})
		}
	}
	return conflicts
}

// Kind distinguishes single bets from parlays.
type Kind string

const (
	KindSingle Kind = "single"
	KindParlay Kind = "parlay"
)

// KindOf returns the kind for a leg count.
func KindOf(legs int) Kind {
	if legs > 1 {
		return KindParlay
	}
	return KindSingle
}

// Quote is a priced slip.
type Quote struct {
	Kind      Kind            `json:"kind"`
	Currency  Currency        `json:"currency"`
	Legs      []Selection     `json:"legs"`
	Combined  odds.Combined   `json:"combined"`
	Stake     decimal.Decimal `json:"stake"`
	Payout    decimal.Decimal `json:"payout"`
	Profit    decimal.Decimal `json:"profit"`
	Conflicts []Conflict      `json:"conflicts,omitempty"`

	// unrounded payout for further composition
	raw odds.Payout
}

// Raw returns the unrounded payout.
func (q Quote) Raw() odds.Payout {
	return q.raw
}

// Price quotes a list of selections at a stake without building a Slip.
func Price(legs []Selection, currency Currency, stake decimal.Decimal) (*Quote, error) {
	if len(legs) == 0 {
		return nil, ErrEmptySlip
	}

	priced := make([]odds.Leg, len(legs))
	for i, leg := range legs {
		priced[i] = leg
	}

	combined, err := odds.CombineLegs(priced)
	if err != nil {
		return nil, err
	}
	payout, err := odds.ComputePayout(stake, combined.Decimal)
	if err != nil {
		return nil, err
	}

	copied := make([]Selection, len(legs))
	copy(copied, legs)

	return &Quote{
		Kind:      KindOf(len(legs)),
		Currency:  currency,
		Legs:      copied,
		Combined:  combined,
		Stake:     stake,
		Payout:    payout.Display(),
		Profit:    payout.Profit().Round(2),
		Conflicts: DetectConflicts(legs),
		raw:       payout,
	}, nil
}

// Slip is a user's in-progress bet slip. It is safe for concurrent use.
type Slip struct {
	mu       sync.RWMutex
	legs     []Selection
	currency Currency
}

// New creates an empty slip playing with the given currency.
func New(currency Currency) *Slip {
	if !currency.Valid() {
		currency = CurrencyCash
	}
	return &Slip{currency: currency}
}

// FromSelections builds a slip from selections, in order.
func FromSelections(currency Currency, legs []Selection) (*Slip, error) {
	s := New(currency)
	for _, leg := range legs {
		if err := s.Add(leg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends a selection. Selections on an already-chosen market are accepted
// and reported by Conflicts.
func (s *Slip) Add(sel Selection) error {
	if err := sel.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, leg := range s.legs {
		if leg.ID == sel.ID {
			return fmt.Errorf("%s: %w", sel.ID, ErrDuplicateSelection)
		}
	}
	s.legs = append(s.legs, sel)
	return nil
}

// Remove drops a selection by id and reports whether it was present.
func (s *Slip) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, leg := range s.legs {
		if leg.ID == id {
			s.legs = append(s.legs[:i:i], s.legs[i+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the slip.
func (s *Slip) Clear() {
	s.mu.Lock()
	s.legs = nil
	s.mu.Unlock()
}

// Len returns the number of selections.
func (s *Slip) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.legs)
}

// Legs returns a copy of the selections in slip order.
func (s *Slip) Legs() []Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	legs := make([]Selection, len(s.legs))
	copy(legs, s.legs)
	return legs
}

// Currency returns the slip currency.
func (s *Slip) Currency() Currency {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currency
}

// SetCurrency switches between cash and coins.
func (s *Slip) SetCurrency(c Currency) error {
	if !c.Valid() {
		return fmt.Errorf("%q: %w", c, ErrUnknownCurrency)
	}
	s.mu.Lock()
	s.currency = c
	s.mu.Unlock()
	return nil
}

// Conflicts returns the markets chosen more than once.
func (s *Slip) Conflicts() []Conflict {
	return DetectConflicts(s.Legs())
}

// HasConflict reports whether any market is chosen more than once.
func (s *Slip) HasConflict() bool {
	return len(s.Conflicts()) > 0
}

// Quote prices the slip at a stake.
func (s *Slip) Quote(stake decimal.Decimal) (*Quote, error) {
	return Price(s.Legs(), s.Currency(), stake)
}

// Fingerprint is a stable identity for a set of selections, independent of order.
func Fingerprint(legs []Selection) []string {
	ids := make([]string, len(legs))
	for i, leg := range legs {
		ids[i] = leg.MarketID + "/" + leg.Outcome
	}
	sort.Strings(ids)
	return ids
}
