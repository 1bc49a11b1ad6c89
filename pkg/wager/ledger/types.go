// Package ledger records placed entries against per-user cash and coin balances
// and settles them.
package ledger

import (
	"errors"
	"time"

	"github.com/phenomenon0/parlay-desk/pkg/wager/slip"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotPending          = errors.New("entry is not pending")
)

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusWon     Status = "won"
	StatusLost    Status = "lost"
	StatusVoid    Status = "void"
)

// Entry is a placed single or parlay.
type Entry struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId"`
	Kind             slip.Kind        `json:"kind"`
	Currency         slip.Currency    `json:"currency"`
	Stake            decimal.Decimal  `json:"stake"`
	Legs             []slip.Selection `json:"legs"`
	CombinedDecimal  float64          `json:"decimalOdds"`
	CombinedAmerican string           `json:"moneylineOdds"`
	PotentialPayout  decimal.Decimal  `json:"potentialPayout"`
	Payout           decimal.Decimal  `json:"payout"`
	Status           Status           `json:"status"`
	Reference        string           `json:"reference,omitempty"`
	PlacedAt         time.Time        `json:"placedAt"`
	SettledAt        *time.Time       `json:"settledAt,omitempty"`
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Legs = append([]slip.Selection(nil), e.Legs...)
	if e.SettledAt != nil {
		t := *e.SettledAt
		c.SettledAt = &t
	}
	return &c
}

// Account holds a user's balances.
type Account struct {
	UserID    string                            `json:"userId"`
	Balances  map[slip.Currency]decimal.Decimal `json:"balances"`
	CreatedAt time.Time                         `json:"createdAt"`
	UpdatedAt time.Time                         `json:"updatedAt"`
}

// Balance returns the balance in one currency.
func (a *Account) Balance(c slip.Currency) decimal.Decimal {
	return a.Balances[c]
}

func (a *Account) clone() *Account {
	c := *a
	c.Balances = make(map[slip.Currency]decimal.Decimal, len(a.Balances))
	for k, v := range a.Balances {
		c.Balances[k] = v
	}
	return &c
}

// AccountStats summarizes a user's entries.
type AccountStats struct {
	Entries  int             `json:"entries"`
	Pending  int             `json:"pending"`
	Won      int             `json:"won"`
	Lost     int             `json:"lost"`
	Voided   int             `json:"voided"`
	Staked   decimal.Decimal `json:"staked"`
	Returned decimal.Decimal `json:"returned"`
	Net      decimal.Decimal `json:"net"`
	WinRate  decimal.Decimal `json:"winRate"`
}

// Config sets the balances new accounts open with.
type Config struct {
	InitialBalances map[slip.Currency]decimal.Decimal
}

// DefaultConfig opens accounts with 100 cash and 1000 coins.
func DefaultConfig() *Config {
	return &Config{
		InitialBalances: map[slip.Currency]decimal.Decimal{
			slip.CurrencyCash:  decimal.NewFromInt(100),
			slip.CurrencyCoins: decimal.NewFromInt(1000),
		},
	}
}

// PlaceRequest places a priced slip. An empty ID is assigned a new uuid.
type PlaceRequest struct {
	ID        string
	UserID    string
	Quote     *slip.Quote
	Reference string
}
