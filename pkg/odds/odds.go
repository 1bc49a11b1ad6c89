// Package odds converts between implied probability, American odds and decimal odds,
// combines parlay legs and computes payouts.
//
// It is the only place odds formulas live. Every function is pure and safe for
// concurrent use.
package odds

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Sentinel prices for probabilities that cannot be quoted.
const (
	// NotAvailable is returned for a zero or negative probability.
	NotAvailable = "N/A"
	// Certain is returned for a probability of one or more.
	Certain = "-∞"
)

var (
	ErrInvalidFormat = errors.New("invalid american odds format")
	ErrOutOfDomain   = errors.New("decimal odds must be greater than 1")
	ErrNoLegs        = errors.New("at least one leg is required")
	ErrNegativeStake = errors.New("stake must not be negative")
)

var americanPattern = regexp.MustCompile(`^[+-]?\d[\d,]*$`)

// Leg is anything that carries an American price, typically a bet-slip selection.
type Leg interface {
	AmericanPrice() string
}

// Price is a bare American odds string usable as a Leg.
type Price string

// AmericanPrice implements Leg.
func (p Price) AmericanPrice() string { return string(p) }

// ProbabilityToAmerican prices an implied win probability in American odds.
// Probabilities above one half are favorites priced at -100/(p-1), so 0.8
// shows "-500"; everything else is an underdog at 100/p - 100. Both signs
// carry thousands separators. Out-of-range inputs return NotAvailable or
// Certain.
func ProbabilityToAmerican(p float64) string {
	switch {
	case math.IsNaN(p) || p <= 0:
		return NotAvailable
	case p >= 1:
		return Certain
	case p > 0.5:
		return FormatAmerican(-int(math.Round(-100 / (p - 1))))
	default:
		return FormatAmerican(int(math.Round(100/p - 100)))
	}
}

// ProbabilityToDecimal returns 1/p for p in (0,1).
func ProbabilityToDecimal(p float64) (float64, error) {
	if math.IsNaN(p) || p <= 0 || p >= 1 {
		return 0, fmt.Errorf("probability %v: %w", p, ErrOutOfDomain)
	}
	return 1 / p, nil
}

// ImpliedProbability returns 1/d for decimal odds d > 1.
func ImpliedProbability(d float64) (float64, error) {
	if !validDecimal(d) {
		return 0, fmt.Errorf("decimal %v: %w", d, ErrOutOfDomain)
	}
	return 1 / d, nil
}

// ParseAmerican parses an American odds string such as "+150", "-1,200" or "250"
// into its signed integer value. Unsigned values are treated as negative, matching
// AmericanToDecimal.
func ParseAmerican(s string) (int, error) {
	s = strings.TrimSpace(s)
	if !americanPattern.MatchString(s) {
		return 0, fmt.Errorf("%q: %w", s, ErrInvalidFormat)
	}

	positive := strings.HasPrefix(s, "+")
	digits := strings.ReplaceAll(strings.TrimLeft(s, "+-"), ",", "")
	v, err := strconv.Atoi(digits)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%q: %w", s, ErrInvalidFormat)
	}

	if positive {
		return v, nil
	}
	return -v, nil
}

// AmericanToDecimal converts an American odds string into decimal odds.
//
//	"+150" -> 2.5
//	"-200" -> 1.5
func AmericanToDecimal(s string) (float64, error) {
	v, err := ParseAmerican(s)
	if err != nil {
		return 0, err
	}
	if v > 0 {
		return float64(v)/100 + 1, nil
	}
	return 1 + 100/float64(-v), nil
}

// DecimalToAmerican converts decimal odds into a formatted American odds string.
// Decimal 2 and below is a favorite, so even money renders "-100".
func DecimalToAmerican(d float64) (string, error) {
	v, err := decimalToAmericanInt(d)
	if err != nil {
		return "", err
	}
	return FormatAmerican(v), nil
}

func decimalToAmericanInt(d float64) (int, error) {
	if !validDecimal(d) {
		return 0, fmt.Errorf("decimal %v: %w", d, ErrOutOfDomain)
	}
	if d > 2 {
		return int(math.Round((d - 1) * 100)), nil
	}
	return int(math.Round(-100 / (d - 1))), nil
}

// Combined is the price of a whole slip.
type Combined struct {
	Legs     int     `json:"legs"`
	Decimal  float64 `json:"decimalOdds"`
	American string  `json:"moneylineOdds"`
}

// Multiplier is the combined decimal odds as an exact decimal.
func (c Combined) Multiplier() decimal.Decimal {
	return decimal.NewFromFloat(c.Decimal)
}

// CombineLegs prices a parlay as the product of each leg's decimal odds.
// A single leg keeps its own American price unchanged.
func CombineLegs(legs []Leg) (Combined, error) {
	if len(legs) == 0 {
		return Combined{}, ErrNoLegs
	}

	product := 1.0
	for i, leg := range legs {
		d, err := AmericanToDecimal(leg.AmericanPrice())
		if err != nil {
			return Combined{}, fmt.Errorf("leg %d: %w", i, err)
		}
		product *= d
	}

	if len(legs) == 1 {
		return Combined{Legs: 1, Decimal: product, American: legs[0].AmericanPrice()}, nil
	}

	american, err := DecimalToAmerican(product)
	if err != nil {
		return Combined{}, err
	}
	return Combined{Legs: len(legs), Decimal: product, American: american}, nil
}

// Payout is the return on a stake at combined odds. Total is kept unrounded so it
// can be composed further; Display rounds once for presentation.
type Payout struct {
	Stake decimal.Decimal `json:"stake"`
	Total decimal.Decimal `json:"payout"`
}

// Display returns the total rounded to cents.
func (p Payout) Display() decimal.Decimal {
	return p.Total.Round(2)
}

// Profit is the amount won above the stake.
func (p Payout) Profit() decimal.Decimal {
	return p.Total.Sub(p.Stake)
}

// ComputePayout multiplies a stake by combined decimal odds.
func ComputePayout(stake decimal.Decimal, combinedDecimal float64) (Payout, error) {
	if stake.IsNegative() {
		return Payout{}, ErrNegativeStake
	}
	if !validDecimal(combinedDecimal) {
		return Payout{}, fmt.Errorf("decimal %v: %w", combinedDecimal, ErrOutOfDomain)
	}
	return Payout{
		Stake: stake,
		Total: stake.Mul(decimal.NewFromFloat(combinedDecimal)),
	}, nil
}

// MaxStake is the largest stake whose profit stays within maxWin at the given
// combined decimal odds: maxWin / (m - 1). ok is false when m ≤ 1.
func MaxStake(maxWin decimal.Decimal, multiplier float64) (stake decimal.Decimal, ok bool) {
	if !validDecimal(multiplier) {
		return decimal.Zero, false
	}
	return maxWin.Div(decimal.NewFromFloat(multiplier - 1)), true
}

func validDecimal(d float64) bool {
	return !math.IsNaN(d) && !math.IsInf(d, 0) && d > 1
}
