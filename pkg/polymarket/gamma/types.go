// Package gamma provides a client for the Polymarket Gamma Markets API.
// Gamma is a read-only API for market metadata and current outcome prices;
// the board reads it to list what can be bet on.
package gamma

import (
	"encoding/json"
	"strconv"
	"time"
)

// Market represents a single prediction market.
type Market struct {
	ID              string    `json:"id"`
	Question        string    `json:"question"`
	ConditionID     string    `json:"conditionId"`
	Slug            string    `json:"slug"`
	Description     string    `json:"description"`
	EndDate         time.Time `json:"endDate"`
	Active          bool      `json:"active"`
	Closed          bool      `json:"closed"`
	Archived        bool      `json:"archived"`
	AcceptingOrders bool      `json:"acceptingOrders"`

	// Outcomes and prices (JSON-encoded arrays)
	OutcomesRaw      string `json:"outcomes"`
	OutcomePricesRaw string `json:"outcomePrices"`
	ClobTokenIDsRaw  string `json:"clobTokenIds"`

	Liquidity  JSONFloat `json:"liquidity"`
	Volume     JSONFloat `json:"volume"`
	Volume24hr JSONFloat `json:"volume24hr"`

	UpdatedAt time.Time `json:"updatedAt"`
	EventID   string    `json:"eventID"`
	Tags      []Tag     `json:"tags,omitempty"`
}

// Tag represents a category tag.
type Tag struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Slug  string `json:"slug"`
}

// Outcome is one named outcome with its implied probability. TokenID is the
// CLOB asset id used by the live price feed; it may be empty.
type Outcome struct {
	Name        string
	Probability float64
	TokenID     string
}

// JSONFloat handles both numeric and string JSON values.
type JSONFloat float64

func (j *JSONFloat) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*j = JSONFloat(f)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*j = 0
		return nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*j = JSONFloat(f)
	return nil
}

func (j JSONFloat) Float64() float64 {
	return float64(j)
}

// MarketsFilter contains filter parameters for listing markets.
type MarketsFilter struct {
	Active *bool
	Closed *bool
	TagID  string
	Order  string // e.g. "volume24hr"
	Asc    bool
	Limit  int
	Offset int
}

// BoolPtr returns a pointer to a bool.
func BoolPtr(b bool) *bool {
	return &b
}

// IsTradeable returns true if the market can be bet on.
func (m *Market) IsTradeable() bool {
	return m.Active && !m.Closed && !m.Archived && m.AcceptingOrders
}

// Outcomes returns the parsed outcome names.
func (m *Market) Outcomes() []string {
	var outcomes []string
	if m.OutcomesRaw == "" {
		return outcomes
	}
	json.Unmarshal([]byte(m.OutcomesRaw), &outcomes)
	return outcomes
}

// OutcomePrices returns the parsed outcome prices. Unparseable entries are 0.
func (m *Market) OutcomePrices() []float64 {
	var raw []string
	if m.OutcomePricesRaw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(m.OutcomePricesRaw), &raw); err != nil {
		return nil
	}
	prices := make([]float64, len(raw))
	for i, s := range raw {
		prices[i], _ = strconv.ParseFloat(s, 64)
	}
	return prices
}

// TokenIDs returns the parsed CLOB token ids, one per outcome.
func (m *Market) TokenIDs() []string {
	var ids []string
	if m.ClobTokenIDsRaw == "" {
		return ids
	}
	json.Unmarshal([]byte(m.ClobTokenIDsRaw), &ids)
	return ids
}

// OutcomeQuotes pairs every outcome name with its price. Markets whose
// outcome and price arrays disagree in length yield nothing. Token ids are
// attached only when there is one per outcome.
func (m *Market) OutcomeQuotes() []Outcome {
	names := m.Outcomes()
	prices := m.OutcomePrices()
	if len(names) == 0 || len(names) != len(prices) {
		return nil
	}
	tokens := m.TokenIDs()
	out := make([]Outcome, len(names))
	for i := range names {
		out[i] = Outcome{Name: names[i], Probability: prices[i]}
		if len(tokens) == len(names) {
			out[i].TokenID = tokens[i]
		}
	}
	return out
}

// Category returns the first tag label, or "".
func (m *Market) Category() string {
	if len(m.Tags) == 0 {
		return ""
	}
	return m.Tags[0].Label
}
