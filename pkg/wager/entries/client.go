// Package entries submits placed slips to the wagering backend.
package entries

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/phenomenon0/parlay-desk/pkg/odds"
	"github.com/phenomenon0/parlay-desk/pkg/wager/slip"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultRateLimit = 5.0 // requests per second
	defaultBurst     = 5
	entriesPath      = "/entries"
)

// Leg is one selection as the backend receives it.
type Leg struct {
	SelectionID   string  `json:"selectionId"`
	MarketID      string  `json:"marketId"`
	Outcome       string  `json:"outcome"`
	DecimalOdds   float64 `json:"decimalOdds"`
	MoneylineOdds string  `json:"moneylineOdds"`
}

// Payload is the body of an entry submission.
type Payload struct {
	EntryID           string          `json:"entryId"`
	UserID            string          `json:"userId"`
	Currency          slip.Currency   `json:"currency"`
	Stake             decimal.Decimal `json:"stake"`
	Legs              []Leg           `json:"legs"`
	CombinedDecimal   float64         `json:"combinedDecimalOdds"`
	CombinedMoneyline string          `json:"combinedMoneylineOdds"`
	PotentialPayout   decimal.Decimal `json:"potentialPayout"`
}

// NewPayload builds a submission from a priced slip. Every leg carries both
// its decimal and moneyline price.
func NewPayload(entryID, userID string, q *slip.Quote) (Payload, error) {
	if q == nil || len(q.Legs) == 0 {
		return Payload{}, slip.ErrEmptySlip
	}

	legs := make([]Leg, len(q.Legs))
	for i, sel := range q.Legs {
		american := sel.AmericanPrice()
		dec, err := odds.AmericanToDecimal(american)
		if err != nil {
			return Payload{}, fmt.Errorf("leg %d: %w", i, err)
		}
		legs[i] = Leg{
			SelectionID:   sel.ID,
			MarketID:      sel.MarketID,
			Outcome:       sel.Outcome,
			DecimalOdds:   dec,
			MoneylineOdds: american,
		}
	}

	return Payload{
		EntryID:           entryID,
		UserID:            userID,
		Currency:          q.Currency,
		Stake:             q.Stake,
		Legs:              legs,
		CombinedDecimal:   q.Combined.Decimal,
		CombinedMoneyline: q.Combined.American,
		PotentialPayout:   q.Payout,
	}, nil
}

// Result is the backend's acknowledgement.
type Result struct {
	EntryID   string `json:"entryId"`
	Status    string `json:"status"`
	Reference string `json:"reference,omitempty"`
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("entries api error %d: %s", e.StatusCode, e.Body)
}

// Submitter sends entries upstream.
type Submitter interface {
	Submit(ctx context.Context, p Payload) (*Result, error)
}

// Noop accepts every entry without sending it anywhere.
type Noop struct{}

func (Noop) Submit(_ context.Context, p Payload) (*Result, error) {
	return &Result{EntryID: p.EntryID, Status: "accepted"}, nil
}

// Client posts entries to the backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithRateLimit sets custom rate limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit posts an entry. Non-2xx responses are returned as *APIError.
func (c *Client) Submit(ctx context.Context, p Payload) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+entriesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(msg)}
	}

	result := &Result{EntryID: p.EntryID, Status: "accepted"}
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil && err != io.EOF {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}

	log.Printf("[ENTRY] submitted %s for %s (%d legs at %s)", p.EntryID, p.UserID, len(p.Legs), p.CombinedMoneyline)
	return result, nil
}
