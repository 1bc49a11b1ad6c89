// Package remoteconfig fetches the wagering limits document
// ({"singleMaxWin": ..., "parlayMaxWin": ...}) and caches it.
package remoteconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/phenomenon0/parlay-desk/pkg/wager/policy"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultTTL       = 5 * time.Minute
	defaultRateLimit = 2.0 // requests per second
	defaultBurst     = 2
)

// Document is the remote limits document.
type Document struct {
	SingleMaxWin decimal.Decimal `json:"singleMaxWin"`
	ParlayMaxWin decimal.Decimal `json:"parlayMaxWin"`
}

// Client fetches and caches the limits document. It implements policy.BoundsSource.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	clock      clockwork.Clock
	ttl        time.Duration

	mu        sync.Mutex
	cached    *Document
	fetchedAt time.Time
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTTL sets how long a fetched document is served before refetching.
func WithTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock sets the clock used for cache expiry.
func WithClock(clk clockwork.Clock) ClientOption {
	return func(c *Client) {
		c.clock = clk
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

// NewClient creates a client for the document at url.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		clock:      clockwork.NewRealClock(),
		ttl:        defaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Document returns the cached document, refetching it once the TTL has passed.
// When a refetch fails and a previous copy exists, the stale copy is returned.
func (c *Client) Document(ctx context.Context) (*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.clock.Now().Sub(c.fetchedAt) < c.ttl {
		return c.cached, nil
	}

	doc, err := c.fetch(ctx)
	if err != nil {
		if c.cached != nil {
			log.Printf("[CONFIG] refresh failed, serving copy from %s: %v",
				c.fetchedAt.Format(time.RFC3339), err)
			return c.cached, nil
		}
		return nil, err
	}

	c.cached = doc
	c.fetchedAt = c.clock.Now()
	return doc, nil
}

// Bounds implements policy.BoundsSource.
func (c *Client) Bounds(ctx context.Context) (policy.Bounds, error) {
	doc, err := c.Document(ctx)
	if err != nil {
		return policy.Bounds{}, err
	}
	return policy.Bounds{SingleMaxWin: doc.SingleMaxWin, ParlayMaxWin: doc.ParlayMaxWin}, nil
}

// Invalidate drops the cached copy so the next call refetches.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

func (c *Client) fetch(ctx context.Context) (*Document, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("config api error %d: %s", resp.StatusCode, string(body))
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc.SingleMaxWin.IsNegative() || doc.ParlayMaxWin.IsNegative() {
		return nil, fmt.Errorf("invalid document: negative max win")
	}
	return &doc, nil
}
