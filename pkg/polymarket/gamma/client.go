package gamma

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://gamma-api.polymarket.com"

	// Gamma allows bursts well above this; the board never needs more
	defaultRateLimit = 10.0
	defaultBurst     = 5

	pageSize        = 100
	defaultMaxPages = 10
)

// ErrMarketNotFound is returned by GetMarket for unknown ids.
var ErrMarketNotFound = errors.New("market not found")

// APIError is a non-200 response from Gamma.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gamma api error %d: %s", e.StatusCode, e.Body)
}

// Client reads markets from Gamma.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxPages   int
	tagID      string
}

// ClientOption configures the client.
type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = url }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithRateLimit replaces the default 10 rps limiter.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithMaxPages caps how many pages ListAllTradeableMarkets walks.
func WithMaxPages(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxPages = n
		}
	}
}

// WithTagID restricts tradeable listings to one Gamma tag, such as a sport.
func WithTagID(id string) ClientOption {
	return func(c *Client) { c.tagID = id }
}

// NewClient creates a Gamma client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:  rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		maxPages: defaultMaxPages,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListMarkets fetches one page of markets matching filter. A nil filter
// uses Gamma's defaults.
func (c *Client) ListMarkets(ctx context.Context, filter *MarketsFilter) ([]Market, error) {
	var markets []Market
	if err := c.getJSON(ctx, "/markets", filter.query(), &markets); err != nil {
		return nil, err
	}
	return markets, nil
}

// GetMarket fetches a single market by id, including closed and resolved ones.
func (c *Client) GetMarket(ctx context.Context, id string) (*Market, error) {
	var m Market
	err := c.getJSON(ctx, "/markets/"+url.PathEscape(id), nil, &m)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", id, ErrMarketNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListTradeableMarkets fetches one page of open markets, busiest first.
func (c *Client) ListTradeableMarkets(ctx context.Context, limit, offset int) ([]Market, error) {
	return c.ListMarkets(ctx, &MarketsFilter{
		Active: BoolPtr(true),
		Closed: BoolPtr(false),
		TagID:  c.tagID,
		Order:  "volume24hr",
		Limit:  limit,
		Offset: offset,
	})
}

// ListAllTradeableMarkets walks open markets up to the page cap and keeps
// those accepting orders.
func (c *Client) ListAllTradeableMarkets(ctx context.Context) ([]Market, error) {
	var all []Market
	for page := 0; page < c.maxPages; page++ {
		markets, err := c.ListTradeableMarkets(ctx, pageSize, page*pageSize)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		for _, m := range markets {
			if m.IsTradeable() {
				all = append(all, m)
			}
		}
		if len(markets) < pageSize {
			break
		}
	}
	return all, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// query encodes the filter as Gamma query parameters.
func (f *MarketsFilter) query() url.Values {
	params := url.Values{}
	if f == nil {
		return params
	}
	if f.Active != nil {
		params.Set("active", strconv.FormatBool(*f.Active))
	}
	if f.Closed != nil {
		params.Set("closed", strconv.FormatBool(*f.Closed))
	}
	if f.TagID != "" {
		params.Set("tag_id", f.TagID)
	}
	if f.Order != "" {
		params.Set("order", f.Order)
		params.Set("ascending", strconv.FormatBool(f.Asc))
	}
	if f.Limit > 0 {
		params.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		params.Set("offset", strconv.Itoa(f.Offset))
	}
	return params
}
