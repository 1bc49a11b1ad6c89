// Package geo refuses entries from jurisdictions where wagering is not offered.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// DefaultLookupURL is ip-api.com, free without a key at 45 requests/minute.
const DefaultLookupURL = "http://ip-api.com/json/"

var (
	ErrBlocked      = errors.New("wagering is not available in this region")
	ErrLookupFailed = errors.New("location lookup failed")
)

// DefaultBlocked lists jurisdictions closed to wagering.
var DefaultBlocked = map[string]string{
	"US": "United States",
	"BY": "Belarus",
	"CU": "Cuba",
	"IR": "Iran",
	"KP": "North Korea",
	"RU": "Russia",
	"SY": "Syria",
	"VE": "Venezuela",
	"MM": "Myanmar",
	"SD": "Sudan",
	"IQ": "Iraq",
	"LY": "Libya",
	"SO": "Somalia",
	"YE": "Yemen",
}

// Location is where an address resolved to.
type Location struct {
	IP          string `json:"query"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	Region      string `json:"regionName"`
}

// Locator resolves an IP to a location.
type Locator interface {
	Locate(ctx context.Context, ip string) (*Location, error)
}

// Client resolves addresses through ip-api.com.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") + "/" }
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a lookup client limited to the free tier rate.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultLookupURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/45), 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Locate looks up ip.
func (c *Client) Locate(ctx context.Context, ip string) (*Location, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	url := c.baseURL + ip + "?fields=status,message,country,countryCode,regionName,query"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrLookupFailed, resp.StatusCode)
	}

	var result struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Location
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	if result.Status != "success" {
		return nil, fmt.Errorf("%w: %s", ErrLookupFailed, result.Message)
	}
	return &result.Location, nil
}

// Gate decides whether an address may place entries. Lookups are cached
// per address for the TTL.
type Gate struct {
	locator  Locator
	blocked  map[string]string
	ttl      time.Duration
	failOpen bool
	clock    clockwork.Clock

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	loc     *Location
	expires time.Time
}

// GateConfig configures a Gate.
type GateConfig struct {
	// Blocked maps country codes to names; nil uses DefaultBlocked
	Blocked map[string]string
	TTL     time.Duration
	// FailOpen allows entries when the lookup fails
	FailOpen bool
}

// NewGate creates a gate. A nil clock uses the system clock.
func NewGate(locator Locator, cfg GateConfig, clk clockwork.Clock) *Gate {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	blocked := cfg.Blocked
	if blocked == nil {
		blocked = DefaultBlocked
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Gate{
		locator:  locator,
		blocked:  blocked,
		ttl:      ttl,
		failOpen: cfg.FailOpen,
		clock:    clk,
		cache:    make(map[string]cached),
	}
}

// BlockedSet builds a blocked map from country codes. Unknown codes keep the
// code as their name.
func BlockedSet(codes []string) map[string]string {
	out := make(map[string]string, len(codes))
	for _, code := range codes {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		name, ok := DefaultBlocked[code]
		if !ok {
			name = code
		}
		out[code] = name
	}
	return out
}

// Check returns ErrBlocked for addresses in a blocked country. Private and
// loopback addresses are always allowed.
func (g *Gate) Check(ctx context.Context, ip string) error {
	addr := net.ParseIP(ip)
	if addr == nil {
		return fmt.Errorf("%w: bad address %q", ErrLookupFailed, ip)
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() {
		return nil
	}

	loc, err := g.locate(ctx, addr.String())
	if err != nil {
		if g.failOpen {
			log.Printf("[GEO] lookup %s failed, allowing: %v", ip, err)
			return nil
		}
		return err
	}
	if name, ok := g.blocked[loc.CountryCode]; ok {
		return fmt.Errorf("%w: %s", ErrBlocked, name)
	}
	return nil
}

func (g *Gate) locate(ctx context.Context, ip string) (*Location, error) {
	now := g.clock.Now()

	g.mu.Lock()
	if c, ok := g.cache[ip]; ok && now.Before(c.expires) {
		g.mu.Unlock()
		return c.loc, nil
	}
	g.mu.Unlock()

	loc, err := g.locator.Locate(ctx, ip)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.cache[ip] = cached{loc: loc, expires: now.Add(g.ttl)}
	for k, c := range g.cache {
		if !now.Before(c.expires) {
			delete(g.cache, k)
		}
	}
	g.mu.Unlock()
	return loc, nil
}

// ClientIP strips the port from a request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
