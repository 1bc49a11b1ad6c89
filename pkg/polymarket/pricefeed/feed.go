// Package pricefeed streams live outcome prices from the Polymarket CLOB
// market channel and reconnects with backoff when the connection drops.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// DefaultURL is the public market channel.
const DefaultURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

var errResubscribe = errors.New("token set changed")

// Config holds feed connection settings.
type Config struct {
	URL string

	// Reconnect backoff doubles from MinBackoff up to MaxBackoff and starts
	// over only after a session has stayed up for StableAfter
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	StableAfter time.Duration

	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxTokens caps the subscription size; 0 = unlimited
	MaxTokens int
}

// DefaultConfig returns a config for url with sensible defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		MinBackoff:   time.Second,
		MaxBackoff:   30 * time.Second,
		StableAfter:  30 * time.Second,
		PingInterval: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		MaxTokens:    500,
	}
}

type subscribeMsg struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}

// Feed keeps one market-channel connection open for the current token set.
type Feed struct {
	cfg    Config
	clock  clockwork.Clock
	dialer websocket.Dialer

	mu        sync.Mutex
	tokens    []string
	connected bool
	resub     chan struct{}

	onUpdate func(Update)
	onState  func(connected bool, err error)
}

// New creates a feed. A nil clock uses the system clock.
func New(cfg Config, clk clockwork.Clock) *Feed {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = cfg.MaxBackoff
	}
	return &Feed{
		cfg:   cfg,
		clock: clk,
		dialer: websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
			ReadBufferSize:   8192,
			WriteBufferSize:  4096,
		},
		resub: make(chan struct{}, 1),
	}
}

// OnUpdate sets the callback for every parsed price. It runs on the read goroutine.
func (f *Feed) OnUpdate(fn func(Update)) {
	f.onUpdate = fn
}

// OnState sets the callback for connects and disconnects.
func (f *Feed) OnState(fn func(connected bool, err error)) {
	f.onState = fn
}

// Connected reports whether a session is open.
func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// SetTokens replaces the subscribed tokens and reports whether the set
// changed. A change reopens the session with the new subscription.
func (f *Feed) SetTokens(ids []string) bool {
	seen := make(map[string]bool, len(ids))
	tokens := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		if f.cfg.MaxTokens > 0 && len(tokens) >= f.cfg.MaxTokens {
			break
		}
		seen[id] = true
		tokens = append(tokens, id)
	}

	f.mu.Lock()
	if sameTokens(f.tokens, tokens) {
		f.mu.Unlock()
		return false
	}
	f.tokens = tokens
	f.mu.Unlock()

	select {
	case f.resub <- struct{}{}:
	default:
	}
	return true
}

func sameTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (f *Feed) currentTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

// Run keeps a session open until ctx is cancelled. It idles while there
// are no tokens to subscribe to.
func (f *Feed) Run(ctx context.Context) {
	attempt := 0
	for {
		// a pending change signal is covered by the tokens read below
		select {
		case <-f.resub:
		default:
		}
		tokens := f.currentTokens()
		if len(tokens) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-f.resub:
				continue
			}
		}

		started, err := f.session(ctx, tokens)
		if ctx.Err() != nil {
			return
		}
		if f.stable(started) {
			attempt = 0
		}
		if errors.Is(err, errResubscribe) {
			log.Printf("[FEED] resubscribing to %d tokens", len(f.currentTokens()))
			continue
		}

		attempt++
		delay := f.backoff(attempt)
		log.Printf("[FEED] disconnected: %v (retry %d in %s)", err, attempt, delay)
		if !f.sleep(ctx, delay) {
			return
		}
	}
}

func (f *Feed) backoff(attempt int) time.Duration {
	delay := f.cfg.MinBackoff
	for i := 1; i < attempt && delay < f.cfg.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > f.cfg.MaxBackoff {
		delay = f.cfg.MaxBackoff
	}
	return delay
}

// stable reports whether a session subscribed at started stayed up long
// enough to reset the backoff. A zero started means it never subscribed.
func (f *Feed) stable(started time.Time) bool {
	return !started.IsZero() && f.clock.Since(started) >= f.cfg.StableAfter
}

func (f *Feed) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-f.clock.After(d):
		return true
	}
}

// session dials, subscribes and pumps messages until the connection fails,
// the token set changes or ctx is cancelled. It returns when the
// subscription went out, or the zero time if it never did.
func (f *Feed) session(ctx context.Context, tokens []string) (time.Time, error) {
	var started time.Time
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return started, fmt.Errorf("dial %s: %w", f.cfg.URL, err)
	}
	defer conn.Close()

	if f.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
	}
	if err := conn.WriteJSON(subscribeMsg{Type: "market", AssetIDs: tokens}); err != nil {
		return started, fmt.Errorf("subscribe: %w", err)
	}
	started = f.clock.Now()
	f.setConnected(true, nil)
	log.Printf("[FEED] subscribed to %d tokens", len(tokens))

	readErr := make(chan error, 1)
	go func() { readErr <- f.readLoop(conn) }()

	var pings <-chan time.Time
	if f.cfg.PingInterval > 0 {
		t := f.clock.NewTicker(f.cfg.PingInterval)
		defer t.Stop()
		pings = t.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			f.setConnected(false, nil)
			return started, ctx.Err()

		case <-f.resub:
			f.setConnected(false, nil)
			return started, errResubscribe

		case err := <-readErr:
			f.setConnected(false, err)
			return started, fmt.Errorf("read: %w", err)

		case <-pings:
			deadline := time.Now().Add(f.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				f.setConnected(false, err)
				return started, fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (f *Feed) readLoop(conn *websocket.Conn) error {
	if f.cfg.ReadTimeout > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		})
	}
	for {
		if f.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		for _, u := range Parse(data) {
			if f.onUpdate != nil {
				f.onUpdate(u)
			}
		}
	}
}

func (f *Feed) setConnected(connected bool, err error) {
	f.mu.Lock()
	changed := f.connected != connected
	f.connected = connected
	f.mu.Unlock()

	if changed && f.onState != nil {
		f.onState(connected, err)
	}
}
