// slipd serves the parlay desk: a priced market board, slip quotes, entry
// placement and settlement, and live updates over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/phenomenon0/parlay-desk/pkg/api"
	"github.com/phenomenon0/parlay-desk/pkg/config"
	"github.com/phenomenon0/parlay-desk/pkg/logging"
	"github.com/phenomenon0/parlay-desk/pkg/polymarket/gamma"
	"github.com/phenomenon0/parlay-desk/pkg/polymarket/pricefeed"
	"github.com/phenomenon0/parlay-desk/pkg/wager/board"
	"github.com/phenomenon0/parlay-desk/pkg/wager/dedup"
	"github.com/phenomenon0/parlay-desk/pkg/wager/desk"
	"github.com/phenomenon0/parlay-desk/pkg/wager/entries"
	"github.com/phenomenon0/parlay-desk/pkg/wager/geo"
	"github.com/phenomenon0/parlay-desk/pkg/wager/ledger"
	"github.com/phenomenon0/parlay-desk/pkg/wager/metrics"
	"github.com/phenomenon0/parlay-desk/pkg/wager/policy"
	"github.com/phenomenon0/parlay-desk/pkg/wager/remoteconfig"
	"github.com/phenomenon0/parlay-desk/pkg/wager/settler"
	"github.com/phenomenon0/parlay-desk/pkg/wager/slip"
	"github.com/phenomenon0/parlay-desk/pkg/wager/streaming"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

var (
	// Flags
	configPath = flag.String("config", "", "Path to YAML config file")
	envFile    = flag.String("env", ".env", "dotenv file to load before reading the environment")
	httpAddr   = flag.String("http", "", "HTTP listen address (overrides config)")
	sqlitePath = flag.String("sqlite", "", "Store the ledger in this SQLite file (overrides config)")
	verbose    = flag.Bool("verbose", false, "Log every workflow stage")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Println("Starting parlay desk")

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("Failed to load %s: %v", *envFile, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.Server.Addr = *httpAddr
	}
	if *sqlitePath != "" {
		cfg.Ledger.Driver = "sqlite"
		cfg.Ledger.Path = *sqlitePath
	}

	logging.SetLevel(logging.ParseLevel(cfg.Log.Level))
	if *verbose {
		logging.SetLevel(logging.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	go d.hub.Run(ctx)
	go d.refresher.Run(ctx)
	if d.feed != nil {
		go d.feed.Run(ctx)
	}
	if d.settler != nil {
		go d.settler.Run(ctx)
	}
	go d.broadcastLimits(ctx, cfg.Limits.TTL)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      d.server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.ListenAndServe()
	}()

	log.Printf("Desk running (http=%s, ledger=%s)", cfg.Server.Addr, cfg.Ledger.Driver)
	log.Printf("WebSocket streaming available at ws://%s/ws", cfg.Server.Addr)
	log.Println("Press Ctrl+C to stop")

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	case <-ctx.Done():
	}
	log.Println("Shutting down...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}

	d.close()
	log.Println("Goodbye!")
}

type daemon struct {
	clock     clockwork.Clock
	metrics   *metrics.WagerMetrics
	hub       *streaming.Hub
	board     *board.Board
	refresher *board.Refresher
	feed      *pricefeed.Feed
	policy    *policy.Engine
	ledger    *ledger.Engine
	settler   *settler.Settler
	guard     dedup.Guard
	desk      *desk.Desk
	server    *api.Server
}

func newDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	d := &daemon{
		clock:   clockwork.NewRealClock(),
		metrics: metrics.NewWagerMetrics(),
	}

	// Streaming hub
	d.hub = streaming.NewHub(d.clock)
	d.hub.OnClients(d.metrics.SetStreamClients)

	// Market board
	gammaClient := gamma.NewClient(
		gamma.WithBaseURL(cfg.Gamma.BaseURL),
		gamma.WithHTTPClient(d.upstreamClient("gamma", 30*time.Second)),
		gamma.WithRateLimit(cfg.Gamma.RateLimit, int(cfg.Gamma.RateLimit)+1),
		gamma.WithMaxPages(cfg.Gamma.MaxPages),
		gamma.WithTagID(cfg.Gamma.TagID),
	)
	d.board = board.New(gammaClient, d.clock)
	d.board.OnChange(func(changed []board.Market) {
		d.hub.BroadcastLines(changed)
	})

	d.refresher = board.NewRefresher(d.board, cfg.Gamma.RefreshInterval, d.clock)
	d.refresher.OnRefresh(func(changed int, took time.Duration, err error) {
		d.metrics.RecordBoardRefresh(err, took.Seconds(), d.board.Len())
		if err != nil {
			d.hub.BroadcastError(err, "board")
			return
		}
		logging.Debugf("[BOARD] %d markets, %d changed (%s)", d.board.Len(), changed, took.Round(time.Millisecond))
		if d.feed != nil {
			d.feed.SetTokens(d.board.TokenIDs())
		}
	})

	// Live prices between refreshes
	if cfg.Feed.URL != "" {
		feedCfg := pricefeed.DefaultConfig(cfg.Feed.URL)
		feedCfg.MaxTokens = cfg.Feed.MaxTokens
		feedCfg.PingInterval = cfg.Feed.PingInterval
		d.feed = pricefeed.New(feedCfg, d.clock)
		d.feed.OnUpdate(func(u pricefeed.Update) {
			d.metrics.RecordFeedUpdate(d.board.ApplyPrice(u.TokenID, u.Price))
		})
		d.feed.OnState(func(connected bool, err error) {
			d.metrics.SetFeedConnected(connected)
			if !connected && err != nil {
				d.hub.BroadcastError(err, "feed")
			}
		})
		log.Printf("Live prices from %s (up to %d tokens)", cfg.Feed.URL, cfg.Feed.MaxTokens)
	}

	// Risk policy
	var bounds policy.BoundsSource = cfg.StaticBounds()
	if cfg.Limits.URL != "" {
		bounds = remoteconfig.NewClient(cfg.Limits.URL,
			remoteconfig.WithAPIKey(cfg.Limits.APIKey),
			remoteconfig.WithTTL(cfg.Limits.TTL),
			remoteconfig.WithClock(d.clock),
			remoteconfig.WithHTTPClient(d.upstreamClient("config", 10*time.Second)),
		)
		log.Printf("Max-win bounds from %s (ttl %s)", cfg.Limits.URL, cfg.Limits.TTL)
	} else {
		log.Printf("Static max-win bounds: single %s, parlay %s",
			cfg.Limits.SingleMaxWin.StringFixed(2), cfg.Limits.ParlayMaxWin.StringFixed(2))
	}
	d.policy = policy.NewEngine(cfg.RiskLimits(), bounds, d.clock)

	// Ledger
	var store ledger.Store
	switch cfg.Ledger.Driver {
	case "sqlite":
		s, err := ledger.OpenSQLite(ctx, cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		log.Printf("Ledger stored in %s", s.Path())
		store = s
	default:
		store = ledger.NewMemoryStore()
		log.Println("Ledger kept in memory - entries are lost on restart")
	}
	d.ledger = ledger.NewEngine(&ledger.Config{InitialBalances: cfg.InitialBalances()}, store, d.clock)

	if err := d.loadOutstandingStake(ctx); err != nil {
		return nil, err
	}
	d.ledger.OnEntry(func(e *ledger.Entry) {
		d.hub.BroadcastEntry(e.UserID, e)
		d.metrics.OpenStake(string(e.Currency), e.Stake)
	})
	d.ledger.OnSettle(func(e *ledger.Entry) {
		log.Printf("[SETTLE] %s %s for %s: %s %s", e.ID, e.Status, e.UserID, e.Payout.StringFixed(2), e.Currency)
		d.metrics.RecordSettlement(string(e.Currency), string(e.Status), e.Payout)
		d.metrics.CloseStake(string(e.Currency), e.Stake)
		d.hub.BroadcastSettlement(e.UserID, e)
	})

	// Entry submission
	var submitter entries.Submitter = entries.Noop{}
	if cfg.Entries.URL != "" {
		submitter = entries.NewClient(cfg.Entries.URL,
			entries.WithAPIKey(cfg.Entries.APIKey),
			entries.WithRateLimit(cfg.Entries.RateLimit, int(cfg.Entries.RateLimit)+1),
			entries.WithHTTPClient(d.upstreamClient("entries", 15*time.Second)),
		)
		log.Printf("Submitting entries to %s", cfg.Entries.URL)
	} else {
		log.Println("No entries URL - entries are recorded locally only")
	}

	// Duplicate guard
	if cfg.Dedup.RedisAddr != "" {
		guard, err := dedup.NewRedisGuard(cfg.Dedup.RedisAddr, cfg.Dedup.RedisPassword, cfg.Dedup.RedisDB, cfg.Dedup.TTL)
		if err != nil {
			return nil, fmt.Errorf("redis guard: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = guard.Ping(pingCtx)
		cancel()
		if err != nil {
			guard.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Dedup.RedisAddr, err)
		}
		log.Printf("Dedup window %s shared through redis at %s", cfg.Dedup.TTL, cfg.Dedup.RedisAddr)
		d.guard = guard
	} else {
		d.guard = dedup.NewMemoryGuard(cfg.Dedup.TTL, d.clock)
	}

	// Entry workflow
	d.desk = desk.New(d.board, d.policy, d.ledger, submitter, d.guard, d.clock)
	d.desk.OnStageComplete(func(r *desk.StageResult) {
		if !r.Success {
			logging.Infof("[DESK] %s failed: %s", r.Stage, r.Error)
			return
		}
		logging.Debugf("[DESK] %s ok (%.2fms)", r.Stage, float64(r.Duration.Microseconds())/1000)
	})
	d.desk.OnRejected(func(dec policy.Decision) {
		for _, v := range dec.Violations {
			d.metrics.RecordPolicyViolation(string(v.Code))
		}
	})
	d.desk.OnDuplicate(func(key string) {
		d.metrics.RecordDuplicate()
		logging.Infof("[DESK] duplicate submission %s", key)
	})

	// Automatic settlement from resolved markets
	if cfg.Settle.Enabled {
		d.settler = settler.New(gammaClient, d.desk, cfg.Settle.Interval, d.clock)
		d.settler.OnPass(func(r settler.Report, err error) {
			d.metrics.RecordSettlePass(err, r.Checked, r.Settled())
		})
		log.Printf("Settling resolved entries every %s", cfg.Settle.Interval)
	}

	// Region gate
	var gate *geo.Gate
	if cfg.Geo.Enabled {
		var blocked map[string]string
		if len(cfg.Geo.Blocked) > 0 {
			blocked = geo.BlockedSet(cfg.Geo.Blocked)
		}
		locator := geo.NewClient(
			geo.WithBaseURL(cfg.Geo.LookupURL),
			geo.WithHTTPClient(d.upstreamClient("geo", 10*time.Second)),
		)
		gate = geo.NewGate(locator, geo.GateConfig{
			Blocked:  blocked,
			TTL:      cfg.Geo.CacheTTL,
			FailOpen: cfg.Geo.FailOpen,
		}, d.clock)
		log.Printf("Region gate on (fail open: %v)", cfg.Geo.FailOpen)
	}

	d.server = api.New(api.Deps{
		Board:   d.board,
		Desk:    d.desk,
		Ledger:  d.ledger,
		Policy:  d.policy,
		Metrics: d.metrics,
		Hub:     d.hub,
		Geo:     gate,
		Clock:   d.clock,
	}, api.Options{
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	return d, nil
}

func (d *daemon) upstreamClient(name string, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: d.metrics.InstrumentUpstream(name, nil),
	}
}

// loadOutstandingStake seeds the outstanding stake gauge from entries still
// pending in a persistent ledger.
func (d *daemon) loadOutstandingStake(ctx context.Context) error {
	pending, err := d.ledger.Pending(ctx)
	if err != nil {
		return fmt.Errorf("load pending entries: %w", err)
	}
	totals := make(map[slip.Currency]decimal.Decimal)
	for _, e := range pending {
		totals[e.Currency] = totals[e.Currency].Add(e.Stake)
	}
	for c, v := range totals {
		d.metrics.SetOutstandingStake(string(c), v)
	}
	if len(pending) > 0 {
		log.Printf("Ledger has %d pending entries", len(pending))
	}
	return nil
}

// broadcastLimits pushes the active limits to stream clients on every interval.
func (d *daemon) broadcastLimits(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := d.clock.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			d.hub.BroadcastLimits(d.policy.Status(ctx))
		}
	}
}

func (d *daemon) close() {
	if err := d.guard.Close(); err != nil {
		log.Printf("Close dedup guard: %v", err)
	}
	if err := d.ledger.Close(); err != nil {
		log.Printf("Close ledger: %v", err)
	}
	if d.board.Len() > 0 {
		log.Printf("Final board: %d markets", d.board.Len())
	}
}
