// Package api serves the board, slip quotes, entries and accounts over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/phenomenon0/parlay-desk/pkg/wager/board"
	"github.com/phenomenon0/parlay-desk/pkg/wager/desk"
	"github.com/phenomenon0/parlay-desk/pkg/wager/geo"
	"github.com/phenomenon0/parlay-desk/pkg/wager/ledger"
	"github.com/phenomenon0/parlay-desk/pkg/wager/metrics"
	"github.com/phenomenon0/parlay-desk/pkg/wager/policy"
	"github.com/phenomenon0/parlay-desk/pkg/wager/streaming"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
)

// Deps are the components the API serves. Metrics, Hub and Geo are optional.
type Deps struct {
	Board   *board.Board
	Desk    *desk.Desk
	Ledger  *ledger.Engine
	Policy  *policy.Engine
	Metrics *metrics.WagerMetrics
	Hub     *streaming.Hub
	Geo     *geo.Gate
	Clock   clockwork.Clock
}

type Options struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// Server is the HTTP API.
type Server struct {
	board   *board.Board
	desk    *desk.Desk
	ledger  *ledger.Engine
	policy  *policy.Engine
	metrics *metrics.WagerMetrics
	hub     *streaming.Hub
	geo     *geo.Gate
	clock   clockwork.Clock

	router chi.Router
}

// New builds the server and its routes.
func New(deps Deps, opts Options) *Server {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	s := &Server{
		board:   deps.Board,
		desk:    deps.Desk,
		ledger:  deps.Ledger,
		policy:  deps.Policy,
		metrics: deps.Metrics,
		hub:     deps.Hub,
		geo:     deps.Geo,
		clock:   deps.Clock,
	}
	s.router = s.routes(opts)
	return s
}

func (s *Server) routes(opts Options) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	if s.hub != nil {
		r.Handle("/ws", s.hub)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(opts.RequestTimeout))

		// Board
		r.Get("/markets", s.handleMarkets)
		r.Get("/markets/{id}", s.handleMarket)

		// Odds
		r.Get("/odds/convert", s.handleConvert)

		// Slip and entries
		r.Post("/slip/quote", s.handleQuote)
		r.With(s.requireRegion).Post("/entries", s.handlePlaceEntry)
		r.Get("/entries/{id}", s.handleEntry)
		r.Post("/entries/{id}/settle", s.handleSettleEntry)
		r.Post("/entries/{id}/void", s.handleVoidEntry)

		// Accounts
		r.Get("/accounts/{userId}", s.handleAccount)
		r.Get("/accounts/{userId}/entries", s.handleAccountEntries)

		r.Get("/limits", s.handleLimits)
	})

	return r
}

// requireRegion refuses requests from blocked jurisdictions when a gate is set.
func (s *Server) requireRegion(next http.Handler) http.Handler {
	if s.geo == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.geo.Check(r.Context(), geo.ClientIP(r)); err != nil {
			respondError(w, statusFor(err), err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
