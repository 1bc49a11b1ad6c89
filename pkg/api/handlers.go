package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/phenomenon0/parlay-desk/pkg/odds"
	"github.com/phenomenon0/parlay-desk/pkg/wager/board"
	"github.com/phenomenon0/parlay-desk/pkg/wager/desk"
	"github.com/phenomenon0/parlay-desk/pkg/wager/entries"
	"github.com/phenomenon0/parlay-desk/pkg/wager/geo"
	"github.com/phenomenon0/parlay-desk/pkg/wager/ledger"
	"github.com/phenomenon0/parlay-desk/pkg/wager/policy"
	"github.com/phenomenon0/parlay-desk/pkg/wager/slip"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const (
	defaultMarketLimit = 50
	maxMarketLimit     = 500
	maxBodyBytes       = 1 << 16
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error      string             `json:"error"`
	Violations []policy.Violation `json:"violations,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "ok",
		"timestamp": s.clock.Now().UTC(),
		"markets":   s.board.Len(),
	}
	if s.hub != nil {
		resp["streamClients"] = s.hub.ClientCount()
	}
	respondJSON(w, http.StatusOK, resp)
}

// GET /api/v1/markets?q=&limit=
func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", defaultMarketLimit)
	if limit <= 0 || limit > maxMarketLimit {
		limit = maxMarketLimit
	}

	snap := s.board.Snapshot()
	markets := s.board.Search(r.URL.Query().Get("q"), limit)
	if markets == nil {
		markets = []board.Market{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"markets":     markets,
		"count":       len(markets),
		"total":       len(snap.Markets),
		"refreshedAt": snap.RefreshedAt,
	})
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := s.board.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "market not found")
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// ConvertResponse is one price in every representation. Decimal is omitted
// when the price cannot be quoted.
type ConvertResponse struct {
	Probability float64          `json:"probability"`
	American    string           `json:"moneylineOdds"`
	Decimal     *float64         `json:"decimalOdds,omitempty"`
	Stake       *decimal.Decimal `json:"stake,omitempty"`
	Payout      *decimal.Decimal `json:"payout,omitempty"`
}

// GET /api/v1/odds/convert?probability=|american=|decimal=[&stake=]
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var resp ConvertResponse

	switch {
	case q.Get("probability") != "":
		p, err := strconv.ParseFloat(q.Get("probability"), 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "probability must be a number")
			return
		}
		resp.Probability = p
		resp.American = odds.ProbabilityToAmerican(p)
		if d, err := odds.ProbabilityToDecimal(p); err == nil {
			resp.Decimal = &d
		}

	case q.Get("american") != "":
		v, err := odds.ParseAmerican(q.Get("american"))
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		american := odds.FormatAmerican(v)
		d, err := odds.AmericanToDecimal(american)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		p, _ := odds.ImpliedProbability(d)
		resp.Probability, resp.American, resp.Decimal = p, american, &d

	case q.Get("decimal") != "":
		d, err := strconv.ParseFloat(q.Get("decimal"), 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "decimal must be a number")
			return
		}
		american, err := odds.DecimalToAmerican(d)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		p, _ := odds.ImpliedProbability(d)
		resp.Probability, resp.American, resp.Decimal = p, american, &d

	default:
		respondError(w, http.StatusBadRequest, "one of probability, american or decimal is required")
		return
	}

	if raw := q.Get("stake"); raw != "" && resp.Decimal != nil {
		stake, err := decimal.NewFromString(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "stake must be a number")
			return
		}
		payout, err := odds.ComputePayout(stake, *resp.Decimal)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		total := payout.Display()
		resp.Stake, resp.Payout = &stake, &total
	}

	respondJSON(w, http.StatusOK, resp)
}

// POST /api/v1/slip/quote
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req desk.Request
	if !decodeBody(w, r, &req) {
		return
	}

	kind := string(slip.KindOf(len(req.Picks)))
	qr, err := s.desk.Quote(r.Context(), req)
	if err != nil {
		s.recordQuote(kind, "error", len(req.Picks))
		respondError(w, statusFor(err), err.Error())
		return
	}

	status := "ok"
	if !qr.Decision.Allowed {
		status = "blocked"
	}
	s.recordQuote(kind, status, len(req.Picks))
	respondJSON(w, http.StatusOK, qr)
}

// POST /api/v1/entries
func (s *Server) handlePlaceEntry(w http.ResponseWriter, r *http.Request) {
	var req desk.Request
	if !decodeBody(w, r, &req) {
		return
	}

	kind := string(slip.KindOf(len(req.Picks)))
	entry, err := s.desk.Place(r.Context(), req)
	if err != nil {
		var rejected *desk.RejectedError
		switch {
		case errors.As(err, &rejected):
			s.recordEntry(kind, req.Currency, "rejected", req.Stake, 0)
			respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
				Error:      err.Error(),
				Violations: rejected.Decision.Violations,
			})
		case errors.Is(err, desk.ErrDuplicate):
			s.recordEntry(kind, req.Currency, "duplicate", req.Stake, 0)
			respondError(w, http.StatusConflict, err.Error())
		default:
			s.recordEntry(kind, req.Currency, "error", req.Stake, 0)
			respondError(w, statusFor(err), err.Error())
		}
		return
	}

	s.recordEntry(string(entry.Kind), string(entry.Currency), "placed", entry.Stake, entry.CombinedDecimal)
	respondJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.ledger.Entry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

type settleRequest struct {
	Won *bool `json:"won"`
}

// POST /api/v1/entries/{id}/settle {"won": true}
func (s *Server) handleSettleEntry(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Won == nil {
		respondError(w, http.StatusBadRequest, "won is required")
		return
	}

	entry, err := s.desk.Settle(r.Context(), chi.URLParam(r, "id"), *req.Won)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleVoidEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.desk.Void(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	acc, err := s.ledger.Account(r.Context(), userID)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	stats, err := s.ledger.Stats(r.Context(), userID)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	daily := make(map[slip.Currency]decimal.Decimal, 2)
	for _, c := range []slip.Currency{slip.CurrencyCash, slip.CurrencyCoins} {
		daily[c] = s.policy.DailyStake(userID, c)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"account":     acc,
		"stats":       stats,
		"stakedToday": daily,
	})
}

func (s *Server) handleAccountEntries(w http.ResponseWriter, r *http.Request) {
	list, err := s.ledger.Entries(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := list[:0]
		for _, e := range list {
			if string(e.Status) == status {
				filtered = append(filtered, e)
			}
		}
		list = filtered
	}
	if list == nil {
		list = []*ledger.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": list,
		"count":   len(list),
	})
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.policy.Status(r.Context()))
}

func (s *Server) recordQuote(kind, status string, legs int) {
	if s.metrics != nil {
		s.metrics.RecordQuote(kind, status, legs)
	}
}

func (s *Server) recordEntry(kind, currency, status string, stake decimal.Decimal, decimalOdds float64) {
	if s.metrics == nil {
		return
	}
	if currency == "" {
		currency = string(slip.CurrencyCash)
	}
	s.metrics.RecordEntry(kind, currency, status, stake, decimalOdds)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var apiErr *entries.APIError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrNotPending):
		return http.StatusConflict
	case errors.Is(err, desk.ErrMissingUser), errors.Is(err, desk.ErrNoPicks),
		errors.Is(err, slip.ErrUnknownCurrency):
		return http.StatusBadRequest
	case errors.Is(err, board.ErrUnknownMarket), errors.Is(err, board.ErrUnknownOutcome),
		errors.Is(err, board.ErrOffBoard), errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, odds.ErrInvalidFormat), errors.Is(err, odds.ErrOutOfDomain),
		errors.Is(err, odds.ErrNegativeStake), errors.Is(err, slip.ErrEmptySlip):
		return http.StatusUnprocessableEntity
	case errors.Is(err, geo.ErrBlocked):
		return http.StatusUnavailableForLegalReasons
	case errors.Is(err, geo.ErrLookupFailed):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func parseIntParam(r *http.Request, param string, defaultValue int) int {
	valueStr := r.URL.Query().Get(param)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	if status >= http.StatusInternalServerError {
		log.Printf("[API] %d: %s", status, message)
	}
	respondJSON(w, status, ErrorResponse{Error: message})
}
