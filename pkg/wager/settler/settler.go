// Package settler grades pending entries once the markets behind their legs
// resolve on Gamma.
package settler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/phenomenon0/parlay-desk/pkg/polymarket/gamma"
	"github.com/phenomenon0/parlay-desk/pkg/wager/ledger"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultInterval is how often pending entries are checked.
	DefaultInterval = 5 * time.Minute

	// WinningPrice is the outcome price a closed market must reach for that
	// outcome to count as the winner.
	WinningPrice = 0.99
)

// MarketSource looks up a market by id, closed or not.
type MarketSource interface {
	GetMarket(ctx context.Context, id string) (*gamma.Market, error)
}

// Book lists pending entries and grades them. Voids go through it so the
// stake is handed back to the daily limit the same way a manual void is.
type Book interface {
	Pending(ctx context.Context) ([]*ledger.Entry, error)
	Settle(ctx context.Context, id string, won bool) (*ledger.Entry, error)
	Void(ctx context.Context, id string) (*ledger.Entry, error)
}

// Result is how a market or leg resolved.
type Result int

const (
	Open Result = iota
	Won
	Lost
	Void
)

func (r Result) String() string {
	switch r {
	case Won:
		return "won"
	case Lost:
		return "lost"
	case Void:
		return "void"
	default:
		return "open"
	}
}

// Resolution is a closed market's outcome. Winner is empty when the market
// settled at equal prices and every leg on it is void.
type Resolution struct {
	Closed bool
	Winner string
	Void   bool
}

// Resolve reads a market's resolution from its closing prices. A closed
// market with no winning price and unequal prices is still being resolved.
func Resolve(m *gamma.Market) Resolution {
	if m == nil || !m.Closed {
		return Resolution{}
	}
	quotes := m.OutcomeQuotes()
	if len(quotes) == 0 {
		return Resolution{}
	}
	for _, q := range quotes {
		if q.Probability >= WinningPrice {
			return Resolution{Closed: true, Winner: q.Name}
		}
	}
	for _, q := range quotes[1:] {
		if q.Probability != quotes[0].Probability {
			return Resolution{}
		}
	}
	return Resolution{Closed: true, Void: true}
}

// Leg grades one pick against its market's resolution.
func (r Resolution) Leg(outcome string) Result {
	switch {
	case !r.Closed:
		return Open
	case r.Void:
		return Void
	case strings.EqualFold(strings.TrimSpace(outcome), r.Winner):
		return Won
	default:
		return Lost
	}
}

// Grade combines leg results. Any lost leg loses the entry at once; otherwise
// the entry waits for every leg. A decided entry with a void leg is voided.
func Grade(legs []Result) Result {
	if len(legs) == 0 {
		return Open
	}
	result := Won
	for _, leg := range legs {
		switch leg {
		case Lost:
			return Lost
		case Open:
			result = Open
		case Void:
			if result == Won {
				result = Void
			}
		}
	}
	return result
}

// Report counts what one pass did.
type Report struct {
	Checked int
	Won     int
	Lost    int
	Voided  int
	Errors  int
}

// Settled is the number of entries graded.
func (r Report) Settled() int {
	return r.Won + r.Lost + r.Voided
}

// Settler polls resolutions for pending entries.
type Settler struct {
	source   MarketSource
	book     Book
	clock    clockwork.Clock
	interval time.Duration

	onPass func(Report, error)
}

// New creates a settler. A non-positive interval uses DefaultInterval and a
// nil clock uses the system clock.
func New(source MarketSource, book Book, interval time.Duration, clk clockwork.Clock) *Settler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Settler{source: source, book: book, clock: clk, interval: interval}
}

// OnPass sets a callback run after every pass.
func (s *Settler) OnPass(fn func(Report, error)) {
	s.onPass = fn
}

// Run settles once immediately, then on every tick until ctx ends.
func (s *Settler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.pass(ctx)
		}
	}
}

func (s *Settler) pass(ctx context.Context) {
	report, err := s.SettleOnce(ctx)
	if err != nil && ctx.Err() == nil {
		log.Printf("[SETTLE] pass failed: %v", err)
	}
	if s.onPass != nil {
		s.onPass(report, err)
	}
}

// SettleOnce grades every pending entry whose legs have resolved. Each market
// is fetched at most once per pass; a market that cannot be fetched leaves
// its entries pending.
func (s *Settler) SettleOnce(ctx context.Context) (Report, error) {
	var report Report

	pending, err := s.book.Pending(ctx)
	if err != nil {
		return report, fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		return report, nil
	}

	resolutions := make(map[string]Resolution)
	resolve := func(marketID string) Resolution {
		if r, ok := resolutions[marketID]; ok {
			return r
		}
		m, err := s.source.GetMarket(ctx, marketID)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[SETTLE] market %s: %v", marketID, err)
				report.Errors++
			}
			resolutions[marketID] = Resolution{}
			return Resolution{}
		}
		r := Resolve(m)
		resolutions[marketID] = r
		return r
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		results := make([]Result, len(entry.Legs))
		for i, leg := range entry.Legs {
			results[i] = resolve(leg.MarketID).Leg(leg.Outcome)
			if results[i] == Lost {
				break
			}
		}

		var err error
		switch Grade(results) {
		case Won:
			_, err = s.book.Settle(ctx, entry.ID, true)
			if err == nil {
				report.Won++
			}
		case Lost:
			_, err = s.book.Settle(ctx, entry.ID, false)
			if err == nil {
				report.Lost++
			}
		case Void:
			_, err = s.book.Void(ctx, entry.ID)
			if err == nil {
				report.Voided++
			}
		}
		if err != nil {
			log.Printf("[SETTLE] %s: %v", entry.ID, err)
			report.Errors++
		}
	}

	if report.Settled() > 0 {
		log.Printf("[SETTLE] graded %d of %d pending (%d won, %d lost, %d void)",
			report.Settled(), report.Checked, report.Won, report.Lost, report.Voided)
	}
	return report, nil
}
