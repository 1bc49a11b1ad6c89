// Package board keeps the list of markets open for betting, with every outcome
// priced in American and decimal odds.
package board

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/phenomenon0/parlay-desk/pkg/odds"
	"github.com/phenomenon0/parlay-desk/pkg/polymarket/gamma"
	"github.com/phenomenon0/parlay-desk/pkg/wager/slip"

	"github.com/jonboulle/clockwork"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrUnknownMarket  = errors.New("unknown market")
	ErrUnknownOutcome = errors.New("unknown outcome")
	ErrOffBoard       = errors.New("outcome is not available")
)

// Source lists the markets currently open.
type Source interface {
	ListAllTradeableMarkets(ctx context.Context) ([]gamma.Market, error)
}

// Line is one priced outcome.
type Line struct {
	SelectionID string  `json:"selectionId"`
	Outcome     string  `json:"outcome"`
	Probability float64 `json:"probability"`
	American    string  `json:"moneylineOdds"`
	Decimal     float64 `json:"decimalOdds,omitempty"`
	Available   bool    `json:"available"`
	TokenID     string  `json:"tokenId,omitempty"`
}

func newLine(id, outcome, tokenID string, p float64) Line {
	l := Line{
		SelectionID: id,
		Outcome:     outcome,
		Probability: p,
		American:    odds.ProbabilityToAmerican(p),
		TokenID:     tokenID,
	}
	if dec, err := odds.ProbabilityToDecimal(p); err == nil {
		l.Decimal = dec
		l.Available = true
	}
	return l
}

// Market is a board market.
type Market struct {
	ID         string    `json:"id"`
	Question   string    `json:"question"`
	Category   string    `json:"category,omitempty"`
	EndDate    time.Time `json:"endDate"`
	Volume24hr float64   `json:"volume24hr"`
	Lines      []Line    `json:"lines"`
}

func (m Market) line(outcome string) (Line, bool) {
	for _, l := range m.Lines {
		if strings.EqualFold(l.Outcome, outcome) || l.SelectionID == outcome {
			return l, true
		}
	}
	return Line{}, false
}

func (m Market) samePrices(other Market) bool {
	if len(m.Lines) != len(other.Lines) {
		return false
	}
	for i := range m.Lines {
		if m.Lines[i].American != other.Lines[i].American || m.Lines[i].Outcome != other.Lines[i].Outcome {
			return false
		}
	}
	return true
}

// Snapshot is the board at one refresh.
type Snapshot struct {
	Markets     []Market  `json:"markets"`
	RefreshedAt time.Time `json:"refreshedAt"`
}

// Board holds the latest priced markets. It is safe for concurrent use.
type Board struct {
	source Source
	clock  clockwork.Clock

	mu          sync.RWMutex
	markets     []Market
	byID        map[string]int
	byToken     map[string]lineRef
	folded      []string // folded question per market, same order
	refreshedAt time.Time

	onChange func(changed []Market)
}

type lineRef struct{ market, line int }

// New creates an empty board. A nil clock uses the system clock.
func New(source Source, clk clockwork.Clock) *Board {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Board{
		source:  source,
		clock:   clk,
		byID:    make(map[string]int),
		byToken: make(map[string]lineRef),
	}
}

// OnChange sets a callback for markets that are new or repriced on a refresh.
func (b *Board) OnChange(fn func(changed []Market)) {
	b.onChange = fn
}

// Refresh pulls markets from the source and reprices them. It returns the
// number of markets that are new or whose prices moved.
func (b *Board) Refresh(ctx context.Context) (int, error) {
	raw, err := b.source.ListAllTradeableMarkets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list markets: %w", err)
	}

	markets := make([]Market, 0, len(raw))
	for i := range raw {
		if m, ok := price(&raw[i]); ok {
			markets = append(markets, m)
		}
	}
	sort.SliceStable(markets, func(i, j int) bool {
		return markets[i].Volume24hr > markets[j].Volume24hr
	})

	byID := make(map[string]int, len(markets))
	byToken := make(map[string]lineRef)
	folded := make([]string, len(markets))
	for i, m := range markets {
		byID[m.ID] = i
		folded[i] = Fold(m.Question + " " + m.Category)
		for j, l := range m.Lines {
			if l.TokenID != "" {
				byToken[l.TokenID] = lineRef{market: i, line: j}
			}
		}
	}

	b.mu.Lock()
	var changed []Market
	for _, m := range markets {
		if idx, ok := b.byID[m.ID]; !ok || !b.markets[idx].samePrices(m) {
			changed = append(changed, m)
		}
	}
	b.markets = markets
	b.byID = byID
	b.byToken = byToken
	b.folded = folded
	b.refreshedAt = b.clock.Now()
	b.mu.Unlock()

	log.Printf("[BOARD] refreshed %d markets (%d changed)", len(markets), len(changed))

	if len(changed) > 0 && b.onChange != nil {
		b.onChange(changed)
	}
	return len(changed), nil
}

// price converts a Gamma market into board lines. Markets without usable
// outcome prices are skipped.
func price(gm *gamma.Market) (Market, bool) {
	outcomes := gm.OutcomeQuotes()
	if len(outcomes) == 0 {
		return Market{}, false
	}

	m := Market{
		ID:         gm.ID,
		Question:   gm.Question,
		Category:   gm.Category(),
		EndDate:    gm.EndDate,
		Volume24hr: gm.Volume24hr.Float64(),
		Lines:      make([]Line, len(outcomes)),
	}
	for i, o := range outcomes {
		m.Lines[i] = newLine(fmt.Sprintf("%s-%d", gm.ID, i), o.Name, o.TokenID, o.Probability)
	}
	return m, true
}

// ApplyPrice reprices the line carrying tokenID from a live probability. It
// reports whether the displayed price moved; unknown tokens are ignored.
// Markets are copied on write so earlier snapshots keep their lines.
func (b *Board) ApplyPrice(tokenID string, p float64) bool {
	b.mu.Lock()
	ref, ok := b.byToken[tokenID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	m := b.markets[ref.market]
	old := m.Lines[ref.line]
	if old.Probability == p {
		b.mu.Unlock()
		return false
	}

	lines := make([]Line, len(m.Lines))
	copy(lines, m.Lines)
	lines[ref.line] = newLine(old.SelectionID, old.Outcome, old.TokenID, p)
	m.Lines = lines
	b.markets[ref.market] = m
	moved := lines[ref.line].American != old.American
	b.mu.Unlock()

	if moved && b.onChange != nil {
		b.onChange([]Market{m})
	}
	return moved
}

// TokenIDs lists the feed token of every line on the board, in board order.
func (b *Board) TokenIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.byToken))
	for _, m := range b.markets {
		for _, l := range m.Lines {
			if l.TokenID != "" {
				ids = append(ids, l.TokenID)
			}
		}
	}
	return ids
}

// Snapshot returns a copy of the current board.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	markets := make([]Market, len(b.markets))
	copy(markets, b.markets)
	return Snapshot{Markets: markets, RefreshedAt: b.refreshedAt}
}

// Len returns the number of markets on the board.
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.markets)
}

// Get returns a market by id.
func (b *Board) Get(id string) (Market, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	idx, ok := b.byID[id]
	if !ok {
		return Market{}, false
	}
	return b.markets[idx], true
}

// Search returns markets whose question or category contains every word of
// the query, ignoring case and accents. An empty query returns the top markets.
func (b *Board) Search(query string, limit int) []Market {
	words := strings.Fields(Fold(query))

	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Market
	for i, m := range b.markets {
		if limit > 0 && len(out) >= limit {
			break
		}
		if matchesAll(b.folded[i], words) {
			out = append(out, m)
		}
	}
	return out
}

func matchesAll(text string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(text, w) {
			return false
		}
	}
	return true
}

// Selection resolves a market and outcome (by name or selection id) into a
// slip selection priced from the board.
func (b *Board) Selection(marketID, outcome string) (slip.Selection, error) {
	m, ok := b.Get(marketID)
	if !ok {
		return slip.Selection{}, fmt.Errorf("%s: %w", marketID, ErrUnknownMarket)
	}
	l, ok := m.line(outcome)
	if !ok {
		return slip.Selection{}, fmt.Errorf("%s/%s: %w", marketID, outcome, ErrUnknownOutcome)
	}
	if !l.Available {
		return slip.Selection{}, fmt.Errorf("%s/%s at %s: %w", marketID, l.Outcome, l.American, ErrOffBoard)
	}
	return slip.Selection{
		ID:          l.SelectionID,
		MarketID:    m.ID,
		Question:    m.Question,
		Outcome:     l.Outcome,
		American:    l.American,
		Probability: l.Probability,
	}, nil
}

// Fold lowercases s and strips accents so "Atlético" matches "atletico".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return cases.Fold().String(out)
}
