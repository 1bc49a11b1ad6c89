package board

import (
	"context"
	"log"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultInterval is how often the board is re-polled.
const DefaultInterval = 30 * time.Second

// Refresher re-polls a board on an interval until its context ends.
type Refresher struct {
	board    *Board
	clock    clockwork.Clock
	interval time.Duration

	onRefresh func(changed int, took time.Duration, err error)
}

// NewRefresher creates a refresher. A non-positive interval uses DefaultInterval
// and a nil clock uses the system clock.
func NewRefresher(b *Board, interval time.Duration, clk clockwork.Clock) *Refresher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Refresher{board: b, clock: clk, interval: interval}
}

// OnRefresh sets a callback run after every refresh attempt.
func (r *Refresher) OnRefresh(fn func(changed int, took time.Duration, err error)) {
	r.onRefresh = fn
}

// Run refreshes once immediately, then on every tick. A failed refresh keeps
// the previous board.
func (r *Refresher) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	start := r.clock.Now()
	changed, err := r.board.Refresh(ctx)
	took := r.clock.Now().Sub(start)
	if err != nil && ctx.Err() == nil {
		log.Printf("[BOARD] refresh failed: %v", err)
	}
	if r.onRefresh != nil {
		r.onRefresh(changed, took, err)
	}
}
