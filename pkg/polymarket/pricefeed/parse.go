package pricefeed

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Market channel event types.
const (
	EventBook        = "book"
	EventPriceChange = "price_change"
	EventLastTrade   = "last_trade_price"
)

// MaxSpread is the widest bid/ask spread whose midpoint is used as a price.
// Wider books are skipped and the line keeps its previous price.
const MaxSpread = 0.10

// Update is one live probability for an outcome token.
type Update struct {
	TokenID string
	Price   float64
	Event   string
}

type level struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type change struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

type event struct {
	EventType    string   `json:"event_type"`
	AssetID      string   `json:"asset_id"`
	Price        string   `json:"price"`
	Bids         []level  `json:"bids"`
	Asks         []level  `json:"asks"`
	PriceChanges []change `json:"price_changes"`
}

// Parse extracts price updates from one market channel frame. Frames may hold
// a single event or an array of events; anything unrecognized yields nothing.
func Parse(data []byte) []Update {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}

	var events []event
	if data[0] == '[' {
		if err := json.Unmarshal(data, &events); err != nil {
			return nil
		}
	} else {
		var e event
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		events = []event{e}
	}

	var out []Update
	for _, e := range events {
		out = append(out, e.updates()...)
	}
	return out
}

func (e event) updates() []Update {
	switch strings.ToLower(e.EventType) {
	case EventLastTrade:
		if p, ok := parsePrice(e.Price); ok && e.AssetID != "" {
			return []Update{{TokenID: e.AssetID, Price: p, Event: EventLastTrade}}
		}

	case EventBook:
		bid, okBid := bestPrice(e.Bids, true)
		ask, okAsk := bestPrice(e.Asks, false)
		if p, ok := midpoint(bid, ask, okBid && okAsk); ok && e.AssetID != "" {
			return []Update{{TokenID: e.AssetID, Price: p, Event: EventBook}}
		}

	case EventPriceChange:
		if len(e.PriceChanges) == 0 {
			if p, ok := parsePrice(e.Price); ok && e.AssetID != "" {
				return []Update{{TokenID: e.AssetID, Price: p, Event: EventPriceChange}}
			}
			return nil
		}
		var out []Update
		for _, c := range e.PriceChanges {
			bid, okBid := parsePrice(c.BestBid)
			ask, okAsk := parsePrice(c.BestAsk)
			if p, ok := midpoint(bid, ask, okBid && okAsk); ok && c.AssetID != "" {
				out = append(out, Update{TokenID: c.AssetID, Price: p, Event: EventPriceChange})
			}
		}
		return out
	}
	return nil
}

func parsePrice(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	p, err := strconv.ParseFloat(s, 64)
	if err != nil || p < 0 || p > 1 {
		return 0, false
	}
	return p, true
}

func bestPrice(levels []level, highest bool) (float64, bool) {
	best, found := 0.0, false
	for _, l := range levels {
		p, ok := parsePrice(l.Price)
		if !ok {
			continue
		}
		if !found || (highest && p > best) || (!highest && p < best) {
			best, found = p, true
		}
	}
	return best, found
}

func midpoint(bid, ask float64, ok bool) (float64, bool) {
	if !ok || ask < bid || ask-bid > MaxSpread+1e-9 {
		return 0, false
	}
	return (bid + ask) / 2, true
}
