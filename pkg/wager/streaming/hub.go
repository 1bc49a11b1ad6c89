// Package streaming pushes board, entry and limit events to WebSocket clients.
package streaming

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/phenomenon0/parlay-desk/pkg/wager/board"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// EventType represents the type of streaming event.
type EventType string

const (
	EventTypeLines      EventType = "lines"
	EventTypeEntry      EventType = "entry"
	EventTypeSettlement EventType = "settlement"
	EventTypeLimits     EventType = "limits"
	EventTypeError      EventType = "error"
	EventTypeHeartbeat  EventType = "heartbeat"
)

var allEvents = []EventType{
	EventTypeLines,
	EventTypeEntry,
	EventTypeSettlement,
	EventTypeLimits,
	EventTypeError,
	EventTypeHeartbeat,
}

const (
	heartbeatInterval = 30 * time.Second
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = 54 * time.Second
	sendBuffer        = 256
)

// Event is a streaming event sent to clients. Events with a UserID are only
// delivered to clients connected as that user.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	UserID    string      `json:"-"`
}

// Hub manages WebSocket connections and broadcasts events.
type Hub struct {
	clock clockwork.Clock

	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	upgrader websocket.Upgrader

	onClients func(n int)
}

// Client represents a WebSocket client connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string

	// Subscription filters. An empty markets set watches the whole board.
	subscriptions map[EventType]bool
	markets       map[string]bool
	subMu         sync.RWMutex
}

// NewHub creates a new streaming hub. A nil clock uses the system clock.
func NewHub(clk clockwork.Clock) *Hub {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Hub{
		clock:      clk,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // origin checks are done by the CORS layer
			},
		},
	}
}

// OnClients sets a callback run whenever the client count changes.
func (h *Hub) OnClients(fn func(n int)) {
	h.onClients = fn
}

// Run starts the hub's event loop and returns when ctx is done, closing every client.
func (h *Hub) Run(ctx context.Context) {
	heartbeat := h.clock.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.notifyClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("[WS] Client connected (%d total)", n)
			h.notifyClients()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("[WS] Client disconnected (%d remaining)", n)
			h.notifyClients()

		case event := <-h.broadcast:
			h.broadcastEvent(event)

		case now := <-heartbeat.Chan():
			h.broadcastEvent(Event{
				Type:      EventTypeHeartbeat,
				Timestamp: now,
				Data:      map[string]interface{}{"clients": h.ClientCount()},
			})
		}
	}
}

func (h *Hub) notifyClients() {
	if h.onClients != nil {
		h.onClients(h.ClientCount())
	}
}

func (h *Hub) broadcastEvent(event Event) {
	full, err := json.Marshal(event)
	if err != nil {
		log.Printf("[WS] Failed to marshal event: %v", err)
		return
	}
	lines, _ := event.Data.([]board.Market)

	h.mu.Lock()
	dropped := 0
	for client := range h.clients {
		if event.UserID != "" && client.userID != event.UserID {
			continue
		}
		if !client.isSubscribed(event.Type) {
			continue
		}

		data := full
		if lines != nil {
			watched := client.watching(lines)
			if len(watched) == 0 {
				continue
			}
			if len(watched) < len(lines) {
				filtered := event
				filtered.Data = watched
				if data, err = json.Marshal(filtered); err != nil {
					continue
				}
			}
		}

		select {
		case client.send <- data:
		default:
			// Client buffer full, close connection
			close(client.send)
			delete(h.clients, client)
			dropped++
		}
	}
	h.mu.Unlock()

	if dropped > 0 {
		log.Printf("[WS] Dropped %d slow clients", dropped)
		h.notifyClients()
	}
}

// Broadcast queues an event for delivery.
func (h *Hub) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = h.clock.Now()
	}
	select {
	case h.broadcast <- event:
	default:
		log.Printf("[WS] Broadcast channel full, dropping %s event", event.Type)
	}
}

// BroadcastLines broadcasts repriced board markets. Clients watching specific
// markets only receive those.
func (h *Hub) BroadcastLines(markets []board.Market) {
	h.Broadcast(Event{Type: EventTypeLines, Data: markets})
}

// BroadcastEntry sends a placed entry to its owner.
func (h *Hub) BroadcastEntry(userID string, entry interface{}) {
	h.Broadcast(Event{Type: EventTypeEntry, Data: entry, UserID: userID})
}

// BroadcastSettlement sends a settled or voided entry to its owner.
func (h *Hub) BroadcastSettlement(userID string, entry interface{}) {
	h.Broadcast(Event{Type: EventTypeSettlement, Data: entry, UserID: userID})
}

// BroadcastLimits broadcasts the active limits.
func (h *Hub) BroadcastLimits(status interface{}) {
	h.Broadcast(Event{Type: EventTypeLimits, Data: status})
}

// BroadcastError broadcasts an error event.
func (h *Hub) BroadcastError(err error, context string) {
	h.Broadcast(Event{
		Type: EventTypeError,
		Data: map[string]interface{}{
			"error":   err.Error(),
			"context": context,
		},
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS handles WebSocket upgrade requests. The optional "user" query
// parameter scopes entry and settlement events to that user; "markets" is a
// comma-separated list of market ids to watch.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		userID:        r.URL.Query().Get("user"),
		subscriptions: make(map[EventType]bool, len(allEvents)),
		markets:       make(map[string]bool),
	}
	for _, id := range strings.Split(r.URL.Query().Get("markets"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			client.markets[id] = true
		}
	}

	// Subscribe to all events by default
	for _, t := range allEvents {
		client.subscriptions[t] = true
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// ServeHTTP implements http.Handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.ServeWS(w, r)
}

// isSubscribed checks if client is subscribed to an event type.
func (c *Client) isSubscribed(eventType EventType) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.subscriptions[eventType]
}

// watching returns the markets the client follows.
func (c *Client) watching(markets []board.Market) []board.Market {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	if len(c.markets) == 0 {
		return markets
	}
	var out []board.Market
	for _, m := range markets {
		if c.markets[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Read error: %v", err)
			}
			break
		}

		c.handleMessage(message)
	}
}

// handleMessage processes subscribe/unsubscribe messages for event types
// and watched markets.
func (c *Client) handleMessage(message []byte) {
	var msg struct {
		Type    string   `json:"type"`
		Events  []string `json:"events"`
		Markets []string `json:"markets"`
	}

	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	switch msg.Type {
	case "subscribe":
		for _, event := range msg.Events {
			c.subscriptions[EventType(event)] = true
		}
		for _, id := range msg.Markets {
			c.markets[id] = true
		}

	case "unsubscribe":
		for _, event := range msg.Events {
			delete(c.subscriptions, EventType(event))
		}
		for _, id := range msg.Markets {
			delete(c.markets, id)
		}
	}
}

// writePump writes one event per frame and pings the peer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
