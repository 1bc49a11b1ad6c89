package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/phenomenon0/parlay-desk/pkg/wager/board"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

type received struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

func startHub(t *testing.T, clk clockwork.Clock) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(clk)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return hub, server
}

func dial(t *testing.T, hub *Hub, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	want := hub.ClientCount() + 1

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < want {
		if time.Now().After(deadline) {
			t.Fatal("client was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func read(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev received
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	return ev
}

func TestBroadcastLines(t *testing.T) {
	hub, server := startHub(t, nil)
	conn := dial(t, hub, server, "")

	hub.BroadcastLines([]board.Market{{ID: "m1", Question: "Will it rain?"}})

	ev := read(t, conn)
	if ev.Type != EventTypeLines {
		t.Fatalf("type = %s", ev.Type)
	}
	var markets []board.Market
	if err := json.Unmarshal(ev.Data, &markets); err != nil {
		t.Fatal(err)
	}
	if len(markets) != 1 || markets[0].ID != "m1" {
		t.Errorf("data = %s", ev.Data)
	}
}

func TestLinesFilteredByWatchedMarkets(t *testing.T) {
	hub, server := startHub(t, nil)
	watcher := dial(t, hub, server, "?markets=m2,m3")
	all := dial(t, hub, server, "")

	hub.BroadcastLines([]board.Market{{ID: "m1"}, {ID: "m2"}})
	hub.BroadcastLines([]board.Market{{ID: "m1"}})
	hub.BroadcastLimits(map[string]string{"single_max_win": "500.00"})

	var markets []board.Market
	ev := read(t, watcher)
	if err := json.Unmarshal(ev.Data, &markets); err != nil {
		t.Fatal(err)
	}
	if len(markets) != 1 || markets[0].ID != "m2" {
		t.Errorf("watcher got %s", ev.Data)
	}
	// the m1-only update is skipped entirely
	if ev := read(t, watcher); ev.Type != EventTypeLimits {
		t.Errorf("watcher second event = %s", ev.Type)
	}

	ev = read(t, all)
	markets = nil
	json.Unmarshal(ev.Data, &markets)
	if len(markets) != 2 {
		t.Errorf("unfiltered client got %s", ev.Data)
	}
}

func TestEntryEventsAreScopedToUser(t *testing.T) {
	hub, server := startHub(t, nil)
	alice := dial(t, hub, server, "?user=alice")
	bob := dial(t, hub, server, "?user=bob")

	hub.BroadcastEntry("alice", map[string]string{"id": "e1"})
	hub.BroadcastError(errors.New("gamma down"), "board")

	first := read(t, alice)
	if first.Type != EventTypeEntry {
		t.Errorf("alice first event = %s", first.Type)
	}
	if ev := read(t, alice); ev.Type != EventTypeError {
		t.Errorf("alice second event = %s", ev.Type)
	}

	// bob skips alice's entry and sees the error first
	if ev := read(t, bob); ev.Type != EventTypeError {
		t.Errorf("bob received %s", ev.Type)
	}
}

func TestUnsubscribe(t *testing.T) {
	hub, server := startHub(t, nil)
	conn := dial(t, hub, server, "")

	if err := conn.WriteJSON(map[string]interface{}{
		"type":   "unsubscribe",
		"events": []string{"lines"},
	}); err != nil {
		t.Fatal(err)
	}

	// wait for the unsubscribe to be handled
	deadline := time.Now().Add(2 * time.Second)
	for {
		subscribed := false
		hub.mu.RLock()
		for c := range hub.clients {
			subscribed = c.isSubscribed(EventTypeLines)
		}
		hub.mu.RUnlock()
		if !subscribed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("unsubscribe not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.BroadcastLines([]board.Market{{ID: "ignored"}})
	hub.BroadcastLimits(map[string]string{"single_max_win": "500.00"})

	if ev := read(t, conn); ev.Type != EventTypeLimits {
		t.Errorf("expected limits, got %s", ev.Type)
	}
}

func TestHeartbeat(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	hub, server := startHub(t, clk)
	conn := dial(t, hub, server, "")

	clk.Advance(heartbeatInterval)

	if ev := read(t, conn); ev.Type != EventTypeHeartbeat {
		t.Errorf("expected heartbeat, got %s", ev.Type)
	}
}

func TestOnClients(t *testing.T) {
	counts := make(chan int, 10)
	hub := NewHub(nil)
	hub.OnClients(func(n int) { counts <- n })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dial(t, hub, server, "")
	if n := <-counts; n != 1 {
		t.Errorf("count after connect = %d", n)
	}

	conn.Close()
	select {
	case n := <-counts:
		if n != 0 {
			t.Errorf("count after disconnect = %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
}
