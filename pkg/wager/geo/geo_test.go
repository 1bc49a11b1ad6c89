package geo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type fakeLocator struct {
	codes map[string]string
	err   error
	calls atomic.Int32
}

func (f *fakeLocator) Locate(_ context.Context, ip string) (*Location, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &Location{IP: ip, CountryCode: f.codes[ip]}, nil
}

func TestGateCheck(t *testing.T) {
	loc := &fakeLocator{codes: map[string]string{
		"8.8.8.8":      "US",
		"81.2.69.160":  "GB",
		"5.255.255.70": "RU",
	}}
	g := NewGate(loc, GateConfig{}, nil)

	tests := []struct {
		ip      string
		blocked bool
	}{
		{"8.8.8.8", true},
		{"81.2.69.160", false},
		{"5.255.255.70", true},
		{"127.0.0.1", false},
		{"10.0.0.7", false},
		{"::1", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			err := g.Check(context.Background(), tt.ip)
			if got := errors.Is(err, ErrBlocked); got != tt.blocked {
				t.Errorf("Check(%s) = %v, blocked want %v", tt.ip, err, tt.blocked)
			}
		})
	}

	if err := g.Check(context.Background(), "not-an-ip"); !errors.Is(err, ErrLookupFailed) {
		t.Errorf("bad address: %v", err)
	}
}

func TestGateCachesLookups(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	loc := &fakeLocator{codes: map[string]string{"81.2.69.160": "GB"}}
	g := NewGate(loc, GateConfig{TTL: time.Minute}, clk)

	for i := 0; i < 3; i++ {
		g.Check(context.Background(), "81.2.69.160")
	}
	if n := loc.calls.Load(); n != 1 {
		t.Errorf("lookups = %d, want 1", n)
	}

	clk.Advance(2 * time.Minute)
	g.Check(context.Background(), "81.2.69.160")
	if n := loc.calls.Load(); n != 2 {
		t.Errorf("lookups after expiry = %d, want 2", n)
	}
}

func TestGateLookupFailure(t *testing.T) {
	loc := &fakeLocator{err: fmt.Errorf("%w: down", ErrLookupFailed)}

	closed := NewGate(loc, GateConfig{}, nil)
	if err := closed.Check(context.Background(), "8.8.4.4"); !errors.Is(err, ErrLookupFailed) {
		t.Errorf("fail closed: %v", err)
	}

	open := NewGate(loc, GateConfig{FailOpen: true}, nil)
	if err := open.Check(context.Background(), "8.8.4.4"); err != nil {
		t.Errorf("fail open: %v", err)
	}
}

func TestBlockedSet(t *testing.T) {
	set := BlockedSet([]string{"us", " FR ", ""})
	if len(set) != 2 || set["US"] != "United States" || set["FR"] != "FR" {
		t.Errorf("BlockedSet = %v", set)
	}
}

func TestClientLocate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/json/") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if strings.HasSuffix(r.URL.Path, "0.0.0.1") {
			w.Write([]byte(`{"status":"fail","message":"reserved range"}`))
			return
		}
		w.Write([]byte(`{"status":"success","country":"United Kingdom","countryCode":"GB","regionName":"England","query":"81.2.69.160"}`))
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL + "/json"))

	loc, err := c.Locate(context.Background(), "81.2.69.160")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if loc.CountryCode != "GB" || loc.IP != "81.2.69.160" || loc.Region != "England" {
		t.Errorf("location = %+v", loc)
	}

	if _, err := c.Locate(context.Background(), "0.0.0.1"); !errors.Is(err, ErrLookupFailed) {
		t.Errorf("failed lookup: %v", err)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:5123"
	if got := ClientIP(r); got != "203.0.113.9" {
		t.Errorf("ClientIP = %s", got)
	}
	r.RemoteAddr = "203.0.113.9"
	if got := ClientIP(r); got != "203.0.113.9" {
		t.Errorf("ClientIP without port = %s", got)
	}
}
