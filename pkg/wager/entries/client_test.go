package entries

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phenomenon0/parlay-desk/pkg/wager/slip"

	"github.com/shopspring/decimal"
)

func testQuote(t *testing.T) *slip.Quote {
	t.Helper()
	q, err := slip.Price([]slip.Selection{
		{ID: "a", MarketID: "m1", Outcome: "Yes", American: "+150"},
		{ID: "b", MarketID: "m2", Outcome: "No", American: "-200"},
	}, slip.CurrencyCoins, decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	return q
}

func TestNewPayload(t *testing.T) {
	p, err := NewPayload("e1", "u1", testQuote(t))
	if err != nil {
		t.Fatalf("NewPayload: %v", err)
	}

	if p.Currency != slip.CurrencyCoins {
		t.Errorf("Currency = %s", p.Currency)
	}
	if len(p.Legs) != 2 {
		t.Fatalf("legs = %d", len(p.Legs))
	}
	if p.Legs[0].DecimalOdds != 2.5 || p.Legs[0].MoneylineOdds != "+150" {
		t.Errorf("leg 0 = %+v", p.Legs[0])
	}
	if p.Legs[1].DecimalOdds != 1.5 || p.Legs[1].MoneylineOdds != "-200" {
		t.Errorf("leg 1 = %+v", p.Legs[1])
	}
	if p.CombinedDecimal != 3.75 || p.CombinedMoneyline != "+275" {
		t.Errorf("combined = %v / %s", p.CombinedDecimal, p.CombinedMoneyline)
	}
	if !p.PotentialPayout.Equal(decimal.RequireFromString("37.5")) {
		t.Errorf("PotentialPayout = %s", p.PotentialPayout)
	}
}

func TestNewPayload_Empty(t *testing.T) {
	if _, err := NewPayload("e1", "u1", nil); !errors.Is(err, slip.ErrEmptySlip) {
		t.Errorf("err = %v", err)
	}
}

func TestSubmit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/entries" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}

		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.EntryID != "e1" || len(p.Legs) != 2 {
			t.Errorf("payload = %+v", p)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Result{EntryID: p.EntryID, Status: "accepted", Reference: "R-1"})
	}))
	defer server.Close()

	p, _ := NewPayload("e1", "u1", testQuote(t))
	res, err := NewClient(server.URL, WithAPIKey("k")).Submit(context.Background(), p)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Reference != "R-1" {
		t.Errorf("Reference = %s", res.Reference)
	}
}

func TestSubmit_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error": "market closed"}`))
	}))
	defer server.Close()

	p, _ := NewPayload("e1", "u1", testQuote(t))
	_, err := NewClient(server.URL).Submit(context.Background(), p)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
}

func TestSubmit_NoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	p, _ := NewPayload("e1", "u1", testQuote(t))
	res, err := NewClient(server.URL).Submit(context.Background(), p)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.EntryID != "e1" || res.Status != "accepted" {
		t.Errorf("result = %+v", res)
	}
}

func TestNoop(t *testing.T) {
	var s Submitter = Noop{}
	res, err := s.Submit(context.Background(), Payload{EntryID: "x"})
	if err != nil || res.EntryID != "x" {
		t.Errorf("Noop = %+v, %v", res, err)
	}
}
