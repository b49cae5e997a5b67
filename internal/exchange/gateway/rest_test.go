package gateway

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/schema"
)

var testPair = schema.NewPair("BTC", "USDT")

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestGateway(t *testing.T, baseURL string) *Gateway {
	t.Helper()
	g, err := New(Config{
		Exchange:    schema.ExchangeSim,
		BaseURL:     baseURL,
		APIKey:      "test-key",
		Logger:      quietLogger(),
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func limitRequest(id string) schema.OrderRequest {
	return schema.OrderRequest{
		OrderID:   id,
		Exchange:  schema.ExchangeSim,
		Pair:      testPair,
		Side:      schema.SideBuy,
		Type:      schema.OrderTypeLimit,
		Quantity:  decimal.NewFromInt(2),
		Price:     decimal.NewFromInt(100),
		AssetType: schema.AssetSpot,
	}
}

func TestPlaceOrderRoundTrip(t *testing.T) {
	var got schema.OrderRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		writeJSON(t, w, schema.OrderSubmission{
			RemoteID:  "sim-1",
			ClientID:  got.OrderID,
			Pair:      got.Pair,
			Price:     got.Price,
			Quantity:  got.Quantity,
			Status:    schema.RemoteNew,
			Side:      got.Side,
			Type:      got.Type,
			Timestamp: time.Unix(1700000000, 0).UTC(),
		})
	}))
	t.Cleanup(server.Close)

	g := newTestGateway(t, server.URL)
	sub, err := g.PlaceOrder(context.Background(), limitRequest("ord-1"))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if sub.RemoteID != "sim-1" || sub.ClientID != "ord-1" || sub.Status != schema.RemoteNew {
		t.Fatalf("unexpected acknowledgement: %+v", sub)
	}
	if got.OrderID != "ord-1" || !got.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("venue saw wrong request: %+v", got)
	}
}

func TestPlaceOrderInvalidPriceIsTyped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"invalid_price","message":"price outside protection band"}`))
	}))
	t.Cleanup(server.Close)

	g := newTestGateway(t, server.URL)
	_, err := g.PlaceOrder(context.Background(), limitRequest("ord-2"))
	if !errs.Is(err, errs.CodeInvalidPrice) {
		t.Fatalf("want invalid_price, got %v", err)
	}
}

func TestPlaceOrderBadRequestIsTyped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "lot size below minimum", http.StatusBadRequest)
	}))
	t.Cleanup(server.Close)

	g := newTestGateway(t, server.URL)
	_, err := g.PlaceOrder(context.Background(), limitRequest("ord-3"))
	if !errs.Is(err, errs.CodeBadRequest) {
		t.Fatalf("want bad_request, got %v", err)
	}
}

func TestPlaceOrderRateLimitedIsTyped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	g := newTestGateway(t, server.URL)
	_, err := g.PlaceOrder(context.Background(), limitRequest("ord-4"))
	if !errs.Is(err, errs.CodeRateLimited) {
		t.Fatalf("want rate_limited, got %v", err)
	}
}

func TestCancelOrderTargetsOrder(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/orders/ord-9" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if pair := r.URL.Query().Get("pair"); pair != "BTC_USDT" {
			t.Errorf("unexpected pair %q", pair)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	g := newTestGateway(t, server.URL)
	if err := g.CancelOrder(context.Background(), "ord-9", testPair); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if !called {
		t.Fatal("venue never saw the cancel")
	}
}

func TestGetOrderDecodesSubmission(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/orders/ord-5" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if asset := r.URL.Query().Get("asset"); asset != "margin" {
			t.Errorf("unexpected asset %q", asset)
		}
		writeJSON(t, w, schema.OrderSubmission{
			RemoteID:           "sim-5",
			ClientID:           "ord-5",
			Pair:               testPair,
			Status:             schema.RemoteFilled,
			ExecutedQty:        decimal.NewFromInt(2),
			CumulativeQuoteQty: decimal.NewFromInt(200),
			Timestamp:          time.Unix(1700000060, 0).UTC(),
		})
	}))
	t.Cleanup(server.Close)

	g := newTestGateway(t, server.URL)
	sub, err := g.GetOrder(context.Background(), "ord-5", testPair, schema.AssetMargin)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if sub.Status != schema.RemoteFilled || !sub.ExecutedQty.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("unexpected submission: %+v", sub)
	}
}

func TestInterestRateDecodesQuote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/margin/rates/USDT" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeJSON(t, w, schema.InterestRate{
			Asset:  "USDT",
			Rate:   decimal.RequireFromString("0.0001"),
			Period: schema.PeriodHourly,
		})
	}))
	t.Cleanup(server.Close)

	g := newTestGateway(t, server.URL)
	rate, err := g.InterestRate(context.Background(), "usdt")
	if err != nil {
		t.Fatalf("InterestRate: %v", err)
	}
	if rate.Asset != "USDT" || rate.Period != schema.PeriodHourly {
		t.Fatalf("unexpected rate: %+v", rate)
	}
	if !rate.Rate.Equal(decimal.RequireFromString("0.0001")) {
		t.Fatalf("unexpected rate value: %s", rate.Rate)
	}
}

func TestTransportFailureIsExchangeError(t *testing.T) {
	server := httptest.NewServer(http.NewServeMux())
	server.Close()

	g := newTestGateway(t, server.URL)
	_, err := g.PlaceOrder(context.Background(), limitRequest("ord-6"))
	if !errs.Is(err, errs.CodeExchange) {
		t.Fatalf("want exchange error, got %v", err)
	}
}
