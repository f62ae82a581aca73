package strike

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lightningprox "github.com/lightningprox/lightningprox-go"
)

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(&Config{})
	require.Error(t, err)
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := New(&Config{
		URL:                url,
		APIKey:             "test-api-key",
		StatusPollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func TestPayCompletesAfterPendingStates(t *testing.T) {
	var stateChecks atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))

		switch {
		case r.Method == "POST" && r.URL.Path == "/v1/payment-quotes/lightning":
			var req createQuoteRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "lnbc100n1pexample", req.LnInvoice)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(createQuoteResponse{PaymentQuoteID: "pq-1"})

		case r.Method == "PATCH" && r.URL.Path == "/v1/payment-quotes/pq-1/execute":
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"paymentId": "pay-1",
				"state":     "PENDING",
			})

		case r.Method == "GET" && r.URL.Path == "/v1/payments/pay-1":
			state := "PENDING"
			if stateChecks.Add(1) > 1 {
				state = "COMPLETED"
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"paymentId": "pay-1",
				"state":     state,
				"lightning": map[string]interface{}{"paymentHash": "hash-9"},
			})

		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.Pay(context.Background(), "lnbc100n1pexample", 10)
	require.NoError(t, err)
	assert.True(t, resp.Settled)
	assert.Equal(t, "hash-9", resp.PaymentHash)
}

func TestPayQuoteRejections(t *testing.T) {
	cases := []struct {
		name   string
		status int
		code   string
		reason lightningprox.FailureReason
	}{
		{"insufficient balance", http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", lightningprox.ReasonInsufficientBalance},
		{"expired invoice", http.StatusUnprocessableEntity, "LN_INVOICE_EXPIRED", lightningprox.ReasonInvoiceExpired},
		{"invalid invoice", http.StatusBadRequest, "INVALID_DATA", lightningprox.ReasonRejected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"data": map[string]interface{}{"code": tc.code, "message": tc.name},
				})
			}))
			defer server.Close()

			client := newTestClient(t, server.URL)
			resp, err := client.Pay(context.Background(), "lnbc100n1pexample", 10)
			require.NoError(t, err)
			assert.False(t, resp.Settled)
			assert.Equal(t, tc.reason, resp.FailureReason)
			assert.Equal(t, tc.name, resp.Detail)
		})
	}
}

func TestPayFailedExecution(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(createQuoteResponse{PaymentQuoteID: "pq-1"})
		case r.Method == "PATCH":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"paymentId": "pay-1",
				"state":     "FAILED",
				"reason":    map[string]interface{}{"code": "INSUFFICIENT_BALANCE", "message": "not enough sats"},
			})
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.Pay(context.Background(), "lnbc100n1pexample", 10)
	require.NoError(t, err)
	assert.False(t, resp.Settled)
	assert.Equal(t, lightningprox.ReasonInsufficientBalance, resp.FailureReason)
	assert.Equal(t, "not enough sats", resp.Detail)
}

func TestPayUnreachableBeforeQuote(t *testing.T) {
	server := httptest.NewServer(nil)
	server.Close() // refuse connections

	client := newTestClient(t, server.URL)
	resp, err := client.Pay(context.Background(), "lnbc100n1pexample", 10)
	require.NoError(t, err)
	assert.False(t, resp.Settled)
	assert.Equal(t, lightningprox.ReasonWalletUnreachable, resp.FailureReason)
}

func TestPayUnknownOutcomeWhenExecuteResponseLost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(createQuoteResponse{PaymentQuoteID: "pq-1"})
		case r.Method == "PATCH":
			// Garbage after execution started: outcome cannot be determined.
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("proxy error"))
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Pay(context.Background(), "lnbc100n1pexample", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payment outcome unknown")
}
