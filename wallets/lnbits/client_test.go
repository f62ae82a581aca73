package lnbits

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

func TestNewRequiresAdminKey(t *testing.T) {
	_, err := New(&Config{URL: "https://demo.lnbits.com"})
	require.Error(t, err)

	_, err = New(nil)
	require.Error(t, err)
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := New(&Config{
		URL:                url,
		AdminKey:           "test-admin-key",
		StatusPollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func TestPaySettles(t *testing.T) {
	var statusChecks atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-admin-key", r.Header.Get("X-Api-Key"))

		switch {
		case r.Method == "POST" && r.URL.Path == "/api/v1/payments":
			var req payInvoiceRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.True(t, req.Out)
			assert.Equal(t, "lnbc100n1pexample", req.Bolt11)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(payInvoiceResponse{PaymentHash: "hash-1"})

		case r.Method == "GET" && r.URL.Path == "/api/v1/payments/hash-1":
			// Settles on the second status check.
			paid := statusChecks.Add(1) > 1
			_ = json.NewEncoder(w).Encode(paymentStatusResponse{Paid: paid})

		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.Pay(context.Background(), "lnbc100n1pexample", 10)
	require.NoError(t, err)
	assert.True(t, resp.Settled)
	assert.Equal(t, "hash-1", resp.PaymentHash)
	assert.GreaterOrEqual(t, statusChecks.Load(), int32(2))
}

func TestPayFailureMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		detail string
		reason lightningprox.FailureReason
	}{
		{"insufficient balance", http.StatusForbidden, "Insufficient balance.", lightningprox.ReasonInsufficientBalance},
		{"expired invoice", http.StatusBadRequest, "Invoice has expired.", lightningprox.ReasonInvoiceExpired},
		{"malformed invoice", http.StatusBadRequest, "Invalid bolt11 string.", lightningprox.ReasonRejected},
		{"server error", http.StatusBadGateway, "", lightningprox.ReasonWalletUnreachable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(errorResponse{Detail: tc.detail})
			}))
			defer server.Close()

			client := newTestClient(t, server.URL)
			resp, err := client.Pay(context.Background(), "lnbc100n1pexample", 10)
			require.NoError(t, err)
			assert.False(t, resp.Settled)
			assert.Equal(t, tc.reason, resp.FailureReason)
		})
	}
}

func TestPayUnreachableWallet(t *testing.T) {
	server := httptest.NewServer(nil)
	server.Close() // refuse connections

	client := newTestClient(t, server.URL)
	resp, err := client.Pay(context.Background(), "lnbc100n1pexample", 10)
	require.NoError(t, err)
	assert.False(t, resp.Settled)
	assert.Equal(t, lightningprox.ReasonWalletUnreachable, resp.FailureReason)
}

func TestPayUnknownOutcomeOnCancelledConfirmation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(payInvoiceResponse{PaymentHash: "hash-1"})
		default:
			// Payment submitted but never confirmed; the caller gives up.
			cancel()
			_ = json.NewEncoder(w).Encode(paymentStatusResponse{Paid: false})
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Pay(ctx, "lnbc100n1pexample", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
