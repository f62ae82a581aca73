// Package lnbits implements the wallet backend capability against the
// LNBits payments API.
package lnbits

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lightningprox "github.com/lightningprox/lightningprox-go"
)

// DefaultURL is the public LNBits demo instance.
const DefaultURL = "https://demo.lnbits.com"

const defaultStatusPollInterval = 250 * time.Millisecond

// Config configures the LNBits wallet backend
type Config struct {
	// URL of the LNBits instance (optional, defaults to DefaultURL).
	URL string

	// AdminKey authorizes outgoing payments. Required.
	AdminKey string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s). Ignored when
	// HTTPClient is set.
	Timeout time.Duration

	// StatusPollInterval is the pause between settlement checks after the
	// payment has been submitted (optional, defaults to 250ms).
	StatusPollInterval time.Duration
}

// Client pays invoices through an LNBits wallet. It implements
// lightningprox.WalletBackend.
type Client struct {
	url          string
	adminKey     string
	httpClient   *http.Client
	pollInterval time.Duration
}

// New creates an LNBits wallet backend. Fails fast on a missing admin key
// so a misconfigured wallet is caught at construction, not on the first
// paid request.
func New(config *Config) (*Client, error) {
	if config == nil || config.AdminKey == "" {
		return nil, fmt.Errorf("lnbits: admin key is required for automatic payments")
	}

	url := strings.TrimRight(config.URL, "/")
	if url == "" {
		url = DefaultURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	pollInterval := config.StatusPollInterval
	if pollInterval == 0 {
		pollInterval = defaultStatusPollInterval
	}

	return &Client{
		url:          url,
		adminKey:     config.AdminKey,
		httpClient:   httpClient,
		pollInterval: pollInterval,
	}, nil
}

type payInvoiceRequest struct {
	Out    bool   `json:"out"`
	Bolt11 string `json:"bolt11"`
}

type payInvoiceResponse struct {
	PaymentHash string `json:"payment_hash"`
}

type paymentStatusResponse struct {
	Paid     bool   `json:"paid"`
	Preimage string `json:"preimage,omitempty"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// Pay submits the invoice to LNBits and waits until the wallet reports it
// settled. A settled response is only returned after the payment status
// endpoint confirms the payment, never on submission alone.
func (c *Client) Pay(ctx context.Context, paymentRequest string, amountSats int64) (*lightningprox.PayResponse, error) {
	body, err := json.Marshal(payInvoiceRequest{Out: true, Bolt11: paymentRequest})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/api/v1/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.adminKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// If the context ended the payment may still have been submitted;
		// report no outcome rather than a transient failure.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("payment outcome unknown: %w", ctx.Err())
		}
		return &lightningprox.PayResponse{
			FailureReason: lightningprox.ReasonWalletUnreachable,
			Detail:        err.Error(),
		}, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("payment outcome unknown: failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return failureFromResponse(resp.StatusCode, respBody), nil
	}

	var paid payInvoiceResponse
	if err := json.Unmarshal(respBody, &paid); err != nil || paid.PaymentHash == "" {
		return nil, fmt.Errorf("payment outcome unknown: unexpected pay response: %s", respBody)
	}

	return c.confirmSettlement(ctx, paid.PaymentHash)
}

// confirmSettlement polls the payment status endpoint until the payment is
// reported paid. Bounded by the caller's context; the executor derives that
// deadline from the invoice expiry.
func (c *Client) confirmSettlement(ctx context.Context, paymentHash string) (*lightningprox.PayResponse, error) {
	for {
		req, err := http.NewRequestWithContext(ctx, "GET", c.url+"/api/v1/payments/"+paymentHash, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create status request: %w", err)
		}
		req.Header.Set("X-Api-Key", c.adminKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Payment already submitted: outcome is unknown, not a
			// transient failure the executor may retry with a fresh pay.
			return nil, fmt.Errorf("payment outcome unknown: status check failed: %w", err)
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("payment outcome unknown: failed to read status response: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			var status paymentStatusResponse
			if err := json.Unmarshal(respBody, &status); err != nil {
				return nil, fmt.Errorf("payment outcome unknown: unexpected status response: %s", respBody)
			}
			if status.Paid {
				return &lightningprox.PayResponse{
					Settled:     true,
					PaymentHash: paymentHash,
				}, nil
			}
		}

		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("payment outcome unknown: %w", ctx.Err())
		}
	}
}

// failureFromResponse maps an LNBits error response onto the closed
// failure-reason set. LNBits encodes the cause in the detail string, so the
// documented detail phrases are matched here; everything unrecognized is a
// rejection rather than a guess at something retryable.
func failureFromResponse(status int, body []byte) *lightningprox.PayResponse {
	var e errorResponse
	_ = json.Unmarshal(body, &e)
	detail := e.Detail
	if detail == "" {
		detail = fmt.Sprintf("lnbits returned %d", status)
	}

	if status >= 500 {
		return &lightningprox.PayResponse{
			FailureReason: lightningprox.ReasonWalletUnreachable,
			Detail:        detail,
		}
	}

	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "insufficient balance"):
		return &lightningprox.PayResponse{
			FailureReason: lightningprox.ReasonInsufficientBalance,
			Detail:        detail,
		}
	case strings.Contains(lower, "expired"):
		return &lightningprox.PayResponse{
			FailureReason: lightningprox.ReasonInvoiceExpired,
			Detail:        detail,
		}
	default:
		return &lightningprox.PayResponse{
			FailureReason: lightningprox.ReasonRejected,
			Detail:        detail,
		}
	}
}
