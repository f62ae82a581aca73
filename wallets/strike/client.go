// Package strike implements the wallet backend capability against the
// Strike payment-quotes API.
package strike

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

// DefaultURL is the Strike API base URL.
const DefaultURL = "https://api.strike.me"

const defaultStatusPollInterval = 250 * time.Millisecond

// Config configures the Strike wallet backend
type Config struct {
	// URL is the API base URL (optional, defaults to DefaultURL).
	URL string

	// APIKey authorizes payments. Required.
	APIKey string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s). Ignored when
	// HTTPClient is set.
	Timeout time.Duration

	// StatusPollInterval is the pause between state checks while an
	// executed payment is still pending (optional, defaults to 250ms).
	StatusPollInterval time.Duration
}

// Client pays invoices through a Strike account. It implements
// lightningprox.WalletBackend.
//
// Strike splits payment into two steps: create a payment quote for the
// invoice, then execute the quote. Execution may complete asynchronously,
// in which case the payment state is polled until it leaves PENDING.
type Client struct {
	url          string
	apiKey       string
	httpClient   *http.Client
	pollInterval time.Duration
}

// New creates a Strike wallet backend. Fails fast on a missing API key.
func New(config *Config) (*Client, error) {
	if config == nil || config.APIKey == "" {
		return nil, fmt.Errorf("strike: api key is required for automatic payments")
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
		apiKey:       config.APIKey,
		httpClient:   httpClient,
		pollInterval: pollInterval,
	}, nil
}

type createQuoteRequest struct {
	LnInvoice      string `json:"lnInvoice"`
	SourceCurrency string `json:"sourceCurrency"`
}

type createQuoteResponse struct {
	PaymentQuoteID string `json:"paymentQuoteId"`
}

type paymentState struct {
	PaymentID string `json:"paymentId"`
	State     string `json:"state"`
	Lightning struct {
		PaymentHash string `json:"paymentHash"`
	} `json:"lightning"`
	Reason struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"reason"`
}

type errorResponse struct {
	Data struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"data"`
}

// Pay creates and executes a payment quote for the invoice, then waits for
// the payment to leave the PENDING state. Settled is only reported once
// Strike marks the payment COMPLETED.
func (c *Client) Pay(ctx context.Context, paymentRequest string, amountSats int64) (*lightningprox.PayResponse, error) {
	quoteID, failure, err := c.createQuote(ctx, paymentRequest)
	if err != nil {
		return nil, err
	}
	if failure != nil {
		return failure, nil
	}

	state, err := c.executeQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}

	for state.State == "PENDING" {
		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("payment outcome unknown: %w", ctx.Err())
		}
		state, err = c.getPayment(ctx, state.PaymentID)
		if err != nil {
			return nil, err
		}
	}

	if state.State == "COMPLETED" {
		return &lightningprox.PayResponse{
			Settled:     true,
			PaymentHash: state.Lightning.PaymentHash,
		}, nil
	}

	return failureFromCode(state.Reason.Code, state.Reason.Message), nil
}

// createQuote asks Strike to price the invoice. Quote creation happens
// before any funds move, so transport failures here are plain transient
// failures, not unknown outcomes.
func (c *Client) createQuote(ctx context.Context, paymentRequest string) (string, *lightningprox.PayResponse, error) {
	body, err := json.Marshal(createQuoteRequest{
		LnInvoice:      paymentRequest,
		SourceCurrency: "BTC",
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal quote request: %w", err)
	}

	status, respBody, err := c.do(ctx, "POST", "/v1/payment-quotes/lightning", body)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		return "", &lightningprox.PayResponse{
			FailureReason: lightningprox.ReasonWalletUnreachable,
			Detail:        err.Error(),
		}, nil
	}

	if status != http.StatusOK && status != http.StatusCreated {
		return "", failureFromHTTP(status, respBody), nil
	}

	var quote createQuoteResponse
	if err := json.Unmarshal(respBody, &quote); err != nil || quote.PaymentQuoteID == "" {
		return "", &lightningprox.PayResponse{
			FailureReason: lightningprox.ReasonWalletUnreachable,
			Detail:        fmt.Sprintf("unexpected quote response: %s", respBody),
		}, nil
	}

	return quote.PaymentQuoteID, nil, nil
}

// executeQuote triggers the payment. From this point on a lost response
// means the outcome is unknown.
func (c *Client) executeQuote(ctx context.Context, quoteID string) (*paymentState, error) {
	status, respBody, err := c.do(ctx, "PATCH", "/v1/payment-quotes/"+quoteID+"/execute", nil)
	if err != nil {
		return nil, fmt.Errorf("payment outcome unknown: execute failed: %w", err)
	}

	if status != http.StatusOK && status != http.StatusAccepted {
		return nil, fmt.Errorf("payment outcome unknown: execute returned %d: %s", status, respBody)
	}

	var state paymentState
	if err := json.Unmarshal(respBody, &state); err != nil {
		return nil, fmt.Errorf("payment outcome unknown: unexpected execute response: %s", respBody)
	}
	return &state, nil
}

func (c *Client) getPayment(ctx context.Context, paymentID string) (*paymentState, error) {
	status, respBody, err := c.do(ctx, "GET", "/v1/payments/"+paymentID, nil)
	if err != nil {
		return nil, fmt.Errorf("payment outcome unknown: state check failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("payment outcome unknown: state check returned %d: %s", status, respBody)
	}

	var state paymentState
	if err := json.Unmarshal(respBody, &state); err != nil {
		return nil, fmt.Errorf("payment outcome unknown: unexpected state response: %s", respBody)
	}
	if state.PaymentID == "" {
		state.PaymentID = paymentID
	}
	return &state, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, respBody, nil
}

func failureFromHTTP(status int, body []byte) *lightningprox.PayResponse {
	if status >= 500 {
		return &lightningprox.PayResponse{
			FailureReason: lightningprox.ReasonWalletUnreachable,
			Detail:        fmt.Sprintf("strike returned %d", status),
		}
	}

	var e errorResponse
	_ = json.Unmarshal(body, &e)
	detail := e.Data.Message
	if detail == "" {
		detail = fmt.Sprintf("strike returned %d", status)
	}
	return failureFromCode(e.Data.Code, detail)
}

// failureFromCode maps Strike's error codes onto the closed failure-reason
// set.
func failureFromCode(code, detail string) *lightningprox.PayResponse {
	reason := lightningprox.ReasonRejected
	switch code {
	case "INSUFFICIENT_BALANCE":
		reason = lightningprox.ReasonInsufficientBalance
	case "INVOICE_EXPIRED", "LN_INVOICE_EXPIRED":
		reason = lightningprox.ReasonInvoiceExpired
	case "UNAVAILABLE", "INTERNAL_SERVER_ERROR":
		reason = lightningprox.ReasonWalletUnreachable
	}
	if detail == "" {
		detail = code
	}
	return &lightningprox.PayResponse{
		FailureReason: reason,
		Detail:        detail,
	}
}
