// Package proxy implements the HTTP client for the upstream metered
// inference endpoint: prompt submission, payment-required handling, and
// redemption with proof of payment.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	lightningprox "github.com/lightningprox/lightningprox-go"
)

// Header names used to present proof of payment on redemption.
const (
	headerChargeID    = "X-Charge-Id"
	headerPaymentHash = "X-Payment-Hash"
)

// Config configures the upstream proxy client
type Config struct {
	// URL is the inference endpoint (optional, defaults to
	// lightningprox.DefaultAPIURL).
	URL string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s). Ignored when
	// HTTPClient is set.
	Timeout time.Duration
}

// Client talks to the upstream inference endpoint over HTTP. It implements
// lightningprox.ProxyClient.
type Client struct {
	url        string
	httpClient *http.Client

	// pending holds the request payload per open quote so Redeem can
	// re-present the original request alongside the proof of payment.
	// Entries are dropped once the quote is redeemed or expires.
	pending sync.Map
}

// NewClient creates a new upstream proxy client
func NewClient(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}

	url := config.URL
	if url == "" {
		url = lightningprox.DefaultAPIURL
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

	return &Client{
		url:        url,
		httpClient: httpClient,
	}
}

// NewCompletionClient wires an HTTP proxy built from the client config into
// a ready-to-use completion client. Most callers want this rather than
// assembling the pieces themselves.
func NewCompletionClient(cfg lightningprox.ClientConfig, wallet lightningprox.WalletBackend, opts ...lightningprox.ClientOption) (*lightningprox.Client, error) {
	px := NewClient(&Config{
		URL:        cfg.APIURL,
		HTTPClient: cfg.HTTPClient,
	})
	opts = append([]lightningprox.ClientOption{lightningprox.WithProxyClient(px)}, opts...)
	return lightningprox.NewClient(cfg, wallet, opts...)
}

// wire format

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type completionResponse struct {
	Content []contentBlock `json:"content"`
	Model   string         `json:"model"`
	Usage   usage          `json:"usage"`
}

type paymentRequired struct {
	Payment struct {
		ChargeID       string    `json:"charge_id"`
		PaymentRequest string    `json:"payment_request"`
		AmountSats     int64     `json:"amount_sats"`
		ExpiresAt      time.Time `json:"expires_at"`
	} `json:"payment"`
}

// RequestQuote submits the prompt. A 200 means the upstream served the
// completion without payment (free tier, cached); a 402 carries the invoice
// to pay.
func (c *Client) RequestQuote(ctx context.Context, req lightningprox.QuoteRequest) (*lightningprox.QuoteResponse, error) {
	body, err := json.Marshal(completionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal quote request: %w", err)
	}

	status, respBody, err := c.post(ctx, body, nil)
	if err != nil {
		return nil, lightningprox.NewError(lightningprox.ErrCodeUpstreamUnavailable, err.Error(), nil)
	}

	switch status {
	case http.StatusOK:
		result, err := parseCompletion(respBody)
		if err != nil {
			return nil, err
		}
		return &lightningprox.QuoteResponse{Completion: result}, nil

	case http.StatusPaymentRequired:
		if err := validatePaymentRequired(respBody); err != nil {
			return nil, err
		}
		var pr paymentRequired
		if err := json.Unmarshal(respBody, &pr); err != nil {
			return nil, lightningprox.NewError(lightningprox.ErrCodeUpstreamUnavailable,
				fmt.Sprintf("invalid payment required body: %s", err), nil)
		}
		inv := &lightningprox.Invoice{
			QuoteID:        pr.Payment.ChargeID,
			PaymentRequest: pr.Payment.PaymentRequest,
			AmountSats:     pr.Payment.AmountSats,
			ExpiresAt:      pr.Payment.ExpiresAt,
		}
		c.pending.Store(inv.QuoteID, body)
		return &lightningprox.QuoteResponse{Invoice: inv}, nil

	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return nil, lightningprox.NewError(lightningprox.ErrCodeInvalidRequest,
			upstreamErrorMessage(respBody, "upstream rejected the request"), nil)

	default:
		return nil, lightningprox.NewError(lightningprox.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("upstream returned %d: %s", status, truncate(respBody)), nil)
	}
}

// Redeem re-presents the original request with proof of payment. A 402 here
// means the upstream has not observed settlement yet; the orchestrator
// retries through the propagation window.
func (c *Client) Redeem(ctx context.Context, quoteID, paymentHash string) (*lightningprox.CompletionResult, error) {
	details := map[string]interface{}{
		"quote_id":     quoteID,
		"payment_hash": paymentHash,
	}

	stored, ok := c.pending.Load(quoteID)
	if !ok {
		return nil, lightningprox.NewError(lightningprox.ErrCodeInvalidRequest,
			"no pending request for quote", details)
	}
	body := stored.([]byte)

	headers := map[string]string{
		headerChargeID:    quoteID,
		headerPaymentHash: paymentHash,
	}

	status, respBody, err := c.post(ctx, body, headers)
	if err != nil {
		return nil, lightningprox.NewError(lightningprox.ErrCodeUpstreamUnavailable, err.Error(), details)
	}

	switch status {
	case http.StatusOK:
		c.pending.Delete(quoteID)
		return parseCompletion(respBody)

	case http.StatusPaymentRequired:
		return nil, lightningprox.NewError(lightningprox.ErrCodePaymentNotVerified,
			"upstream has not observed settlement yet", details)

	case http.StatusGone:
		c.pending.Delete(quoteID)
		return nil, lightningprox.NewError(lightningprox.ErrCodeQuoteExpired,
			"quote expired before redemption: payment was made but the result window lapsed", details)

	default:
		return nil, lightningprox.NewError(lightningprox.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("upstream returned %d: %s", status, truncate(respBody)), details)
	}
}

func (c *Client) post(ctx context.Context, body []byte, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

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

func parseCompletion(body []byte) (*lightningprox.CompletionResult, error) {
	var cr completionResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, lightningprox.NewError(lightningprox.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("invalid completion body: %s", err), nil)
	}
	if len(cr.Content) == 0 {
		return nil, lightningprox.NewError(lightningprox.ErrCodeUpstreamUnavailable,
			"completion body has no content", nil)
	}
	return &lightningprox.CompletionResult{
		Text:       cr.Content[0].Text,
		Model:      cr.Model,
		TokensUsed: cr.Usage.InputTokens + cr.Usage.OutputTokens,
	}, nil
}

func upstreamErrorMessage(body []byte, fallback string) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return fallback
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
