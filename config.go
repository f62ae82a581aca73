package lightningprox

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultAPIURL is the default upstream inference endpoint.
const DefaultAPIURL = "https://lightningprox.com/v1/messages"

// DefaultModel is the model requested when none is configured.
const DefaultModel = "claude-sonnet-4-20250514"

const (
	defaultMaxTokens      = 256
	defaultPaymentTimeout = 30 * time.Second
	defaultRedeemAttempts = 5
	defaultRedeemDelay    = 500 * time.Millisecond
)

// ClientConfig holds per-instance settings. Values are fixed at
// construction; per-call overrides go through CompleteOptions.
type ClientConfig struct {
	// APIURL is the upstream inference endpoint (optional, defaults to
	// DefaultAPIURL).
	APIURL string

	// Model is the model identifier sent with each request (optional,
	// defaults to DefaultModel).
	Model string

	// MaxTokens caps the completion length (optional, defaults to 256).
	MaxTokens int

	// PaymentTimeout bounds one payment end to end, including wallet
	// retries (optional, defaults to 30s). The effective deadline is
	// always clamped inside the invoice's expiry.
	PaymentTimeout time.Duration

	// RedeemAttempts bounds the settlement-propagation poll loop
	// (optional, defaults to 5).
	RedeemAttempts int

	// RedeemDelay is the pause between redeem attempts while the upstream
	// has not yet observed settlement (optional, defaults to 500ms).
	RedeemDelay time.Duration

	// HTTPClient is used for upstream requests (optional).
	HTTPClient *http.Client

	// Logger receives state-machine and payment logs (optional, defaults
	// to a no-op logger).
	Logger *zap.Logger
}

func (c *ClientConfig) withDefaults() {
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.PaymentTimeout == 0 {
		c.PaymentTimeout = defaultPaymentTimeout
	}
	if c.RedeemAttempts == 0 {
		c.RedeemAttempts = defaultRedeemAttempts
	}
	if c.RedeemDelay == 0 {
		c.RedeemDelay = defaultRedeemDelay
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Validate checks the config after defaulting.
func (c *ClientConfig) Validate() error {
	if c.MaxTokens < 0 {
		return NewError(ErrCodeInvalidRequest, "max tokens must be positive", nil)
	}
	if c.PaymentTimeout < 0 || c.RedeemAttempts < 0 || c.RedeemDelay < 0 {
		return NewError(ErrCodeInvalidRequest, "timeouts and attempt bounds must be positive", nil)
	}
	return nil
}

// CompleteOptions overrides per-call request parameters.
type CompleteOptions struct {
	// Model overrides the configured model for this call (optional).
	Model string

	// MaxTokens overrides the configured token budget for this call
	// (optional).
	MaxTokens int
}
