package lightningprox

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State identifies where a request attempt is in its lifecycle.
type State string

const (
	StateQuoting         State = "quoting"
	StateAwaitingPayment State = "awaiting_payment"
	StatePaying          State = "paying"
	StateRedeeming       State = "redeeming"
	StateDone            State = "done"
	StateFailed          State = "failed"
	StateUnknown         State = "unknown"
)

// requestAttempt tracks one Complete invocation. Attempts are never shared
// across calls; each carries its own invoice and receipt.
type requestAttempt struct {
	id      string
	req     QuoteRequest
	state   State
	invoice *Invoice
	receipt *PaymentReceipt
}

func (a *requestAttempt) transition(log *zap.Logger, next State) {
	log.Debug("state transition",
		zap.String("from", string(a.state)),
		zap.String("to", string(next)),
	)
	a.state = next
}

// Client asks the upstream for a completion and pays for it over Lightning,
// paying at most one invoice per call.
//
// Each call runs the sequence quote -> pay -> redeem; once paying has begun
// the call never requests a new quote, so a payment failure can never lead
// to a second spend inside the same call. Concurrent calls are independent.
type Client struct {
	cfg      ClientConfig
	proxy    ProxyClient
	executor *PaymentExecutor
	logger   *zap.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithProxyClient replaces the upstream proxy client. Used to plug in a
// custom transport or a test double.
func WithProxyClient(proxy ProxyClient) ClientOption {
	return func(c *Client) {
		c.proxy = proxy
	}
}

// WithPaymentExecutor replaces the payment executor.
func WithPaymentExecutor(executor *PaymentExecutor) ClientOption {
	return func(c *Client) {
		c.executor = executor
	}
}

// NewClient creates a client that pays for completions through the given
// wallet backend. Configuration is validated eagerly; a nil wallet fails
// fast here rather than on the first paid request.
func NewClient(cfg ClientConfig, wallet WalletBackend, opts ...ClientOption) (*Client, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.proxy == nil {
		return nil, NewError(ErrCodeInvalidRequest, "proxy client is required", nil)
	}
	if c.executor == nil {
		if wallet == nil {
			return nil, NewError(ErrCodeInvalidRequest, "wallet backend is required for automatic payments", nil)
		}
		c.executor = NewPaymentExecutor(wallet,
			WithPaymentTimeout(cfg.PaymentTimeout),
			WithExecutorLogger(c.logger),
		)
	}

	return c, nil
}

// Complete sends a prompt, pays the returned invoice if the upstream
// requires payment, and returns the completion text.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	result, err := c.CompleteResult(ctx, prompt, nil)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// CompleteResult is Complete with per-call overrides and the full
// completion metadata.
func (c *Client) CompleteResult(ctx context.Context, prompt string, opts *CompleteOptions) (*CompletionResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, NewError(ErrCodeInvalidRequest, "prompt must not be empty", nil)
	}

	attempt := &requestAttempt{
		id:    uuid.NewString(),
		state: StateQuoting,
		req: QuoteRequest{
			Prompt:    prompt,
			Model:     c.cfg.Model,
			MaxTokens: c.cfg.MaxTokens,
		},
	}
	if opts != nil {
		if opts.Model != "" {
			attempt.req.Model = opts.Model
		}
		if opts.MaxTokens != 0 {
			attempt.req.MaxTokens = opts.MaxTokens
		}
	}

	log := c.logger.With(zap.String("attempt_id", attempt.id))
	log.Debug("requesting quote", zap.String("model", attempt.req.Model))

	quote, err := c.proxy.RequestQuote(ctx, attempt.req)
	if err != nil {
		attempt.transition(log, StateFailed)
		return nil, err
	}

	if quote.Paid() {
		// Free tier or already paid upstream: done without touching the
		// wallet.
		attempt.transition(log, StateDone)
		return quote.Completion, nil
	}

	attempt.transition(log, StateAwaitingPayment)
	attempt.invoice = quote.Invoice
	log.Info("payment required",
		zap.String("quote_id", attempt.invoice.QuoteID),
		zap.Int64("amount_sats", attempt.invoice.AmountSats),
		zap.Time("expires_at", attempt.invoice.ExpiresAt),
	)

	attempt.transition(log, StatePaying)
	receipt, err := c.executor.Execute(ctx, attempt.invoice)
	if err != nil {
		// Payment failures are never recovered by re-quoting: a new quote
		// means a new invoice, and paying it could spend funds twice for
		// one logical request. The caller decides whether to call again.
		if ErrorCode(err) == ErrCodeUnknownOutcome {
			attempt.transition(log, StateUnknown)
		} else {
			attempt.transition(log, StateFailed)
		}
		return nil, err
	}
	attempt.receipt = receipt

	attempt.transition(log, StateRedeeming)
	result, err := c.redeem(ctx, log, attempt)
	if err != nil {
		attempt.transition(log, StateFailed)
		return nil, err
	}

	attempt.transition(log, StateDone)
	return result, nil
}

// redeem presents the receipt to the upstream, polling through the
// settlement propagation window. Not-yet-verified responses are expected
// here, not exceptional; the loop is bounded by the configured attempt
// count and by the invoice's remaining validity.
func (c *Client) redeem(ctx context.Context, log *zap.Logger, attempt *requestAttempt) (*CompletionResult, error) {
	inv := attempt.invoice
	receipt := attempt.receipt

	details := map[string]interface{}{
		"quote_id":     inv.QuoteID,
		"payment_hash": receipt.PaymentHash,
		"amount_sats":  inv.AmountSats,
	}

	// The receipt must belong to the invoice paid in this attempt. The
	// executor guarantees this; the check guards against a future proxy or
	// executor swap silently breaking it.
	if receipt.QuoteID != inv.QuoteID {
		return nil, NewError(ErrCodeRejected, "receipt does not match the quoted invoice", details)
	}

	made := 0
	for i := 0; i < c.cfg.RedeemAttempts; i++ {
		made = i + 1
		result, err := c.proxy.Redeem(ctx, inv.QuoteID, receipt.PaymentHash)
		if err == nil {
			return result, nil
		}
		if ErrorCode(err) != ErrCodePaymentNotVerified {
			return nil, err
		}

		log.Debug("settlement not yet visible upstream",
			zap.String("quote_id", inv.QuoteID),
			zap.Int("attempt", i+1),
		)

		if i == c.cfg.RedeemAttempts-1 {
			break
		}
		if inv.TimeToExpiry(time.Now().Add(c.cfg.RedeemDelay)) == 0 && !inv.ExpiresAt.IsZero() {
			break
		}
		select {
		case <-time.After(c.cfg.RedeemDelay):
		case <-ctx.Done():
			details["attempts"] = i + 1
			return nil, NewError(ErrCodeTimeout, "cancelled while waiting for settlement to propagate", details)
		}
	}

	details["attempts"] = made
	return nil, NewError(ErrCodeSettlementTimeout,
		"payment settled but upstream never confirmed it within the redeem window", details)
}
