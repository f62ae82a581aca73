package lightningprox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// payRetries is the number of attempts for transient wallet failures.
const payRetries = 3

// payRetryBaseDelay is the base delay for exponential backoff between
// attempts.
const payRetryBaseDelay = 500 * time.Millisecond

// expiryMargin keeps the payment deadline comfortably inside the invoice's
// expiry so a payment dispatched at the deadline cannot land on an expired
// invoice.
const expiryMargin = 2 * time.Second

// PaymentExecutor drives a WalletBackend to pay one invoice, retrying
// transient failures with bounded exponential backoff and surfacing
// terminal failures after a single attempt.
type PaymentExecutor struct {
	wallet         WalletBackend
	timeout        time.Duration
	retryBaseDelay time.Duration
	logger         *zap.Logger
}

// ExecutorOption configures the executor
type ExecutorOption func(*PaymentExecutor)

// WithPaymentTimeout sets the overall payment deadline.
func WithPaymentTimeout(d time.Duration) ExecutorOption {
	return func(e *PaymentExecutor) {
		e.timeout = d
	}
}

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(logger *zap.Logger) ExecutorOption {
	return func(e *PaymentExecutor) {
		e.logger = logger
	}
}

// NewPaymentExecutor creates an executor around a wallet backend.
func NewPaymentExecutor(wallet WalletBackend, opts ...ExecutorOption) *PaymentExecutor {
	e := &PaymentExecutor{
		wallet:         wallet,
		timeout:        defaultPaymentTimeout,
		retryBaseDelay: payRetryBaseDelay,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute pays the invoice and returns a receipt once the wallet confirms
// settlement.
//
// The invoice is consumed on entry: a second Execute on the same instance
// fails with rejected before any wallet call is made. Terminal wallet
// failures are surfaced after exactly one payment attempt. Only
// wallet_unreachable is retried, with exponential backoff capped by the
// remaining time to the invoice's expiry. If the context ends while a
// payment is in flight the outcome is ambiguous and Execute returns
// unknown_outcome; the caller must check wallet history, not retry.
func (e *PaymentExecutor) Execute(ctx context.Context, inv *Invoice) (*PaymentReceipt, error) {
	details := map[string]interface{}{
		"quote_id":    inv.QuoteID,
		"amount_sats": inv.AmountSats,
	}

	if !inv.consume() {
		return nil, NewError(ErrCodeRejected, "invoice already consumed by an earlier payment attempt", details)
	}

	now := time.Now()
	if inv.Expired(now) {
		return nil, NewError(ErrCodeInvoiceExpired, "invoice expired before payment", details)
	}

	deadline := now.Add(e.timeout)
	if !inv.ExpiresAt.IsZero() {
		if margin := inv.ExpiresAt.Add(-expiryMargin); margin.Before(deadline) {
			deadline = margin
		}
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var lastDetail string
	attempts := 0
	for attempt := 0; attempt < payRetries; attempt++ {
		attempts = attempt + 1
		e.logger.Debug("paying invoice",
			zap.String("quote_id", inv.QuoteID),
			zap.Int64("amount_sats", inv.AmountSats),
			zap.Int("attempt", attempt+1),
		)

		resp, err := e.wallet.Pay(ctx, inv.PaymentRequest, inv.AmountSats)
		if err != nil {
			// No outcome from the wallet: the payment may or may not have
			// gone through. Resolve to an explicit unknown state so the
			// caller checks wallet history instead of retrying blindly.
			details["attempts"] = attempt + 1
			msg := "payment outcome unknown: " + err.Error() + "; check wallet history before retrying"
			if ctx.Err() != nil {
				msg = "payment outcome unknown: cancelled while payment was in flight; check wallet history before retrying"
			}
			return nil, NewError(ErrCodeUnknownOutcome, msg, details)
		}

		if resp.Settled {
			e.logger.Info("payment settled",
				zap.String("quote_id", inv.QuoteID),
				zap.String("payment_hash", resp.PaymentHash),
				zap.Int64("amount_sats", inv.AmountSats),
			)
			return &PaymentReceipt{
				QuoteID:     inv.QuoteID,
				PaymentHash: resp.PaymentHash,
				Settled:     true,
				SettledAt:   time.Now(),
			}, nil
		}

		if resp.FailureReason.Terminal() {
			details["attempts"] = attempt + 1
			msg := "wallet refused payment"
			if resp.Detail != "" {
				msg = resp.Detail
			}
			return nil, NewError(resp.FailureReason.ErrorCode(), msg, details)
		}

		lastDetail = resp.Detail

		// Transient: back off, but never past the payment deadline.
		if attempt < payRetries-1 {
			delay := e.retryBaseDelay * time.Duration(1<<uint(attempt))
			if remaining := time.Until(deadline); delay > remaining {
				break
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				details["attempts"] = attempt + 1
				return nil, NewError(ErrCodeWalletUnreachable, "payment deadline reached while waiting to retry", details)
			}
		}
	}

	details["attempts"] = attempts
	msg := "wallet unreachable after retries"
	if lastDetail != "" {
		msg = lastDetail
	}
	return nil, NewError(ErrCodeWalletUnreachable, msg, details)
}
