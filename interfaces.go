package lightningprox

import (
	"context"
)

// FailureReason classifies a failed payment attempt. The set is closed:
// wallet backends must map provider-specific errors onto one of these
// values rather than inventing new strings, because the executor's retry
// decision and the caller's recovery action both key off it.
type FailureReason string

const (
	// ReasonInsufficientBalance is terminal. Retrying cannot succeed until
	// the wallet is funded.
	ReasonInsufficientBalance FailureReason = "insufficient_balance"

	// ReasonInvoiceExpired is terminal for this invoice. A new quote is
	// required.
	ReasonInvoiceExpired FailureReason = "invoice_expired"

	// ReasonWalletUnreachable is transient. The wallet API could not be
	// reached or answered with a server error; the payment was not made.
	ReasonWalletUnreachable FailureReason = "wallet_unreachable"

	// ReasonRejected is terminal. The wallet refused the invoice itself,
	// e.g. malformed payment request.
	ReasonRejected FailureReason = "rejected"
)

// Terminal reports whether retrying the same invoice can ever succeed.
// Implementations must not downgrade a terminal reason to a transient one
// or vice versa; this predicate is the retry contract.
func (r FailureReason) Terminal() bool {
	return r != ReasonWalletUnreachable
}

// ErrorCode maps the failure reason to its protocol error code.
func (r FailureReason) ErrorCode() string {
	switch r {
	case ReasonInsufficientBalance:
		return ErrCodeInsufficientBalance
	case ReasonInvoiceExpired:
		return ErrCodeInvoiceExpired
	case ReasonWalletUnreachable:
		return ErrCodeWalletUnreachable
	default:
		return ErrCodeRejected
	}
}

// PayResponse is the outcome of one wallet payment attempt. Either Settled
// is true and PaymentHash is set, or Settled is false and FailureReason
// explains why.
type PayResponse struct {
	Settled       bool          `json:"settled"`
	PaymentHash   string        `json:"payment_hash,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	Detail        string        `json:"detail,omitempty"`
}

// WalletBackend is the pluggable payment capability. Implementations pay a
// Lightning invoice against a funded wallet and report confirmed settlement
// or a typed failure.
//
// Settled must mean settled: implementations confirm the payment completed
// from the wallet's perspective before returning a settled PayResponse, not
// merely that the payment was submitted.
//
// A non-nil error means no outcome could be determined (for example the
// context was cancelled while the payment was in flight). Funds may or may
// not have moved; the executor surfaces this as an unknown outcome rather
// than retrying.
type WalletBackend interface {
	Pay(ctx context.Context, paymentRequest string, amountSats int64) (*PayResponse, error)
}

// ProxyClient talks to the upstream metered inference endpoint.
type ProxyClient interface {
	// RequestQuote submits a prompt and returns either the completion
	// (already paid / free tier) or an invoice to pay. Fails with
	// upstream_unavailable on transport error and invalid_request on
	// malformed input.
	RequestQuote(ctx context.Context, req QuoteRequest) (*QuoteResponse, error)

	// Redeem presents proof of payment for a previously issued quote and
	// returns the completion. Fails with payment_not_verified while the
	// upstream has not yet observed settlement (expected during the
	// propagation window, the caller retries), quote_expired once the
	// invoice's validity window has passed, and upstream_unavailable on
	// transport error.
	Redeem(ctx context.Context, quoteID, paymentHash string) (*CompletionResult, error)
}
