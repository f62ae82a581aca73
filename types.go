package lightningprox

import (
	"sync/atomic"
	"time"
)

// Invoice is a priced Lightning payment request issued by the upstream for
// one quote. The payment request and quote id are opaque tokens; BOLT11
// decoding happens nowhere in this module.
//
// An Invoice is consumed by exactly one payment attempt. PaymentExecutor
// marks it consumed before dispatching the payment, so a second Execute on
// the same instance fails without touching the wallet.
type Invoice struct {
	QuoteID        string    `json:"quote_id"`
	PaymentRequest string    `json:"payment_request"`
	AmountSats     int64     `json:"amount_sats"`
	ExpiresAt      time.Time `json:"expires_at"`

	consumed atomic.Bool
}

// consume marks the invoice as spent. Returns false if it was already
// consumed by an earlier payment attempt.
func (inv *Invoice) consume() bool {
	return inv.consumed.CompareAndSwap(false, true)
}

// Expired reports whether the invoice's validity window has passed.
func (inv *Invoice) Expired(now time.Time) bool {
	return !inv.ExpiresAt.IsZero() && now.After(inv.ExpiresAt)
}

// TimeToExpiry returns the remaining validity window, or zero if expired.
func (inv *Invoice) TimeToExpiry(now time.Time) time.Duration {
	if inv.ExpiresAt.IsZero() {
		return 0
	}
	d := inv.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// PaymentReceipt is proof that the wallet confirmed settlement of one
// invoice. It is only ever created after the wallet backend reports the
// payment settled, never on "submitted". It lives for the duration of a
// single Complete call and is never persisted.
type PaymentReceipt struct {
	QuoteID     string    `json:"quote_id"`
	PaymentHash string    `json:"payment_hash"`
	Settled     bool      `json:"settled"`
	SettledAt   time.Time `json:"settled_at,omitempty"`
}

// CompletionResult is the final artifact returned to the caller.
type CompletionResult struct {
	Text       string `json:"text"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used"`
}

// QuoteRequest carries one prompt submission to the upstream.
type QuoteRequest struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
}

// QuoteResponse is the upstream's answer to a quote request: either the
// completion itself (free tier, already paid) or an invoice to pay first.
// Exactly one of the two fields is set.
type QuoteResponse struct {
	Completion *CompletionResult
	Invoice    *Invoice
}

// Paid reports whether the upstream served the completion without payment.
func (q *QuoteResponse) Paid() bool {
	return q.Completion != nil
}
