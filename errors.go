package lightningprox

import (
	"errors"
	"fmt"
)

// Error represents a payment-protocol error
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes surfaced by Complete. Each code requires a different caller
// action: insufficient_balance means fund the wallet, wallet_unreachable
// means check connectivity, quote_expired means funds were spent but the
// result was never delivered.
const (
	ErrCodeInvalidRequest      = "invalid_request"
	ErrCodeUpstreamUnavailable = "upstream_unavailable"
	ErrCodeWalletUnreachable   = "wallet_unreachable"
	ErrCodeInsufficientBalance = "insufficient_balance"
	ErrCodeInvoiceExpired      = "invoice_expired"
	ErrCodeQuoteExpired        = "quote_expired"
	ErrCodeRejected            = "rejected"
	ErrCodePaymentNotVerified  = "payment_not_verified"
	ErrCodeSettlementTimeout   = "settlement_timeout"
	ErrCodeTimeout             = "timeout"
	ErrCodeUnknownOutcome      = "unknown_outcome"
)

// NewError creates a new protocol error
func NewError(code, message string, details map[string]interface{}) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ErrorCode extracts the protocol error code from err, or "" if err is not
// a protocol error.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
