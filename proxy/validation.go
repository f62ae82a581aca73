package proxy

import (
	"strings"

	lightningprox "github.com/lightningprox/lightningprox-go"
	"github.com/xeipuuv/gojsonschema"
)

// paymentRequiredSchema validates a 402 body before any of it is trusted.
// A malformed invoice must fail loudly here rather than reach the wallet.
const paymentRequiredSchema = `{
	"type": "object",
	"required": ["payment"],
	"properties": {
		"payment": {
			"type": "object",
			"required": ["charge_id", "payment_request", "amount_sats"],
			"properties": {
				"charge_id": {"type": "string", "minLength": 1},
				"payment_request": {"type": "string", "minLength": 1},
				"amount_sats": {"type": "integer", "minimum": 1},
				"expires_at": {"type": "string", "format": "date-time"}
			}
		}
	}
}`

var paymentRequiredLoader = gojsonschema.NewStringLoader(paymentRequiredSchema)

// validatePaymentRequired checks a 402 response body against the schema.
func validatePaymentRequired(body []byte) error {
	result, err := gojsonschema.Validate(paymentRequiredLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return lightningprox.NewError(lightningprox.ErrCodeUpstreamUnavailable,
			"payment required body is not valid JSON: "+err.Error(), nil)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return lightningprox.NewError(lightningprox.ErrCodeUpstreamUnavailable,
			"payment required body failed validation: "+strings.Join(problems, "; "), nil)
	}
	return nil
}
