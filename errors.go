package x402

import "fmt"

// Rejection reasons returned in VerifyResponse.InvalidReason and
// SettleResponse.Error. These are wire-visible strings: the facade forwards
// them verbatim, so they never change meaning between releases.
const (
	ReasonMalformedEnvelope    = "MalformedEnvelope"
	ReasonUnsupportedScheme    = "UnsupportedScheme"
	ReasonUnsupportedNetwork   = "UnsupportedNetwork"
	ReasonNotYetValid          = "NotYetValid"
	ReasonExpired              = "Expired"
	ReasonInvalidTimeWindow    = "InvalidTimeWindow"
	ReasonDestinationMismatch  = "DestinationMismatch"
	ReasonAmountExceedsMax     = "AmountExceedsMax"
	ReasonNonceReplayed        = "NonceReplayed"
	ReasonSignatureMismatch    = "SignatureMismatch"
	ReasonInsufficientBalance  = "InsufficientBalance"
	ReasonAlreadySettled       = "AlreadySettled"
	ReasonPercentageOutOfRange = "PercentageOutOfRange"

	// ReasonTreasuryNotConfigured is informational only: a policy without a
	// treasury address keeps the treasury share at zero, it never rejects a
	// settlement.
	ReasonTreasuryNotConfigured = "TreasuryNotConfigured"
)

// PaymentError carries a rejection reason together with the detail an
// operator needs in logs. Validation failures travel as response values, not
// Go errors; PaymentError is reserved for the setter operations where the
// caller receives an error directly.
type PaymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPaymentError creates a payment error with the given reason code.
func NewPaymentError(code, format string, args ...interface{}) *PaymentError {
	return &PaymentError{Code: code, Message: fmt.Sprintf(format, args...)}
}
