package apperr

import (
	"errors"
	"fmt"
)

const (
	CodeAuthRejected         = "AUTH_REJECTED"
	CodeInvalidToken         = "INVALID_TOKEN"
	CodeExpiredToken         = "EXPIRED_TOKEN"
	CodeSignatureMismatch    = "SIGNATURE_MISMATCH"
	CodeMalformedChannel     = "MALFORMED_CHANNEL"
	CodeMalformedEnvelope    = "MALFORMED_ENVELOPE"
	CodeBackplaneUnavailable = "BACKPLANE_UNAVAILABLE"
	CodeSlowConsumer         = "SLOW_CONSUMER"
	CodeDeliveryFailure      = "DELIVERY_FAILURE"
	CodeTenantConflict       = "TENANT_CONFLICT"
	CodeConfigInvalid        = "CONFIG_INVALID"
	CodeValidation           = "VALIDATION"
)

// CodedError is a typed error used for stable log fields and API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// New returns a *CodedError.
func New(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// CodeOf returns the code of the first CodedError in err's chain, or "".
func CodeOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// IsAuth reports whether err is one of the token rejection codes.
func IsAuth(err error) bool {
	switch CodeOf(err) {
	case CodeAuthRejected, CodeInvalidToken, CodeExpiredToken, CodeSignatureMismatch:
		return true
	}
	return false
}
