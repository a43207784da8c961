package dispatcher

import (
	"errors"
	"strings"
)

// MissingFieldsMessage is the failure text recorded for records that lack a
// token, title or body.
const MissingFieldsMessage = "Missing required fields"

// ValidationError reports which required fields were missing or empty.
// Its message is always MissingFieldsMessage so the recorded error is stable.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return MissingFieldsMessage
}

// Detail includes the names of the missing fields, for logs.
func (e *ValidationError) Detail() string {
	return MissingFieldsMessage + ": " + strings.Join(e.Missing, ", ")
}

// DeliveryError wraps a failure returned by the push gateway.
// Error() is the gateway's own message.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsDelivery reports whether err is (or wraps) a DeliveryError.
func IsDelivery(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}
