package apierrors

import (
	"errors"
	"strings"
)

// MapError converts errors to APIErrors.
//
// If the error is already an APIError, it returns it as-is.
// If the error is unknown, it returns a sanitized InternalError (500).
func MapError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	return mapExternalServiceError(err)
}

// mapExternalServiceError identifies telephony provider errors by message content.
func mapExternalServiceError(err error) *APIError {
	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "twiml") || strings.Contains(errMsg, "twilio") {
		return ServiceUnavailable(CodeTelephonyError, "Telephony provider is temporarily unavailable. Please try again later.", err)
	}

	return InternalError(err)
}
