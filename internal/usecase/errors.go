package usecase

import (
	"errors"
	"fmt"
	"net/http"

	"metra-client/internal/integrations/metra"
	"metra-client/internal/schema"
)

type ErrorCode string

const (
	ErrorNetwork        ErrorCode = "NETWORK_ERROR"
	ErrorNotFound       ErrorCode = "NOT_FOUND"
	ErrorValidation     ErrorCode = "VALIDATION_ERROR"
	ErrorSchemaParse    ErrorCode = "SCHEMA_PARSE_ERROR"
	ErrorSchemaNotFound ErrorCode = "SCHEMA_NOT_FOUND"
	ErrorStream         ErrorCode = "STREAM_ERROR"
	ErrorStreamInFlight ErrorCode = "STREAM_IN_FLIGHT"
	ErrorAuth           ErrorCode = "AUTH_ERROR"
)

// Error is returned by every Manager operation. Reason is the
// human-readable text also written to State.LastError.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ""
}

// fromAPI classifies an API client failure. fallback is used as the
// reason when the backend sent no detail.
func fromAPI(err error, fallback string) *Error {
	var statusErr *metra.HTTPStatusError
	if !errors.As(err, &statusErr) {
		return newError(ErrorNetwork, fallback, err)
	}
	reason := statusErr.Detail
	if reason == "" {
		reason = fallback
	}
	switch statusErr.HTTPStatusCode() {
	case http.StatusNotFound:
		return newError(ErrorNotFound, reason, err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return newError(ErrorAuth, reason, err)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return newError(ErrorValidation, reason, err)
	default:
		return newError(ErrorNetwork, reason, err)
	}
}

func fromSchema(err error) *Error {
	if errors.Is(err, schema.ErrSchemaNotFound) {
		return newError(ErrorSchemaNotFound, "no task schema found in the conversation", err)
	}
	return newError(ErrorSchemaParse, "task schema could not be parsed", err)
}
