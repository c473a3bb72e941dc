// Package apperr holds the error kinds shared by the pipeline and the HTTP layer.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrExtraction: model call or response parsing failed. Batch callers skip the message.
	ErrExtraction = errors.New("extraction failed")
	// ErrNotFound: user, token record, email or event absent.
	ErrNotFound = errors.New("not found")
	// ErrForbidden: the record exists but belongs to another user.
	ErrForbidden = errors.New("forbidden")
	// ErrUpstreamGateway: mailbox or calendar API call failed; local state is unchanged.
	ErrUpstreamGateway = errors.New("upstream gateway error")
	// ErrReferentialGuard: email still referenced by calendar events.
	ErrReferentialGuard = errors.New("email is referenced by calendar events")
	// ErrInvalidInput: request validation failed.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict: unique key already taken (e.g. duplicate registration).
	ErrConflict = errors.New("conflict")
)

// HTTPStatus maps an error to the status code the API renders for it.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrUpstreamGateway):
		return http.StatusBadGateway
	case errors.Is(err, ErrReferentialGuard), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
