package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/nalgeon/be"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("event 3: %w", ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("event 3: %w", ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("calendar: %w", ErrUpstreamGateway), http.StatusBadGateway},
		{ErrReferentialGuard, http.StatusConflict},
		{ErrConflict, http.StatusConflict},
		{ErrInvalidInput, http.StatusBadRequest},
		{ErrExtraction, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		be.Equal(t, HTTPStatus(tt.err), tt.want)
	}
}
