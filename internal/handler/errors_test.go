package handler

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"backend/internal/service"

	"github.com/stretchr/testify/assert"
)

func TestStatusFromError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("%w: invoice 7", service.ErrNotFound), http.StatusNotFound},
		{"conflict", fmt.Errorf("%w: email taken", service.ErrConflict), http.StatusConflict},
		{"invalid transition", fmt.Errorf("%w: paid to open", service.ErrInvalidTransition), http.StatusConflict},
		{"total mismatch", fmt.Errorf("%w: total", service.ErrTotalMismatch), http.StatusUnprocessableEntity},
		{"validation", fmt.Errorf("%w: bad date", service.ErrValidation), http.StatusBadRequest},
		{"allocation retryable", fmt.Errorf("%w: deadlock", service.ErrAllocationFailed), http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, statusFromError(tc.err))
		})
	}
}
