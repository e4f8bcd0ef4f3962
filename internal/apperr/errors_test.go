package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	wrapped := fmt.Errorf("activate: %w", ErrCapacityExhausted)
	assert.True(t, errors.Is(wrapped, ErrCapacityExhausted))
	assert.False(t, errors.Is(wrapped, ErrLicenseNotFound))

	custom := ErrInvalidInput.WithMessage("quantity must be positive")
	assert.True(t, errors.Is(custom, ErrInvalidInput))
	assert.Equal(t, "quantity must be positive", custom.Error())
}

func TestTransientWrapsCause(t *testing.T) {
	cause := errors.New("database is locked")
	err := Transient(cause)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransient))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindTransient, KindOf(err))
	assert.Nil(t, Transient(nil))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
	}{
		{ErrLicenseNotFound, KindNotFound},
		{ErrLicenseExpired, KindNotFound},
		{ErrDuplicateEmail, KindConflict},
		{ErrCapacityExhausted, KindCapacityExhausted},
		{ErrInvalidHierarchy, KindInvalidHierarchy},
		{ErrLicenseForbidden, KindForbidden},
		{errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, KindOf(tt.err), "kind of %v", tt.err)
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, KindNotFound.HTTPStatus())
	assert.Equal(t, http.StatusConflict, KindCapacityExhausted.HTTPStatus())
	assert.Equal(t, http.StatusUnprocessableEntity, KindInvalidHierarchy.HTTPStatus())
	assert.Equal(t, http.StatusForbidden, KindForbidden.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, KindTransient.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, KindInvalidInput.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindUnknown.HTTPStatus())
}

func TestDistinctCodes(t *testing.T) {
	all := []*Error{
		ErrLicenseNotFound, ErrLicenseExpired, ErrLicenseForbidden, ErrLicenseNotAvailable,
		ErrCapacityExhausted, ErrDuplicateKey, ErrAccountNotFound, ErrAccountInactive,
		ErrNotReseller, ErrDuplicateEmail, ErrInvalidHierarchy, ErrRequestNotFound,
		ErrRequestAlreadyPending, ErrRequestNotPending, ErrForbidden, ErrInvalidInput, ErrTransient,
	}
	seen := make(map[string]bool)
	for _, e := range all {
		assert.False(t, seen[e.Code], "duplicate code %s", e.Code)
		seen[e.Code] = true
		assert.NotEmpty(t, e.Message)
	}
}
