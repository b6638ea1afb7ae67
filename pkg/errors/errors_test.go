package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusCodeAndCode(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("lookup 42: %w", ErrEntityNotFound), http.StatusNotFound, "entity_not_found"},
		{fmt.Errorf("source UN: %w", ErrRunInProgress), http.StatusConflict, "run_in_progress"},
		{fmt.Errorf("min_score: %w", ErrInvalidInput), http.StatusBadRequest, "invalid_input"},
		{fmt.Errorf("fetch: %w", ErrNetwork), http.StatusBadGateway, "network"},
		{fmt.Errorf("query: %w", ErrStoreUnavailable), http.StatusServiceUnavailable, "store_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatusCode(tt.err))
			assert.Equal(t, tt.code, Code(tt.err))
		})
	}
	assert.Equal(t, "internal", Code(nil))
}

func TestIsRunFailure(t *testing.T) {
	assert.True(t, IsRunFailure(fmt.Errorf("ofac: %w", ErrSchemaDrift)))
	assert.True(t, IsRunFailure(fmt.Errorf("apply: %w", ErrReconciliation)))
	assert.False(t, IsRunFailure(fmt.Errorf("entry 3: %w", ErrRecord)))
	assert.False(t, IsRunFailure(nil))
}

func TestFirstSentinelWins(t *testing.T) {
	err := fmt.Errorf("%w: %w", ErrTimeout, ErrNetwork)
	assert.Equal(t, "timeout", Code(err))
}
