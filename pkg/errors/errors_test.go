package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	err := Validation("unknown_parameter", "parameter %q is not recognized", "bogus")

	assert.True(t, IsValidation(err))
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "bogus")
}

func TestComponentErrorWrapsCause(t *testing.T) {
	cause := errors.New("analyzer blew up")
	err := Component("quality", "analyze_record", cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsRetryable(err))
	assert.False(t, IsValidation(err))
	assert.Contains(t, err.Error(), "quality")
	assert.Contains(t, err.Error(), "analyze_record")
}

func TestIsMatchesByTypeAndCode(t *testing.T) {
	a := Validation("invalid_metric_kind", "kind %q", "nope")
	b := Validation("invalid_metric_kind", "kind %q", "other")
	c := Validation("unknown_parameter", "param")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestIsValidationThroughWrapping(t *testing.T) {
	inner := Validation("invalid_metric_kind", "bad kind")
	wrapped := fmt.Errorf("recording failed: %w", inner)

	assert.True(t, IsValidation(wrapped))
}

func TestPersistenceError(t *testing.T) {
	err := Persistence("save", errors.New("connection refused"))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, ErrorTypePersistence, err.Type)
}
