package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError_IsErrValidation(t *testing.T) {
	err := fmt.Errorf("resize: %w", Invalid("cols", "must be positive"))

	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "resize: cols: must be positive", err.Error())

	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
	assert.Equal(t, "cols", ve.Field)
}

func TestValidationError_NoField(t *testing.T) {
	err := Invalid("", "command is empty")
	assert.Equal(t, "command is empty", err.Error())
}
