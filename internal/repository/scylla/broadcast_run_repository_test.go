package scylla

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invite-gate/internal/errs"
)

func TestCasError(t *testing.T) {
	assert.NoError(t, casError("r", true, map[string]interface{}{}))

	err := casError("r", false, map[string]interface{}{"status": "completed"})
	require.ErrorIs(t, err, errs.ErrAlreadyCompleted)

	err = casError("r", false, map[string]interface{}{})
	require.ErrorIs(t, err, errs.ErrNotFound)
}
