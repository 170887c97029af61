package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_ThroughWrapping(t *testing.T) {
	base := NotFound("Resolve", "link expired", ErrNotFound)
	wrapped := fmt.Errorf("gateway: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindNotFound))
	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.False(t, Is(nil, KindNotFound))
}

func TestError_Message(t *testing.T) {
	require.EqualError(t, Validation("CreateLink", "unsupported link"), "CreateLink: unsupported link")
	require.EqualError(t, TransientStore("Consume", errors.New("i/o timeout")), "Consume: i/o timeout")
	assert.Equal(t, "authorization", KindOf(Authorization("RunBroadcast")).String())
}
