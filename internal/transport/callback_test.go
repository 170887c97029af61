package transport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallback_RoundTrip(t *testing.T) {
	for _, cb := range []Callback{
		Recheck("AbCdEfGh12345678"),
		Reveal("AbCdEfGh12345678"),
		CopyLink("x1"),
		UsersPage(3),
	} {
		encoded := cb.Encode()
		assert.LessOrEqual(t, len(encoded), MaxCallbackBytes)

		got, err := DecodeCallback(encoded)
		require.NoError(t, err, encoded)
		assert.Equal(t, cb, got)
	}
}

func TestDecodeCallback_Rejects(t *testing.T) {
	for _, data := range []string{
		"",
		"rc",
		"rc:",
		"check_AbCd",
		"zz:token",
		"rc:bad token",
		"rc:tok/../en",
		"up:0",
		"up:-1",
		"up:01",
		"up:abc",
		"cp:" + strings.Repeat("a", 33),
		"rc:" + strings.Repeat("a", 70),
	} {
		_, err := DecodeCallback(data)
		assert.ErrorIs(t, err, ErrMalformedCallback, data)
	}
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(&DeliveryError{Op: "send", Code: 403, Reason: "blocked", Permanent: true}))
	assert.False(t, IsPermanent(&DeliveryError{Op: "send", Code: 429, Reason: "flood"}))
	assert.False(t, IsPermanent(assert.AnError))
	assert.Equal(t, "blocked", Reason(&DeliveryError{Reason: "blocked"}))
}
