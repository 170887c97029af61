package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeDisplay(t *testing.T) {
	assert.Equal(t, "", SanitizeDisplay("   "))
	assert.Equal(t, "Alice Bob", SanitizeDisplay("  Alice\x00 Bob\n"))
	assert.Equal(t, 64, len([]rune(SanitizeDisplay(strings.Repeat("ж", 100)))))
}

func TestSanitizeHandle(t *testing.T) {
	assert.Equal(t, "alice", SanitizeHandle("@alice"))
	assert.Equal(t, "", SanitizeHandle("two words"))
	assert.Equal(t, "", SanitizeHandle(""))
}
