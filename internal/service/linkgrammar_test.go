package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invite-gate/internal/errs"
)

func TestLinkGrammar_Accepts(t *testing.T) {
	g := NewLinkGrammar([]string{"t.me", "telegram.me", "example.test"})
	cases := map[string]string{
		"https://t.me/joinchat/ABCD1234":        "https://t.me/joinchat/ABCD1234",
		"https://T.ME/+AbCdEf_12":               "https://t.me/+AbCdEf_12",
		"https://example.test/joingroup/abc123": "https://example.test/joingroup/abc123",
		"https://telegram.me/some_channel/":     "https://telegram.me/some_channel",
		"https://t.me/addlist/xYz12":            "https://t.me/addlist/xYz12",
		"  https://t.me/gopher_news  ":          "https://t.me/gopher_news",
	}
	for raw, want := range cases {
		got, err := g.Validate(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got)
	}
}

func TestLinkGrammar_Rejects(t *testing.T) {
	g := NewLinkGrammar([]string{"t.me"})
	for _, raw := range []string{
		"",
		"http://t.me/joinchat/ABCD1234",
		"https://evil.example/joinchat/ABCD1234",
		"https://t.me.evil.example/joinchat/ABCD1234",
		"https://user@t.me/joinchat/ABCD1234",
		"https://t.me:8443/joinchat/ABCD1234",
		"https://t.me/joinchat/ABCD1234?x=1",
		"https://t.me/joinchat/ABCD1234#frag",
		"https://t.me/joinchat/ab",
		"https://t.me/abc",
		"https://t.me/1channel",
		"https://t.me/joinchat/ABCD1234/extra",
		"javascript:alert(1)",
		"t.me/joinchat/ABCD1234",
	} {
		_, err := g.Validate(raw)
		assert.True(t, errs.Is(err, errs.KindValidation), raw)
	}
}
