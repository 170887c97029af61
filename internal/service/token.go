package service

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

const (
	// TokenLength at 62 symbols gives ~95 bits of entropy.
	TokenLength   = 16
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	// CodeDigits is the challenge code length; codes are drawn from 00000-99999.
	CodeDigits = 5
)

var codeSpace = big.NewInt(100000)

// Generator mints link tokens and challenge codes.
type Generator interface {
	Token() (string, error)
	Code() (string, error)
}

type randomGenerator struct {
	reader io.Reader
}

// NewRandomGenerator draws from crypto/rand.
func NewRandomGenerator() Generator {
	return &randomGenerator{reader: rand.Reader}
}

func (g *randomGenerator) Token() (string, error) {
	alphabet := big.NewInt(int64(len(tokenAlphabet)))
	buf := make([]byte, TokenLength)
	for i := range buf {
		n, err := rand.Int(g.reader, alphabet)
		if err != nil {
			return "", fmt.Errorf("failed to generate token: %w", err)
		}
		buf[i] = tokenAlphabet[n.Int64()]
	}
	return string(buf), nil
}

func (g *randomGenerator) Code() (string, error) {
	n, err := rand.Int(g.reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("failed to generate challenge code: %w", err)
	}
	return fmt.Sprintf("%05d", n.Int64()), nil
}

// isChallengeInput reports whether text is exactly CodeDigits ASCII digits.
func isChallengeInput(text string) bool {
	if len(text) != CodeDigits {
		return false
	}
	for i := 0; i < len(text); i++ {
		if text[i] < '0' || text[i] > '9' {
			return false
		}
	}
	return true
}
