package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"invite-gate/internal/transport"
)

// Descriptions the Bot API returns when a chat can never be reached again.
var permanentDescriptions = []string{
	"bot was blocked by the user",
	"user is deactivated",
	"bot can't initiate conversation",
	"chat not found",
	"user not found",
	"peer_id_invalid",
	"bot was kicked",
}

// classify turns a Bot API failure into a *transport.DeliveryError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		reason := "network"
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			reason = "timeout"
		}
		return &transport.DeliveryError{Op: op, Reason: reason, Err: err}
	}

	desc := strings.ToLower(apiErr.Message)
	de := &transport.DeliveryError{Op: op, Code: apiErr.Code, Reason: desc, Err: err}
	switch apiErr.Code {
	case http.StatusForbidden:
		de.Permanent = true
	case http.StatusBadRequest:
		de.Permanent = matchesAny(desc, permanentDescriptions)
	case http.StatusTooManyRequests:
		de.Reason = "rate limited"
	}
	return de
}

func isNotModified(err error) bool {
	var apiErr *tgbotapi.Error
	return errors.As(err, &apiErr) && strings.Contains(strings.ToLower(apiErr.Message), "message is not modified")
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func matchesAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
