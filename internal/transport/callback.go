package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxCallbackBytes is the platform limit on callback payloads.
const MaxCallbackBytes = 64

var ErrMalformedCallback = errors.New("malformed callback payload")

type Action string

const (
	ActionNone      Action = ""
	ActionRecheck   Action = "rc"
	ActionReveal    Action = "rv"
	ActionCopy      Action = "cp"
	ActionUsersPage Action = "up"
)

// Callback is the typed payload of a callback control, encoded as <tag>:<arg>.
// Recheck, Reveal and Copy carry a link token; UsersPage carries a page number.
type Callback struct {
	Action Action
	Token  string
	Page   int
}

func Recheck(token string) Callback  { return Callback{Action: ActionRecheck, Token: token} }
func Reveal(token string) Callback   { return Callback{Action: ActionReveal, Token: token} }
func CopyLink(token string) Callback { return Callback{Action: ActionCopy, Token: token} }
func UsersPage(page int) Callback    { return Callback{Action: ActionUsersPage, Page: page} }

func (c Callback) Encode() string {
	if c.Action == ActionUsersPage {
		return string(c.Action) + ":" + strconv.Itoa(c.Page)
	}
	return string(c.Action) + ":" + c.Token
}

func DecodeCallback(data string) (Callback, error) {
	if data == "" || len(data) > MaxCallbackBytes {
		return Callback{}, fmt.Errorf("%w: length %d", ErrMalformedCallback, len(data))
	}
	tag, arg, ok := strings.Cut(data, ":")
	if !ok || arg == "" {
		return Callback{}, fmt.Errorf("%w: %q", ErrMalformedCallback, data)
	}

	switch action := Action(tag); action {
	case ActionRecheck, ActionReveal, ActionCopy:
		if !validToken(arg) {
			return Callback{}, fmt.Errorf("%w: bad token", ErrMalformedCallback)
		}
		return Callback{Action: action, Token: arg}, nil
	case ActionUsersPage:
		page, err := strconv.Atoi(arg)
		if err != nil || page < 1 || strconv.Itoa(page) != arg {
			return Callback{}, fmt.Errorf("%w: bad page %q", ErrMalformedCallback, arg)
		}
		return Callback{Action: action, Page: page}, nil
	}
	return Callback{}, fmt.Errorf("%w: unknown tag %q", ErrMalformedCallback, tag)
}

func validToken(s string) bool {
	if len(s) == 0 || len(s) > 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9') {
			return false
		}
	}
	return true
}
