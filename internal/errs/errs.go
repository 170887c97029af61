// Package errs holds the store sentinels and the domain error taxonomy shared by
// the gateway, the broadcaster and the handlers.
package errs

import (
	"errors"
	"fmt"
)

// Store-level sentinels. Repositories wrap these so callers can use errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrAlreadyCompleted = errors.New("already completed")
)

// Kind classifies a domain failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindTransientStore
	KindTransport
	KindAuthorization
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTransientStore:
		return "transient_store"
	case KindTransport:
		return "transport"
	case KindAuthorization:
		return "authorization"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Msg is safe to show to the user; Err is not.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

func NotFound(op, msg string, err error) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: msg, Err: err}
}

func TransientStore(op string, err error) error {
	return &Error{Kind: KindTransientStore, Op: op, Err: err}
}

func Transport(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func Authorization(op string) error {
	return &Error{Kind: KindAuthorization, Op: op, Msg: "not permitted"}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
