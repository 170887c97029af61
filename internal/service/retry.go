package service

import (
	"context"
	"errors"
	"fmt"

	"invite-gate/internal/errs"
)

// Retry policy constants.
const (
	// CodeCollisionAttempts caps how many challenge codes are drawn before a
	// live-code collision is treated as a store failure.
	CodeCollisionAttempts = 5
	// StoreAttempts is one call plus one retry at the gateway boundary.
	StoreAttempts = 2
	// TokenAttempts is one generation plus one immediate retry on a duplicate token.
	TokenAttempts = 2
)

// RetryPolicy bounds a retried operation. A nil Retryable retries every error.
type RetryPolicy struct {
	Name      string
	Attempts  int
	Retryable func(error) bool
}

var (
	storePolicy = RetryPolicy{Name: "store", Attempts: StoreAttempts, Retryable: isTransientStoreError}
	tokenPolicy = RetryPolicy{Name: "token", Attempts: TokenAttempts, Retryable: func(err error) bool {
		return errors.Is(err, errs.ErrAlreadyExists) || isTransientStoreError(err)
	}}
	codePolicy = RetryPolicy{Name: "challenge_code", Attempts: CodeCollisionAttempts, Retryable: func(err error) bool {
		return errors.Is(err, errCodeCollision)
	}}
)

var errCodeCollision = errors.New("challenge code collides with a live challenge")

// ExhaustedError reports that every attempt of a policy failed.
type ExhaustedError struct {
	Policy   string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Policy, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retry runs fn until it succeeds, returns a non-retryable error, ctx ends, or
// the policy's attempts are used up.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) error) error {
	attempts := max(p.Attempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(err, ctxErr)
		}
	}
	return &ExhaustedError{Policy: p.Name, Attempts: attempts, Err: err}
}

// isTransientStoreError is true for connectivity-class failures. Store
// outcomes with meaning (not found, duplicate, completed) are final.
func isTransientStoreError(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, errs.ErrNotFound),
		errors.Is(err, errs.ErrAlreadyExists),
		errors.Is(err, errs.ErrAlreadyCompleted),
		errors.Is(err, context.Canceled),
		errs.KindOf(err) != errs.KindUnknown:
		return false
	}
	return true
}
