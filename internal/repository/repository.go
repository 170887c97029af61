package repository

import (
	"context"
	"time"

	"invite-gate/internal/models"
)

// LinkStore persists protected links. Expiry is the store's native TTL.
type LinkStore interface {
	// Create inserts link; errs.ErrAlreadyExists when the token is taken.
	Create(ctx context.Context, link *models.ProtectedLink) error
	// Resolve returns errs.ErrNotFound once the link is gone or expired.
	Resolve(ctx context.Context, token string) (*models.ProtectedLink, error)
	// RecordRelease increments the release counter and returns the new value;
	// errs.ErrNotFound when the link has expired.
	RecordRelease(ctx context.Context, token string) (int64, error)
	Count(ctx context.Context) (int64, error)
	CountCreatedSince(ctx context.Context, since time.Time) (int64, error)
}

// ChallengeStore persists at most one live challenge per recipient.
type ChallengeStore interface {
	// Replace drops any live challenge of ch.RecipientID and stores ch.
	Replace(ctx context.Context, ch *models.Challenge) error
	// ReserveCode claims code for recipientID; false when another live challenge holds it.
	ReserveCode(ctx context.Context, code string, recipientID int64) (bool, error)
	// ReleaseCode drops a reservation that never became a challenge.
	ReleaseCode(ctx context.Context, code string) error
	// Consume atomically removes and returns the live challenge; errs.ErrNotFound
	// when there is none or another caller consumed it first.
	Consume(ctx context.Context, recipientID int64) (*models.Challenge, error)
	// Peek reads the live challenge without consuming it.
	Peek(ctx context.Context, recipientID int64) (*models.Challenge, error)
	Count(ctx context.Context) (int64, error)
}

// RecipientDirectory is the set of known recipients.
type RecipientDirectory interface {
	// Touch inserts the recipient if absent and always refreshes activity fields.
	Touch(ctx context.Context, p models.Profile) error
	Get(ctx context.Context, id int64) (*models.Recipient, error)
	// Delete is idempotent and reports whether a record was removed.
	Delete(ctx context.Context, id int64) (bool, error)
	SnapshotIDs(ctx context.Context) ([]int64, error)
	Count(ctx context.Context) (int64, error)
	CountActiveSince(ctx context.Context, since time.Time) (int64, error)
	TopByInteractions(ctx context.Context, n int) ([]*models.Recipient, error)
	ListByActivity(ctx context.Context, offset, limit int) ([]*models.Recipient, error)
}

// BroadcastRunStore persists broadcast progress records.
type BroadcastRunStore interface {
	Create(ctx context.Context, run *models.BroadcastRun) error
	UpdateProgress(ctx context.Context, id string, succeeded, failed int) error
	// Complete moves the run to completed; errs.ErrAlreadyCompleted on a second call.
	Complete(ctx context.Context, id string, succeeded, failed int, completedAt time.Time) error
	Get(ctx context.Context, id string) (*models.BroadcastRun, error)
	Count(ctx context.Context) (int64, error)
}

// DeliveryRecorder stores per-recipient delivery outcomes for analytics.
type DeliveryRecorder interface {
	RecordDeliveries(ctx context.Context, outcomes []models.DeliveryOutcome) error
}
