package models

import "time"

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
)

// BroadcastRun is the progress record of one fan-out.
type BroadcastRun struct {
	ID              string     `json:"id"`
	InitiatorID     int64      `json:"initiator_id"`
	PayloadKind     string     `json:"payload_kind"`
	TotalRecipients int        `json:"total_recipients"`
	Succeeded       int        `json:"succeeded"`
	Failed          int        `json:"failed"`
	Status          RunStatus  `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Processed counts recipients attempted so far.
func (r *BroadcastRun) Processed() int {
	return r.Succeeded + r.Failed
}

// SuccessRate is a percentage of the snapshot size.
func (r *BroadcastRun) SuccessRate() float64 {
	if r.TotalRecipients == 0 {
		return 0
	}
	return float64(r.Succeeded) / float64(r.TotalRecipients) * 100
}

// DeliveryOutcome is one attempted delivery inside a run.
type DeliveryOutcome struct {
	RunID       string
	RecipientID int64
	Delivered   bool
	Permanent   bool
	Removed     bool
	Reason      string
	At          time.Time
}
