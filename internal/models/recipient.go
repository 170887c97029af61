package models

import "time"

// Recipient is a known user of the bot.
type Recipient struct {
	ID               int64     `json:"id"`
	DisplayName      string    `json:"display_name,omitempty"`
	Handle           string    `json:"handle,omitempty"`
	FirstSeenAt      time.Time `json:"first_seen_at"`
	LastActiveAt     time.Time `json:"last_active_at"`
	InteractionCount int64     `json:"interaction_count"`
}

// Profile is the metadata carried by an inbound event. Empty strings mean the
// platform sent no value.
type Profile struct {
	ID          int64
	DisplayName string
	Handle      string
}
