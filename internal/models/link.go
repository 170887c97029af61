package models

import "time"

// ProtectedLink maps an opaque token to the resource it guards.
type ProtectedLink struct {
	Token        string    `json:"token"`
	TargetURL    string    `json:"-"`
	OwnerID      int64     `json:"owner_id"`
	CreatedAt    time.Time `json:"created_at"`
	ReleaseCount int64     `json:"release_count"`
}
