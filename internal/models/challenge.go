package models

import "time"

// Challenge is a pending CAPTCHA for one (recipient, token) pair.
type Challenge struct {
	RecipientID int64     `json:"recipient_id"`
	Token       string    `json:"token"`
	Code        string    `json:"code"`
	IssuedAt    time.Time `json:"issued_at"`
}

// ExpiresAt is informational; the store's TTL is what actually expires the challenge.
func (c *Challenge) ExpiresAt(ttl time.Duration) time.Time {
	return c.IssuedAt.Add(ttl)
}
