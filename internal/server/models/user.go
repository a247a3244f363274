// Package models defines server-side data models persisted in the database.
package models

import "time"

// User is an account that authenticates with username, password and HWID.
type User struct {
	ID           string
	UserName     string
	Email        string
	PasswordHash string
	// Hwid is empty while the account is not yet bound to a machine.
	Hwid         string
	RegisteredAt time.Time
	LastLoginAt  time.Time
	// SubscriptionExpiresAt is a Unix timestamp; 0 means no subscription gating.
	SubscriptionExpiresAt int64
	IsBanned              bool
	BanReason             string
}

// SubscriptionActive reports whether the account may log in at now. The
// expiry second itself is still inside the subscription.
func (u *User) SubscriptionActive(now time.Time) bool {
	return u.SubscriptionExpiresAt == 0 || u.SubscriptionExpiresAt >= now.Unix()
}

// ExtendSubscription returns the expiry after adding d to the later of now
// and the current expiry.
func (u *User) ExtendSubscription(now time.Time, d time.Duration) int64 {
	base := now.Unix()
	if u.SubscriptionExpiresAt > base {
		base = u.SubscriptionExpiresAt
	}
	return base + int64(d/time.Second)
}
