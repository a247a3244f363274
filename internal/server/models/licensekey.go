package models

import (
	"fmt"
	"strings"
	"time"
)

// KeyStatus is the lifecycle state of a license key.
type KeyStatus string

const (
	KeyGenerated KeyStatus = "generated"
	KeyActive    KeyStatus = "active"
	KeyBanned    KeyStatus = "banned"
	KeyExpired   KeyStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s KeyStatus) Terminal() bool {
	return s == KeyBanned || s == KeyExpired
}

// Duration is the duration class of a license key.
type Duration string

const (
	Duration1Day     Duration = "1d"
	Duration7Days    Duration = "7d"
	Duration30Days   Duration = "30d"
	Duration90Days   Duration = "90d"
	Duration365Days  Duration = "365d"
	DurationLifetime Duration = "lifetime"
)

var durationDays = map[Duration]int{
	Duration1Day:    1,
	Duration7Days:   7,
	Duration30Days:  30,
	Duration90Days:  90,
	Duration365Days: 365,
}

// ParseDuration validates a duration class name.
func ParseDuration(s string) (Duration, error) {
	d := Duration(strings.ToLower(strings.TrimSpace(s)))
	if d == DurationLifetime {
		return d, nil
	}
	if _, ok := durationDays[d]; ok {
		return d, nil
	}
	return "", fmt.Errorf("unknown duration class %q", s)
}

// Lifetime reports whether keys of this class never expire.
func (d Duration) Lifetime() bool { return d == DurationLifetime }

// Length returns the validity length of a fixed-duration class, 0 for lifetime.
func (d Duration) Length() time.Duration {
	return time.Duration(durationDays[d]) * 24 * time.Hour
}

// LicenseKey is an entitlement code bound on activation to a user and HWID.
type LicenseKey struct {
	Code      string
	Product   string
	Duration  Duration
	CreatedAt time.Time
	// ExpiresAt is nil for lifetime keys and for keys never activated.
	ExpiresAt     *time.Time
	Status        KeyStatus
	BoundUsername string
	BoundHwid     string
	BanReason     string
	ActivatedAt   *time.Time
}

// EffectiveStatus evaluates expiry lazily: an active fixed-duration key past
// its expiry reads as expired even if storage has not been swept yet.
func (k *LicenseKey) EffectiveStatus(now time.Time) KeyStatus {
	if k.Status == KeyActive && k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return KeyExpired
	}
	return k.Status
}
