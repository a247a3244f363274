// Package guard implements per-username brute-force lockout over the
// login audit history.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/hwidauth/internal/server/models"
)

const (
	DefaultThreshold = 5
	DefaultWindow    = 10 * time.Minute
	DefaultLookback  = 10
)

// AuditReader returns the most recent audit records of one action for a
// username, newest first, at most limit rows and none older than since.
type AuditReader interface {
	Recent(ctx context.Context, username string, action models.AuditAction, limit int, since time.Time) ([]models.AuditRecord, error)
}

// Config tunes the lockout policy. Zero values take the defaults.
type Config struct {
	Threshold int
	Window    time.Duration
	Lookback  int
}

// BruteForceGuard blocks a username once enough failed logins fall inside
// the trailing window. Failures age out only with time; a success in
// between does not clear them.
type BruteForceGuard struct {
	audit     AuditReader
	threshold int
	window    time.Duration
	lookback  int
	now       func() time.Time
}

func New(audit AuditReader, cfg Config) *BruteForceGuard {
	g := &BruteForceGuard{
		audit:     audit,
		threshold: cfg.Threshold,
		window:    cfg.Window,
		lookback:  cfg.Lookback,
		now:       time.Now,
	}
	if g.threshold <= 0 {
		g.threshold = DefaultThreshold
	}
	if g.window <= 0 {
		g.window = DefaultWindow
	}
	if g.lookback < g.threshold {
		g.lookback = max(DefaultLookback, g.threshold)
	}
	return g
}

// WithClock replaces the time source, for tests.
func (g *BruteForceGuard) WithClock(now func() time.Time) *BruteForceGuard {
	g.now = now
	return g
}

// ShouldBlock reports whether a login for username must be refused before
// credentials are checked.
func (g *BruteForceGuard) ShouldBlock(ctx context.Context, username string) (bool, error) {
	failed, err := g.FailedAttempts(ctx, username)
	if err != nil {
		return false, err
	}
	return failed >= g.threshold, nil
}

// FailedAttempts counts failed login records inside the window.
func (g *BruteForceGuard) FailedAttempts(ctx context.Context, username string) (int, error) {
	now := g.now()
	since := now.Add(-g.window)

	records, err := g.audit.Recent(ctx, username, models.ActionLogin, g.lookback, since)
	if err != nil {
		return 0, fmt.Errorf("load login history: %w", err)
	}

	n := 0
	for _, r := range records {
		if r.Action != models.ActionLogin || r.Success {
			continue
		}
		if r.CreatedAt.After(since) && !r.CreatedAt.After(now) {
			n++
		}
	}
	return n, nil
}
