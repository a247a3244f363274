package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/hwidauth/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAudit ignores action, limit and since so the guard's own filtering
// is tested.
type fakeAudit struct {
	records    []models.AuditRecord
	err        error
	lastAction models.AuditAction
	lastLimit  int
	lastSince  time.Time
}

func (f *fakeAudit) Recent(_ context.Context, username string, action models.AuditAction, limit int, since time.Time) ([]models.AuditRecord, error) {
	f.lastAction, f.lastLimit, f.lastSince = action, limit, since
	if f.err != nil {
		return nil, f.err
	}
	var out []models.AuditRecord
	for _, r := range f.records {
		if r.UserName == username {
			out = append(out, r)
		}
	}
	return out, nil
}

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func failed(user string, ago time.Duration) models.AuditRecord {
	return models.AuditRecord{UserName: user, Action: models.ActionLogin, CreatedAt: now.Add(-ago)}
}

func newGuard(a AuditReader) *BruteForceGuard {
	return New(a, Config{}).WithClock(func() time.Time { return now })
}

func TestShouldBlock_FiveRecentFailures(t *testing.T) {
	a := &fakeAudit{}
	for i := 0; i < 5; i++ {
		a.records = append(a.records, failed("u", time.Duration(i+1)*time.Minute))
	}
	blocked, err := newGuard(a).ShouldBlock(context.Background(), "u")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, models.ActionLogin, a.lastAction)
	assert.Equal(t, DefaultLookback, a.lastLimit)
	assert.Equal(t, now.Add(-DefaultWindow), a.lastSince)
}

func TestShouldBlock_FourFailures(t *testing.T) {
	a := &fakeAudit{}
	for i := 0; i < 4; i++ {
		a.records = append(a.records, failed("u", time.Minute))
	}
	blocked, err := newGuard(a).ShouldBlock(context.Background(), "u")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestShouldBlock_OneFailureOutsideWindow(t *testing.T) {
	a := &fakeAudit{}
	for i := 0; i < 4; i++ {
		a.records = append(a.records, failed("u", time.Minute))
	}
	a.records = append(a.records, failed("u", 11*time.Minute))

	blocked, err := newGuard(a).ShouldBlock(context.Background(), "u")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestShouldBlock_SuccessDoesNotReset(t *testing.T) {
	a := &fakeAudit{}
	for i := 0; i < 5; i++ {
		a.records = append(a.records, failed("u", 2*time.Minute))
	}
	a.records = append(a.records, models.AuditRecord{
		UserName: "u", Action: models.ActionLogin, Success: true, CreatedAt: now.Add(-time.Minute),
	})

	blocked, err := newGuard(a).ShouldBlock(context.Background(), "u")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestShouldBlock_IgnoresOtherActionsAndUsers(t *testing.T) {
	a := &fakeAudit{}
	for i := 0; i < 5; i++ {
		a.records = append(a.records,
			models.AuditRecord{UserName: "u", Action: models.ActionKeyActivate, CreatedAt: now.Add(-time.Minute)},
			failed("other", time.Minute),
		)
	}
	blocked, err := newGuard(a).ShouldBlock(context.Background(), "u")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestShouldBlock_CustomThreshold(t *testing.T) {
	a := &fakeAudit{records: []models.AuditRecord{failed("u", time.Second), failed("u", 2*time.Second)}}
	g := New(a, Config{Threshold: 2, Window: time.Minute}).WithClock(func() time.Time { return now })

	blocked, err := g.ShouldBlock(context.Background(), "u")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, now.Add(-time.Minute), a.lastSince)
}

func TestShouldBlock_ReaderError(t *testing.T) {
	a := &fakeAudit{err: errors.New("boom")}
	_, err := newGuard(a).ShouldBlock(context.Background(), "u")
	require.Error(t, err)
	assert.ErrorIs(t, err, a.err)
}
