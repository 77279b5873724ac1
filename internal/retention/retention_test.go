package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadline/pkg/config"
	"threadline/pkg/models"
	"threadline/pkg/store"
	"threadline/pkg/timeutil"
)

func deletedConversation(t *testing.T, db *store.DB) string {
	t.Helper()
	c, err := db.CreateConversation(models.Conversation{AccountID: "acct1", ManualTurns: true})
	require.NoError(t, err)
	_, err = db.UpdateConversation(c.ID, func(c *models.Conversation) error {
		c.Deleted = true
		return nil
	})
	require.NoError(t, err)
	return c.ID
}

func setup(t *testing.T, dryRun bool) (*store.DB, *timeutil.Fake, config.RetentionConfig) {
	t.Helper()
	clock := timeutil.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	db.SetClock(clock)
	t.Cleanup(func() { _ = db.Close() })
	cfg := config.RetentionConfig{
		Enabled: true,
		Cron:    "0 2 * * *",
		Period:  config.Duration(30 * 24 * time.Hour),
		DryRun:  dryRun,
		LockTTL: config.Duration(time.Minute),
	}
	return db, clock, cfg
}

func TestRunOncePurgesExpiredOnly(t *testing.T) {
	db, clock, cfg := setup(t, false)
	old := deletedConversation(t, db)
	clock.Advance(31 * 24 * time.Hour)
	recent := deletedConversation(t, db)
	live, err := db.CreateConversation(models.Conversation{AccountID: "acct1", ManualTurns: true})
	require.NoError(t, err)

	var purged []string
	r := New(db, cfg, t.TempDir(), WithClock(clock), OnPurge(func(id string) { purged = append(purged, id) }))
	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{old}, purged)

	_, err = db.GetConversation(old)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = db.GetConversation(recent)
	assert.NoError(t, err)
	_, err = db.GetConversation(live.ID)
	assert.NoError(t, err)
}

func TestRunOnceDryRunKeepsData(t *testing.T) {
	db, clock, cfg := setup(t, true)
	id := deletedConversation(t, db)
	clock.Advance(40 * 24 * time.Hour)

	n, err := New(db, cfg, t.TempDir(), WithClock(clock)).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = db.GetConversation(id)
	assert.NoError(t, err)
}

func TestRunOnceSkipsWhenLeaseHeld(t *testing.T) {
	db, clock, cfg := setup(t, false)
	deletedConversation(t, db)
	clock.Advance(40 * 24 * time.Hour)
	dir := t.TempDir()

	other := newFileLease(dir, clock)
	ok, err := other.Acquire("other-process", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := New(db, cfg, dir, WithClock(clock)).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLeaseLifecycle(t *testing.T) {
	clock := timeutil.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	dir := t.TempDir()
	a := newFileLease(dir, clock)
	b := newFileLease(dir, clock)

	ok, err := a.Acquire("a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire("b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, b.Release("b"), ErrNotOwner)

	require.NoError(t, a.Renew("a", time.Minute))
	clock.Advance(2 * time.Minute)

	ok, err = b.Acquire("b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")
	assert.ErrorIs(t, a.Renew("a", time.Minute), ErrNotOwner)
	require.NoError(t, b.Release("b"))

	ok, err = a.Acquire("a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
