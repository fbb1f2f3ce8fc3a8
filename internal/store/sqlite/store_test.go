package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/gtunnel/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "gtunnel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestConnectionLifecycle(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	opened := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	info := domain.ConnInfo{ID: "c1", RemoteIP: "10.0.0.1", CreatedAt: opened}
	require.NoError(t, store.RecordConnected(ctx, info))
	// Duplicate open events are ignored.
	require.NoError(t, store.RecordConnected(ctx, info))

	sum, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.HistorySummary{Total: 1, Open: 1}, sum)

	info.BytesIn, info.BytesOut = 128, 256
	closed := opened.Add(90 * time.Second)
	require.NoError(t, store.RecordDisconnected(ctx, info, domain.CloseReasonHeartbeat, closed))

	recs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "c1", rec.ID)
	assert.Equal(t, "10.0.0.1", rec.RemoteIP)
	assert.True(t, opened.Equal(rec.ConnectedAt))
	require.NotNil(t, rec.DisconnectedAt)
	assert.True(t, closed.Equal(*rec.DisconnectedAt))
	assert.Equal(t, domain.CloseReasonHeartbeat, rec.CloseReason)
	assert.Equal(t, int64(128), rec.BytesIn)
	assert.Equal(t, int64(256), rec.BytesOut)

	sum, err = store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.HistorySummary{Total: 1, Open: 0, Evicted: 1}, sum)
}

func TestRecordDisconnectedWithoutOpenEvent(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	info := domain.ConnInfo{ID: "orphan", RemoteIP: "10.0.0.9", CreatedAt: now.Add(-time.Minute), BytesIn: 3}
	require.NoError(t, store.RecordDisconnected(ctx, info, domain.CloseReasonClient, now))

	recs, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.CloseReasonClient, recs[0].CloseReason)
	assert.Equal(t, int64(3), recs[0].BytesIn)
}

func TestResetOpenConnections(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.RecordConnected(ctx, domain.ConnInfo{ID: "a", RemoteIP: "1.1.1.1", CreatedAt: now}))
	require.NoError(t, store.RecordConnected(ctx, domain.ConnInfo{ID: "b", RemoteIP: "1.1.1.2", CreatedAt: now}))
	require.NoError(t, store.RecordDisconnected(ctx, domain.ConnInfo{ID: "b", RemoteIP: "1.1.1.2", CreatedAt: now}, domain.CloseReasonClient, now))

	n, err := store.ResetOpenConnections(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	reasons := map[string]domain.CloseReason{}
	for _, r := range recs {
		reasons[r.ID] = r.CloseReason
	}
	assert.Equal(t, domain.CloseReasonRestart, reasons["a"])
	assert.Equal(t, domain.CloseReasonClient, reasons["b"])

	n, err = store.ResetOpenConnections(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPurgeBeforeKeepsOpenAndRecent(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	old := domain.ConnInfo{ID: "old", RemoteIP: "1.1.1.1", CreatedAt: base}
	recent := domain.ConnInfo{ID: "recent", RemoteIP: "1.1.1.2", CreatedAt: base.Add(48 * time.Hour)}
	open := domain.ConnInfo{ID: "open", RemoteIP: "1.1.1.3", CreatedAt: base}

	require.NoError(t, store.RecordDisconnected(ctx, old, domain.CloseReasonClient, base.Add(time.Hour)))
	require.NoError(t, store.RecordDisconnected(ctx, recent, domain.CloseReasonClient, base.Add(49*time.Hour)))
	require.NoError(t, store.RecordConnected(ctx, open))

	n, err := store.PurgeBefore(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "recent", recs[0].ID, "newest first")
	assert.Equal(t, "open", recs[1].ID)
}

func TestReopenKeepsHistory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gtunnel.db")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.RecordConnected(context.Background(), domain.ConnInfo{ID: "x", RemoteIP: "1.1.1.1", CreatedAt: time.Now()}))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(context.Background()))

	sum, err := store.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Total)
}
