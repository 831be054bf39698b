package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *time.Time) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.InitialBackoff = time.Minute
	cfg.MaxBackoff = 10 * time.Minute

	q, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, &now
}

func item(fp string) Pending {
	return Pending{Fingerprint: fp, Service: "Nigeria WhatsApp", Number: "2348000000001", Payload: "payload " + fp}
}

func TestEnqueueNotDueUntilBackoff(t *testing.T) {
	q, now := newTestQueue(t)

	require.NoError(t, q.Enqueue(item("a"), "rate limited"))

	items, err := q.GetPending(10)
	require.NoError(t, err)
	assert.Empty(t, items)

	*now = now.Add(time.Minute)
	items, err = q.GetPending(10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].Fingerprint)
	assert.Equal(t, "payload a", items[0].Payload)
	assert.Equal(t, "rate limited", items[0].LastError)
	assert.Equal(t, 3, items[0].MaxRetries)
}

func TestEnqueueIgnoresDuplicateFingerprint(t *testing.T) {
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue(item("a"), ""))
	require.NoError(t, q.Enqueue(item("a"), ""))

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.PendingCount)
}

func TestMarkFailedBacksOffAndExpires(t *testing.T) {
	q, now := newTestQueue(t)
	require.NoError(t, q.Enqueue(item("a"), ""))
	*now = now.Add(time.Minute)

	items, err := q.GetPending(10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	id := items[0].ID

	for i := 0; i < 3; i++ {
		require.NoError(t, q.MarkFailed(id, fmt.Sprintf("fail %d", i)))
	}

	*now = now.Add(time.Hour)
	items, err = q.GetPending(10)
	require.NoError(t, err)
	assert.Empty(t, items, "item past max retries must not be returned")

	n, err := q.PurgeExpired()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.PendingCount)
	assert.Zero(t, stats.ExpiredCount)
}

func TestStatsReportsOldestAndNextRetry(t *testing.T) {
	q, now := newTestQueue(t)
	created := *now
	require.NoError(t, q.Enqueue(item("a"), ""))
	*now = now.Add(time.Second)
	require.NoError(t, q.Enqueue(item("b"), ""))

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.PendingCount)
	require.NotNil(t, stats.OldestPending)
	assert.True(t, stats.OldestPending.Equal(created))
	require.NotNil(t, stats.NextRetry)
	assert.True(t, stats.NextRetry.Equal(created.Add(time.Minute)))
}

func TestStatsAndPurgeReportClosedDatabase(t *testing.T) {
	q, _ := newTestQueue(t)
	require.NoError(t, q.Close())

	_, err := q.Stats()
	assert.Error(t, err)

	_, err = q.PurgeExpired()
	assert.Error(t, err)
}

func TestCalculateBackoff(t *testing.T) {
	q, _ := newTestQueue(t)

	assert.Equal(t, 2*time.Minute, q.calculateBackoff(1))
	assert.Equal(t, 4*time.Minute, q.calculateBackoff(2))
	assert.Equal(t, 10*time.Minute, q.calculateBackoff(5))
}

func TestFileBackedQueue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "nested", "queue.db")
	cfg.InitialBackoff = 0

	q, err := New(cfg)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Enqueue(item("a"), ""))
	items, err := q.GetPending(10)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestProcessorProcessNow(t *testing.T) {
	q, now := newTestQueue(t)
	require.NoError(t, q.Enqueue(item("ok"), ""))
	require.NoError(t, q.Enqueue(item("retry"), ""))
	require.NoError(t, q.Enqueue(item("drop"), ""))
	*now = now.Add(time.Minute)

	var seen []string
	p := NewProcessor(q, func(ctx context.Context, it Pending) error {
		seen = append(seen, it.Fingerprint)
		switch it.Fingerprint {
		case "retry":
			return errors.New("still rate limited")
		case "drop":
			return fmt.Errorf("bad request: %w", ErrPermanent)
		}
		return nil
	}, ProcessorConfig{})

	delivered, failed := p.ProcessNow(context.Background())
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 2, failed)
	assert.ElementsMatch(t, []string{"ok", "retry", "drop"}, seen)

	stats, err := p.QueueStats()
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.PendingCount)
	require.NotNil(t, stats.NextRetry)
	assert.True(t, stats.NextRetry.After(*now))

	// Nothing is due until the backoff elapses.
	seen = nil
	delivered, failed = p.ProcessNow(context.Background())
	assert.Zero(t, delivered)
	assert.Zero(t, failed)
	assert.Empty(t, seen)
}

func TestProcessorStopsOnCancel(t *testing.T) {
	q, now := newTestQueue(t)
	require.NoError(t, q.Enqueue(item("a"), ""))
	*now = now.Add(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	p := NewProcessor(q, func(ctx context.Context, it Pending) error {
		called = true
		return nil
	}, DefaultProcessorConfig())

	p.ProcessNow(ctx)
	assert.False(t, called)
}
