package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailattach/internal/model"
	"github.com/nhle/mailattach/internal/store"
	"github.com/nhle/mailattach/tests/testutil"
)

type recordingSweepObserver struct {
	reports []SweepReport
}

func (r *recordingSweepObserver) RecordSweep(report SweepReport) {
	r.reports = append(r.reports, report)
}

func writeAged(t *testing.T, s *Store, id string, age time.Duration, now time.Time) string {
	t.Helper()
	path, err := s.Write(context.Background(), model.DeriveKey("m", id), []byte(id), WriteMeta{Name: id + ".txt"})
	require.NoError(t, err)
	mtime := now.Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestSweepRemovesOnlyExpiredEntries(t *testing.T) {
	idx := testutil.NewTestStore(t)
	s := newTestStore(t, WithIndex(idx))
	now := time.Now()

	old := writeAged(t, s, "old", 8*24*time.Hour, now)
	fresh := writeAged(t, s, "fresh", 6*24*time.Hour, now)

	obs := &recordingSweepObserver{}
	e := NewEvictor(s, 7*24*time.Hour, WithClock(func() time.Time { return now }), WithSweepObserver(obs))

	report := e.Sweep(context.Background())

	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, int64(len("old")), report.Freed)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)

	_, err := idx.GetEntryByPath(context.Background(), old)
	assert.ErrorIs(t, err, store.ErrEntryNotFound)

	require.Len(t, obs.reports, 1)
	assert.Equal(t, 1, obs.reports[0].Removed)
}

func TestSweepSkipsLeasedEntries(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	path := writeAged(t, s, "open", 30*24*time.Hour, now)

	release := s.Acquire(path)
	e := NewEvictor(s, time.Hour, WithClock(func() time.Time { return now }))

	report := e.Sweep(context.Background())
	assert.Equal(t, 1, report.InUse)
	assert.FileExists(t, path)

	release()
	report = e.Sweep(context.Background())
	assert.Equal(t, 1, report.Removed)
	assert.NoFileExists(t, path)
}

func TestSweepOlderThanOverridesRetention(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	path := writeAged(t, s, "recent", 2*time.Hour, now)

	e := NewEvictor(s, 0, WithClock(func() time.Time { return now }))
	assert.Equal(t, DefaultRetention, e.Retention())

	e.SweepOlderThan(context.Background(), 3*time.Hour)
	assert.FileExists(t, path)

	e.SweepOlderThan(context.Background(), time.Hour)
	assert.NoFileExists(t, path)
}

func TestSweepOnMissingDirectoryIsNoop(t *testing.T) {
	s := newTestStore(t)

	report := NewEvictor(s, time.Hour).Sweep(context.Background())
	assert.Equal(t, SweepReport{Duration: report.Duration}, report)
}

func TestSweepStopsWhenContextDone(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	writeAged(t, s, "a", 48*time.Hour, now)
	writeAged(t, s, "b", 48*time.Hour, now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := NewEvictor(s, time.Hour, WithClock(func() time.Time { return now })).Sweep(ctx)
	assert.Equal(t, 0, report.Removed)
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	e := NewEvictor(newTestStore(t), time.Hour)

	err := e.Start(context.Background(), "not a schedule")
	require.Error(t, err)
	e.Stop()
}

func TestStartAndStop(t *testing.T) {
	e := NewEvictor(newTestStore(t), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.Start(ctx, "@every 1h"))
	require.NoError(t, e.Start(ctx, "@every 1h"))
	e.Stop()
	e.Stop()
}

func agedPreview(t *testing.T, s *Store, age time.Duration, now time.Time) string {
	t.Helper()
	path, err := s.WriteTemp(context.Background(), "inline.png", []byte("png"))
	require.NoError(t, err)
	mtime := now.Add(-age)
	require.NoError(t, os.Chtimes(filepath.Dir(path), mtime, mtime))
	return path
}

func TestSweepRemovesStalePreviewDirectories(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	stale := agedPreview(t, s, 2*DefaultPreviewRetention, now)
	fresh := agedPreview(t, s, time.Hour, now)
	leased := agedPreview(t, s, 2*DefaultPreviewRetention, now)
	release := s.Acquire(leased)
	defer release()

	report := NewEvictor(s, 0, WithClock(func() time.Time { return now })).Sweep(context.Background())

	assert.Equal(t, 1, report.Previews)
	assert.NoDirExists(t, filepath.Dir(stale))
	assert.FileExists(t, fresh)
	assert.FileExists(t, leased)
}

func TestSweepOlderThanShortensPreviewRetention(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	path := agedPreview(t, s, 2*time.Hour, now)

	e := NewEvictor(s, 0, WithClock(func() time.Time { return now }), WithPreviewRetention(48*time.Hour))
	e.Sweep(context.Background())
	assert.FileExists(t, path)

	e.SweepOlderThan(context.Background(), time.Hour)
	assert.NoFileExists(t, path)
}

func evictorRunning(e *Evictor) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func TestStopDetachesFromStartContext(t *testing.T) {
	e := NewEvictor(newTestStore(t), time.Hour)

	first, cancelFirst := context.WithCancel(context.Background())
	require.NoError(t, e.Start(first, "@every 1h"))
	e.Stop()

	second, cancelSecond := context.WithCancel(context.Background())
	defer cancelSecond()
	require.NoError(t, e.Start(second, "@every 1h"))

	cancelFirst()
	assert.Never(t, func() bool { return !evictorRunning(e) }, 100*time.Millisecond, 10*time.Millisecond,
		"canceling an earlier context must not stop a later schedule")

	cancelSecond()
	assert.Eventually(t, func() bool { return !evictorRunning(e) }, time.Second, 10*time.Millisecond)
}
