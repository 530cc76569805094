package campaign

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wadispatch/internal/outbox"
	logx "wadispatch/pkg/logx"
)

type memRuns struct {
	mu      sync.Mutex
	runs    map[string]Run
	pending map[string]int
}

func newMemRuns() *memRuns {
	return &memRuns{runs: map[string]Run{}, pending: map[string]int{}}
}

func (m *memRuns) CreateRun(_ context.Context, r Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
	return nil
}

func (m *memRuns) GetRun(_ context.Context, clientID, runID string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.ClientID != clientID {
		return Run{}, ErrRunNotFound
	}
	return r, nil
}

func (m *memRuns) ListRuns(_ context.Context, clientID, campaignID string) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for _, r := range m.runs {
		if r.ClientID == clientID && r.CampaignID == campaignID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRuns) TransitionRun(_ context.Context, clientID, runID string, from []Status, to Status, lastError string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.ClientID != clientID {
		return false, ErrRunNotFound
	}
	match := false
	for _, s := range from {
		if s == r.Status {
			match = true
		}
	}
	if !match {
		return false, nil
	}
	r.Status = to
	if lastError != "" {
		r.LastError = lastError
	}
	if to == StatusSending && r.StartedAt == nil {
		r.StartedAt = &at
	}
	if to.Terminal() {
		r.FinishedAt = &at
	}
	m.runs[runID] = r
	return true, nil
}

func (m *memRuns) IncrRunCounters(_ context.Context, clientID, runID string, d Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.ClientID != clientID {
		return ErrRunNotFound
	}
	r.Enqueued += d.Enqueued
	r.Skipped += d.Skipped
	r.Failed += d.Failed
	r.Sent += d.Sent
	m.runs[runID] = r
	return nil
}

func (m *memRuns) CountByRun(_ context.Context, _ string, runID string) (outbox.StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return outbox.StatusCounts{Pending: m.pending[runID]}, nil
}

func newTestTracker(t *testing.T) (*Tracker, *memRuns, *clockwork.FakeClock) {
	t.Helper()
	store := newMemRuns()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewTracker(store, store, clock, logx.Nop()), store, clock
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusSending, true},
		{StatusSending, StatusDone, true},
		{StatusSending, StatusFailed, true},
		{StatusSending, StatusPaused, true},
		{StatusQueued, StatusPaused, true},
		{StatusPaused, StatusSending, true},
		{StatusPaused, StatusQueued, true},
		{StatusQueued, StatusDone, false},
		{StatusDone, StatusSending, false},
		{StatusFailed, StatusQueued, false},
		{StatusDone, StatusFailed, false},
		{StatusPaused, StatusDone, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTrackerLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, store, clock := newTestTracker(t)

	r, err := tr.Create(ctx, "c1", "camp", "", "balanced", 3)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, r.Status)
	assert.Equal(t, KindDirect, r.Kind)

	clock.Advance(time.Second)
	require.NoError(t, tr.Start(ctx, "c1", r.ID))
	store.pending[r.ID] = 2

	done, err := tr.Complete(ctx, "c1", r.ID)
	require.NoError(t, err)
	assert.False(t, done, "pending entries keep the run sending")

	store.pending[r.ID] = 0
	done, err = tr.Complete(ctx, "c1", r.ID)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := tr.Get(ctx, "c1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)

	done, err = tr.Complete(ctx, "c1", r.ID)
	require.NoError(t, err)
	assert.False(t, done, "second completion is a no-op")

	err = tr.Pause(ctx, "c1", r.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTrackerPauseResume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, store, _ := newTestTracker(t)

	var seen []Status
	tr.OnTransition = func(r Run, _ Status) { seen = append(seen, r.Status) }

	queued, err := tr.Create(ctx, "c1", "camp", KindGroup, "safe", 1)
	require.NoError(t, err)
	require.NoError(t, tr.Pause(ctx, "c1", queued.ID))
	require.NoError(t, tr.Resume(ctx, "c1", queued.ID))
	got, _ := tr.Get(ctx, "c1", queued.ID)
	assert.Equal(t, StatusQueued, got.Status, "never started, resumes to queued")

	sending, err := tr.Create(ctx, "c1", "camp", KindDirect, "safe", 1)
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx, "c1", sending.ID))
	store.pending[sending.ID] = 1
	require.NoError(t, tr.Pause(ctx, "c1", sending.ID))
	require.NoError(t, tr.Resume(ctx, "c1", sending.ID))
	got, _ = tr.Get(ctx, "c1", sending.ID)
	assert.Equal(t, StatusSending, got.Status)

	assert.Equal(t, []Status{StatusPaused, StatusQueued, StatusSending, StatusPaused, StatusSending}, seen)
}

func TestTrackerResumeCompletesDrainedRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, _ := newTestTracker(t)

	r, err := tr.Create(ctx, "c1", "camp", KindDirect, "safe", 1)
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx, "c1", r.ID))
	require.NoError(t, tr.Pause(ctx, "c1", r.ID))
	require.NoError(t, tr.Resume(ctx, "c1", r.ID))

	got, _ := tr.Get(ctx, "c1", r.ID)
	assert.Equal(t, StatusDone, got.Status)
}

func TestTrackerFail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, _ := newTestTracker(t)

	r, err := tr.Create(ctx, "c1", "camp", KindDirect, "safe", 1)
	require.NoError(t, err)
	require.NoError(t, tr.Fail(ctx, "c1", r.ID, ""))

	got, _ := tr.Get(ctx, "c1", r.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "unknown error", got.LastError)
	assert.NotNil(t, got.FinishedAt)

	assert.ErrorIs(t, tr.Fail(ctx, "c1", r.ID, "again"), ErrInvalidTransition)
	assert.ErrorIs(t, tr.Start(ctx, "c1", "missing"), ErrRunNotFound)
	assert.ErrorIs(t, tr.Start(ctx, "other", r.ID), ErrRunNotFound)
}

func TestTrackerRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, _ := newTestTracker(t)

	r, err := tr.Create(ctx, "c1", "camp", KindDirect, "safe", 5)
	require.NoError(t, err)
	require.NoError(t, tr.Record(ctx, "c1", r.ID, Counters{Enqueued: 3, Skipped: 1}))
	require.NoError(t, tr.Record(ctx, "c1", r.ID, Counters{Failed: 1, Sent: 2}))
	require.NoError(t, tr.Record(ctx, "c1", "missing", Counters{}))
	assert.ErrorIs(t, tr.Record(ctx, "c1", "missing", Counters{Sent: 1}), ErrRunNotFound)

	got, _ := tr.Get(ctx, "c1", r.ID)
	assert.Equal(t, Counters{Enqueued: 3, Skipped: 1, Failed: 1, Sent: 2}, got.Counters)
}
