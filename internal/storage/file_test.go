package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wadispatch/internal/campaign"
	"wadispatch/internal/outbox"
	logx "wadispatch/pkg/logx"
)

func TestFileStoreSecondOpenIsLocked(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "outbox.db")
	cfg := Config{Driver: "file", Path: path}

	first, err := Open(cfg, logx.Nop())
	require.NoError(t, err)

	_, err = Open(cfg, logx.Nop())
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Close())
	again, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestFileStoreReplaysJournalAndSnapshot(t *testing.T) {
	t.Parallel()
	for _, compactEvery := range []int{1, 3, 1000} {
		compactEvery := compactEvery
		t.Run("", func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "outbox.db")
			cfg := Config{Driver: "file", Path: path, CompactEvery: compactEvery, Clock: clockwork.NewFakeClockAt(epoch)}

			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			require.NoError(t, st.CreateRun(ctx, newRun("r1", "c1", "camp")))
			keyed := campaignMsg("c1", "a", "camp", "r1")
			keyed.IdempotencyKey = "k1"
			a, _, err := st.Enqueue(ctx, keyed)
			require.NoError(t, err)
			b, _, err := st.Enqueue(ctx, campaignMsg("c1", "b", "camp", "r1"))
			require.NoError(t, err)
			_, err = st.Resolve(ctx, "c1", a.ID, outbox.StatusSent, outbox.DeliveryMeta{"id": "x"})
			require.NoError(t, err)
			require.NoError(t, st.IncrRunCounters(ctx, "c1", "r1", campaign.Counters{Enqueued: 2, Sent: 1}))

			// Simulate a crash: drop the handle without the compacting Close.
			fs := st.(*fileStore)
			require.NoError(t, fs.journalFile.Close())
			require.NoError(t, fs.auditFile.Close())
			require.NoError(t, fs.lock.release())

			re, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = re.Close() })

			got, err := re.Get(ctx, "c1", a.ID)
			require.NoError(t, err)
			assert.Equal(t, outbox.StatusSent, got.Status)

			pending, err := re.Get(ctx, "c1", b.ID)
			require.NoError(t, err)
			assert.Equal(t, outbox.StatusPending, pending.Status)

			dup, created, err := re.Enqueue(ctx, keyed)
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, a.ID, dup.ID)

			r, err := re.GetRun(ctx, "c1", "r1")
			require.NoError(t, err)
			assert.Equal(t, campaign.Counters{Enqueued: 2, Sent: 1}, r.Counters)

			// Insertion order survives the reload.
			next, _, err := re.Enqueue(ctx, campaignMsg("c1", "c", "camp", "r1"))
			require.NoError(t, err)
			due, err := re.ListDue(ctx, "c1", epoch, 0)
			require.NoError(t, err)
			require.Len(t, due, 2)
			assert.Equal(t, b.ID, due[0].ID)
			assert.Equal(t, next.ID, due[1].ID)
		})
	}
}

func TestFileStoreIgnoresTornJournalTail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.db")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	e, _, err := st.Enqueue(ctx, msg("c1", "a"))
	require.NoError(t, err)
	fs := st.(*fileStore)
	_, err = fs.journalFile.WriteString(`{"entry":{"seq":9,"id":"tor`)
	require.NoError(t, err)
	require.NoError(t, fs.journalFile.Close())
	require.NoError(t, fs.auditFile.Close())
	require.NoError(t, fs.lock.release())

	re, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer re.Close()
	_, err = re.Get(ctx, "c1", e.ID)
	assert.NoError(t, err)

	_, err = os.Stat(filepath.Join(filepath.Dir(path), "outbox.lock"))
	assert.NoError(t, err)
}

func TestFileStoreRetentionPrunesOnCompaction(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		retention time.Duration
		pruned    bool
	}{
		{name: "keep forever", retention: 0, pruned: false},
		{name: "inside window", retention: 72 * time.Hour, pruned: false},
		{name: "past window", retention: 24 * time.Hour, pruned: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			clock := clockwork.NewFakeClockAt(epoch)
			cfg := Config{
				Driver:    "file",
				Path:      filepath.Join(t.TempDir(), "outbox.db"),
				Retention: tc.retention,
				Clock:     clock,
			}

			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			require.NoError(t, st.CreateRun(ctx, newRun("r1", "c1", "camp")))
			done := campaignMsg("c1", "a", "camp", "r1")
			done.IdempotencyKey = "k1"
			a, _, err := st.Enqueue(ctx, done)
			require.NoError(t, err)
			b, _, err := st.Enqueue(ctx, msg("c1", "b"))
			require.NoError(t, err)
			_, err = st.Resolve(ctx, "c1", a.ID, outbox.StatusSent, nil)
			require.NoError(t, err)
			ok, err := st.TransitionRun(ctx, "c1", "r1", []campaign.Status{campaign.StatusQueued}, campaign.StatusDone, "", clock.Now())
			require.NoError(t, err)
			require.True(t, ok)

			clock.Advance(48 * time.Hour)
			require.NoError(t, st.Close())

			st, err = Open(cfg, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			pending, err := st.Get(ctx, "c1", b.ID)
			require.NoError(t, err)
			assert.Equal(t, outbox.StatusPending, pending.Status)

			_, err = st.Get(ctx, "c1", a.ID)
			_, runErr := st.GetRun(ctx, "c1", "r1")
			again, created, enqErr := st.Enqueue(ctx, done)
			require.NoError(t, enqErr)
			if tc.pruned {
				assert.ErrorIs(t, err, outbox.ErrNotFound)
				assert.ErrorIs(t, runErr, campaign.ErrRunNotFound)
				assert.True(t, created, "idempotency key is released with the pruned entry")
				assert.NotEqual(t, a.ID, again.ID)
			} else {
				assert.NoError(t, err)
				assert.NoError(t, runErr)
				assert.False(t, created)
				assert.Equal(t, a.ID, again.ID)
			}
		})
	}
}
