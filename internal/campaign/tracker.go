package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"wadispatch/internal/outbox"
	logx "wadispatch/pkg/logx"
)

// EntryCounter reports how the outbox entries of a run are distributed across states.
// outbox.Store satisfies it.
type EntryCounter interface {
	CountByRun(ctx context.Context, clientID, runID string) (outbox.StatusCounts, error)
}

// Tracker owns the run lifecycle. All state lives in the RunStore; the tracker only
// enforces which transitions are legal and stamps times from its clock.
type Tracker struct {
	runs    RunStore
	entries EntryCounter
	clock   clockwork.Clock
	log     logx.Logger

	// OnTransition, when set, is called after every successful status change.
	OnTransition func(r Run, from Status)
}

func NewTracker(runs RunStore, entries EntryCounter, clock clockwork.Clock, log logx.Logger) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{runs: runs, entries: entries, clock: clock, log: log}
}

// Create persists a new queued run.
func (t *Tracker) Create(ctx context.Context, clientID, campaignID string, kind Kind, profile string, totalTargets int) (Run, error) {
	if kind == "" {
		kind = KindDirect
	}
	r := Run{
		ID:           uuid.NewString(),
		ClientID:     clientID,
		CampaignID:   campaignID,
		Kind:         kind,
		Profile:      profile,
		Status:       StatusQueued,
		TotalTargets: totalTargets,
		CreatedAt:    t.clock.Now().UTC(),
	}
	if err := t.runs.CreateRun(ctx, r); err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	return r, nil
}

func (t *Tracker) Get(ctx context.Context, clientID, runID string) (Run, error) {
	return t.runs.GetRun(ctx, clientID, runID)
}

func (t *Tracker) ListByCampaign(ctx context.Context, clientID, campaignID string) ([]Run, error) {
	return t.runs.ListRuns(ctx, clientID, campaignID)
}

// Start moves a queued run to sending.
func (t *Tracker) Start(ctx context.Context, clientID, runID string) error {
	return t.transition(ctx, clientID, runID, StatusSending, "", StatusQueued)
}

// Pause stops further delivery of the run's entries until Resume.
func (t *Tracker) Pause(ctx context.Context, clientID, runID string) error {
	return t.transition(ctx, clientID, runID, StatusPaused, "", AllowedFrom(StatusPaused)...)
}

// Resume returns a paused run to sending, or to queued if it never started.
// A resumed run whose entries were all resolved while it was paused is completed.
func (t *Tracker) Resume(ctx context.Context, clientID, runID string) error {
	r, err := t.runs.GetRun(ctx, clientID, runID)
	if err != nil {
		return err
	}
	to := StatusQueued
	if r.StartedAt != nil {
		to = StatusSending
	}
	if err := t.transition(ctx, clientID, runID, to, "", StatusPaused); err != nil {
		return err
	}
	if to == StatusSending {
		if _, err := t.Complete(ctx, clientID, runID); err != nil {
			t.log.Warn("complete after resume failed", logx.String("run_id", runID), logx.Err(err))
		}
	}
	return nil
}

// Fail moves a non-terminal run to failed with a human readable cause.
func (t *Tracker) Fail(ctx context.Context, clientID, runID, lastError string) error {
	if strings.TrimSpace(lastError) == "" {
		lastError = "unknown error"
	}
	return t.transition(ctx, clientID, runID, StatusFailed, lastError, AllowedFrom(StatusFailed)...)
}

// Complete moves a sending run to done once none of its entries is pending.
// It reports whether the run was completed by this call.
func (t *Tracker) Complete(ctx context.Context, clientID, runID string) (bool, error) {
	counts, err := t.entries.CountByRun(ctx, clientID, runID)
	if err != nil {
		return false, fmt.Errorf("count run entries: %w", err)
	}
	if counts.Pending > 0 {
		return false, nil
	}
	err = t.transition(ctx, clientID, runID, StatusDone, "", StatusSending)
	if errors.Is(err, ErrInvalidTransition) {
		// already done, paused or failed
		return false, nil
	}
	return err == nil, err
}

// Record adds delta to the run counters. A zero delta is skipped.
func (t *Tracker) Record(ctx context.Context, clientID, runID string, delta Counters) error {
	if delta.IsZero() {
		return nil
	}
	if err := t.runs.IncrRunCounters(ctx, clientID, runID, delta); err != nil {
		return fmt.Errorf("record run counters: %w", err)
	}
	return nil
}

func (t *Tracker) transition(ctx context.Context, clientID, runID string, to Status, lastError string, from ...Status) error {
	before, err := t.runs.GetRun(ctx, clientID, runID)
	if err != nil {
		return err
	}
	ok, err := t.runs.TransitionRun(ctx, clientID, runID, from, to, lastError, t.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("transition run %s to %s: %w", runID, to, err)
	}
	if !ok {
		cur, gerr := t.runs.GetRun(ctx, clientID, runID)
		if gerr != nil {
			return gerr
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}
	t.log.Debug("run transition",
		logx.String("client_id", clientID),
		logx.String("run_id", runID),
		logx.String("from", string(before.Status)),
		logx.String("to", string(to)),
	)
	if t.OnTransition != nil {
		after, gerr := t.runs.GetRun(ctx, clientID, runID)
		if gerr == nil {
			t.OnTransition(after, before.Status)
		}
	}
	return nil
}
