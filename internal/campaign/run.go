// Package campaign tracks campaign runs: one execution attempt of a bulk send, its
// lifecycle and its counters. Runs own outbox entries only through correlation ids.
package campaign

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRunNotFound       = errors.New("campaign run not found")
	ErrInvalidTransition = errors.New("invalid run status transition")
)

type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusPaused  Status = "paused"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusDone || s == StatusFailed }

// transitions lists the allowed source states for every target state.
var transitions = map[Status][]Status{
	StatusSending: {StatusQueued, StatusPaused},
	StatusPaused:  {StatusQueued, StatusSending},
	StatusQueued:  {StatusPaused},
	StatusDone:    {StatusSending},
	StatusFailed:  {StatusQueued, StatusSending, StatusPaused},
}

// AllowedFrom returns the states a run may move to "to" from.
func AllowedFrom(to Status) []Status {
	return append([]Status(nil), transitions[to]...)
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Counters are monotonic; a delta is only ever added.
type Counters struct {
	Enqueued int `json:"enqueued"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Sent     int `json:"sent"`
}

func (c Counters) IsZero() bool { return c == Counters{} }

// Run is one execution of a campaign.
type Run struct {
	ID           string     `json:"id"`
	ClientID     string     `json:"client_id"`
	CampaignID   string     `json:"campaign_id"`
	Kind         Kind       `json:"kind"`
	Profile      string     `json:"profile"`
	Status       Status     `json:"status"`
	TotalTargets int        `json:"total_targets"`
	Counters                // enqueued/skipped/failed/sent
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// RunStore is the storage port for runs.
type RunStore interface {
	// CreateRun persists r. ID and CreatedAt must already be set.
	CreateRun(ctx context.Context, r Run) error
	GetRun(ctx context.Context, clientID, runID string) (Run, error)
	ListRuns(ctx context.Context, clientID, campaignID string) ([]Run, error)

	// TransitionRun moves the run to "to" only if its current status is one of from.
	// StartedAt is stamped on the first move to sending, FinishedAt on a terminal move.
	// It returns false (no error) when the current status is not in from, and
	// ErrRunNotFound when the run does not exist.
	TransitionRun(ctx context.Context, clientID, runID string, from []Status, to Status, lastError string, at time.Time) (bool, error)

	// IncrRunCounters adds delta to the run counters atomically. Missing runs yield
	// ErrRunNotFound.
	IncrRunCounters(ctx context.Context, clientID, runID string, delta Counters) error
}
