package outbox

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("outbox entry not found")
	ErrInvalidStatus = errors.New("invalid outbox status")
	ErrInvalidEntry  = errors.New("invalid outbox entry")
)

// Status is the delivery state of an entry. Values are stable vocabulary shared with
// reporting; do not rename without a migration.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool { return s == StatusSent || s == StatusFailed }

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// CorrelationKind tags what originated an entry.
type CorrelationKind string

const (
	CorrelationCampaign      CorrelationKind = "campaign"
	CorrelationGroupCampaign CorrelationKind = "group_campaign"
)

// Correlation links an entry to the campaign run that produced it.
// A nil *Correlation marks a transactional message. It is used for cancellation and
// reporting only, never for routing.
type Correlation struct {
	Kind       CorrelationKind `json:"kind"`
	CampaignID string          `json:"campaign_id"`
	RunID      string          `json:"run_id,omitempty"`
}

// Match selects entries by correlation. Empty fields match anything, but at least one
// of CampaignID or RunID must be set for the match to select anything.
type Match struct {
	Kind       CorrelationKind
	CampaignID string
	RunID      string
}

func (m Match) Empty() bool {
	return strings.TrimSpace(m.CampaignID) == "" && strings.TrimSpace(m.RunID) == ""
}

// Matches reports whether c is selected by m. Transactional entries (nil) never match.
func (m Match) Matches(c *Correlation) bool {
	if c == nil || m.Empty() {
		return false
	}
	if m.Kind != "" && c.Kind != m.Kind {
		return false
	}
	if m.CampaignID != "" && c.CampaignID != m.CampaignID {
		return false
	}
	if m.RunID != "" && c.RunID != m.RunID {
		return false
	}
	return true
}

// DeliveryMeta is opaque data returned by the transport (or the failure cause).
type DeliveryMeta map[string]any

// Entry is one queued outbound message.
type Entry struct {
	ID             string       `json:"id"`
	ClientID       string       `json:"client_id"`
	To             string       `json:"to"`
	Message        string       `json:"message"`
	Status         Status       `json:"status"`
	NotBefore      *time.Time   `json:"not_before,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Correlation    *Correlation `json:"correlation,omitempty"`
	DeliveryMeta   DeliveryMeta `json:"delivery_meta,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
}

// Validate checks the fields every backend requires before Enqueue.
func (e Entry) Validate() error {
	switch {
	case strings.TrimSpace(e.ClientID) == "":
		return fmt.Errorf("%w: client_id is required", ErrInvalidEntry)
	case strings.TrimSpace(e.To) == "":
		return fmt.Errorf("%w: to is required", ErrInvalidEntry)
	case strings.TrimSpace(e.Message) == "":
		return fmt.Errorf("%w: message is required", ErrInvalidEntry)
	}
	return nil
}

// RunID returns the correlated run id, or "" for transactional entries.
func (e Entry) RunID() string {
	if e.Correlation == nil {
		return ""
	}
	return e.Correlation.RunID
}

// Due reports whether e is eligible for dispatch at now.
func (e Entry) Due(now time.Time) bool {
	if e.Status != StatusPending {
		return false
	}
	return e.NotBefore == nil || !e.NotBefore.After(now)
}

// StatusCounts is a per-status histogram.
type StatusCounts struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

func (c StatusCounts) Total() int { return c.Pending + c.Sent + c.Failed }

func (c *StatusCounts) Add(s Status, n int) {
	switch s {
	case StatusPending:
		c.Pending += n
	case StatusSent:
		c.Sent += n
	case StatusFailed:
		c.Failed += n
	}
}

// CheckResolution rejects targets Resolve cannot move an entry to.
func CheckResolution(s Status) error {
	if !s.Terminal() {
		return ErrInvalidStatus
	}
	return nil
}
