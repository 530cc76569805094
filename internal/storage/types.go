package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"wadispatch/internal/campaign"
	"wadispatch/internal/outbox"
)

var (
	ErrClosed = errors.New("storage closed")
	// ErrLocked is returned by the file driver when another process holds the store.
	ErrLocked = errors.New("storage locked by another process")
)

// Store is the persistence API used by the dispatch services.
type Store interface {
	outbox.Store
	campaign.RunStore

	// AppendAudit records an operator action. Callers treat failures as best-effort.
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Config configures storage.
type Config struct {
	Driver      string
	Path        string        // file and sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default

	// CompactEvery is the number of journal writes between snapshots (file only).
	CompactEvery int
	// Retention drops resolved entries and finished runs older than this at each
	// compaction (file only). Zero keeps everything.
	Retention time.Duration

	// Clock stamps created/updated times. Nil means the wall clock.
	Clock clockwork.Clock
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	ClientID string    `json:"client_id"`
	Actor    string    `json:"actor,omitempty"`
	Action   string    `json:"action"`
	Target   string    `json:"target,omitempty"`
	OK       int       `json:"ok"`
	Fail     int       `json:"fail"`
	Error    string    `json:"error,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}
