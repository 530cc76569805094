package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"wadispatch/internal/outbox"
	logx "wadispatch/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, errors.New("storage.driver is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// stamp normalizes a timestamp to the millisecond UTC precision every backend keeps.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func stampPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := stamp(*t)
	return &v
}

// prepareEntry fills the store-owned fields of a new entry.
func prepareEntry(e outbox.Entry, id string, now time.Time) outbox.Entry {
	e.ID = id
	e.Status = outbox.StatusPending
	e.NotBefore = stampPtr(e.NotBefore)
	e.IdempotencyKey = strings.TrimSpace(e.IdempotencyKey)
	e.DeliveryMeta = nil
	e.CreatedAt = now
	e.UpdatedAt = now
	e.ResolvedAt = nil
	return e
}

func cancelMeta(reason string) outbox.DeliveryMeta {
	if strings.TrimSpace(reason) == "" {
		reason = "canceled"
	}
	return outbox.DeliveryMeta{"reason": reason, "canceled": true}
}

func containsStatus[S ~string](list []S, s S) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
