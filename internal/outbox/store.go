// Package outbox defines the durable outbound queue: its entries, their state machine
// and the storage contract every backend implements.
//
// Every method is scoped by clientID. Backends must make Resolve and
// CancelByCorrelation a single compare-and-swap from StatusPending per entry, so a
// concurrent drain and cancel can never both win.
package outbox

import (
	"context"
	"time"
)

// Store is the storage port for outbox entries.
type Store interface {
	// Enqueue persists e as pending. If e.IdempotencyKey is set and the tenant already
	// has an entry with that key, the existing entry is returned unchanged and created
	// is false. ID, Status and timestamps of e are assigned by the store.
	Enqueue(ctx context.Context, e Entry) (stored Entry, created bool, err error)

	// Get returns ErrNotFound when the entry does not exist for clientID.
	Get(ctx context.Context, clientID, id string) (Entry, error)

	// ListDue returns pending entries with NotBefore absent or <= now, oldest CreatedAt
	// first, at most limit. Entries correlated to a paused run are not returned.
	ListDue(ctx context.Context, clientID string, now time.Time, limit int) ([]Entry, error)

	// DueClients lists tenants that have at least one due entry, at most limit.
	DueClients(ctx context.Context, now time.Time, limit int) ([]string, error)

	// Resolve moves a pending entry to sent or failed. It returns false when the entry
	// is missing or already resolved; calling it again is harmless.
	Resolve(ctx context.Context, clientID, id string, status Status, meta DeliveryMeta) (bool, error)

	// CancelByCorrelation fails every pending entry selected by m with reason recorded in
	// DeliveryMeta. It returns the number of entries actually transitioned.
	CancelByCorrelation(ctx context.Context, clientID string, m Match, reason string) (int, error)

	// CountByRun returns the status histogram of the entries correlated to runID.
	CountByRun(ctx context.Context, clientID, runID string) (StatusCounts, error)
}
