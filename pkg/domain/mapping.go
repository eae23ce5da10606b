package domain

import "context"

// Mapping is one open handle to a backing transactional item store. All
// methods are safe for use from a single goroutine at a time; flowbase
// serializes access through the owning connection's worker.
//
// AddItems and UpdateItems apply valid rows even when siblings fail; rejected
// rows are enumerated in the returned error log with a human-readable reason.
// When check is false the store still rejects invalid rows, but without the
// richer pre-write diagnostics.
type Mapping interface {
	// URL identifies the backing store.
	URL() string

	// Query returns the current (committed plus pending) items of one type.
	Query(ctx context.Context, typ ItemType) ([]Item, error)

	// AddItems inserts items, assigning fresh identifiers. Returned items
	// carry the generated ids.
	AddItems(ctx context.Context, typ ItemType, items []Item, check bool) (applied []Item, errorLog []string)

	// ReaddItems restores previously removed items preserving their original
	// identifiers. Used when undoing a removal and when redoing an addition.
	ReaddItems(ctx context.Context, typ ItemType, items []Item) error

	// UpdateItems merges the given fields into existing items by id.
	UpdateItems(ctx context.Context, typ ItemType, items []Item, check bool) (applied []Item, errorLog []string)

	// ReplaceItems overwrites existing items wholesale by id. Merge semantics
	// would let a field introduced by an update survive that update's undo;
	// undoing restores the exact prior snapshot through this path instead.
	ReplaceItems(ctx context.Context, typ ItemType, items []Item) error

	// CascadingIDs expands seed ids to the transitive closure of dependent
	// items that must be removed together. Ids that no longer exist are
	// skipped, not reported.
	CascadingIDs(ctx context.Context, seed map[ItemType][]int64) (map[ItemType][]int64, error)

	// RemoveItems deletes the given ids. Absent ids are no-ops.
	RemoveItems(ctx context.Context, ids map[ItemType][]int64) error

	// Commit makes all pending session changes durable under the given
	// message. Fails with ErrNothingToCommit when the session is clean.
	Commit(ctx context.Context, message string) error

	// Rollback discards all pending session changes.
	Rollback(ctx context.Context) error

	// Dirty reports whether uncommitted changes are pending.
	Dirty() bool

	// Close releases the backing store. Closing twice is a no-op.
	Close() error
}
