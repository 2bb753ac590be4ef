// Package store defines the Queue Store: the persistent, durable home for
// bundles, each residing in exactly one of six queues, plus the secondary
// indexes the forwarding and sweep paths need. Two implementations exist
// behind this interface, store/postgres and store/memory.
package store

import (
	"context"
	"time"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/meta"
)

// Record is a bundle plus its current queue and mutable metadata, the unit
// returned by read operations.
type Record struct {
	Envelope *bundle.Envelope
	Queue    bundle.Queue
	Meta     *meta.Meta
}

// ListFilter narrows ListByQueue results. Zero value matches everything.
type ListFilter struct {
	Topic       string
	MinPriority bundle.Priority
}

// Store is the Queue Store contract. Every method is
// atomic with respect to the single bundle it touches; no method requires
// a caller-visible transaction.
type Store interface {
	// Enqueue inserts bundle into queue with freshly-initialized metadata.
	// Returns bundleerr.ErrDuplicateID wrapped if bundleId already exists
	// anywhere in the store.
	Enqueue(ctx context.Context, env *bundle.Envelope, queue bundle.Queue) error

	// Move performs a compare-and-set transition: it succeeds only if the
	// bundle is currently in fromQueue. Concurrent movers racing on the
	// same bundle see exactly one success; the loser gets
	// bundleerr.ErrConcurrentMove.
	Move(ctx context.Context, bundleID string, fromQueue, toQueue bundle.Queue) error

	// GetByID returns bundleerr.ErrNotFound if absent.
	GetByID(ctx context.Context, bundleID string) (*Record, error)

	// ListByQueue lists up to limit records in queue matching filter,
	// ordered by (priority desc, enqueueAt asc).
	ListByQueue(ctx context.Context, queue bundle.Queue, filter ListFilter, limit int) ([]*Record, error)

	// ListByTopic lists records whose envelope Topic matches, enqueued at
	// or after since, across every queue, expired and quarantine included.
	ListByTopic(ctx context.Context, topic string, since time.Time) ([]*Record, error)

	// UpdateMeta applies patch to the bundle's metadata in place.
	UpdateMeta(ctx context.Context, bundleID string, patch meta.Patch) error

	// Purge permanently removes a bundle. Only permitted from expired or
	// quarantine queues; bundleerr.ErrWrongQueue otherwise. Idempotent:
	// purging an already-absent id is not an error.
	Purge(ctx context.Context, bundleID string) error

	// TotalLiveBytes sums payload size across every live (non-terminal)
	// queue, for the Cache Evictor's budget check.
	TotalLiveBytes(ctx context.Context) (int64, error)

	// WasRecentlyPurged reports whether bundleID was purged within the
	// duplicate-id grace window.
	WasRecentlyPurged(ctx context.Context, bundleID string, within time.Duration) (bool, error)
}
