// Package memory is an in-process Store implementation: a map guarded by
// sync.RWMutex. Used by tests and by cmd/bundled whenever the configured
// storage driver is not "postgres".
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/bundleerr"
	"github.com/trailmesh/bundle/meta"
	"github.com/trailmesh/bundle/store"
)

type entry struct {
	env   *bundle.Envelope
	queue bundle.Queue
	meta  *meta.Meta
}

// Store is an in-memory store.Store.
type Store struct {
	mu           sync.RWMutex
	byID         map[string]*entry
	purgedAtByID map[string]time.Time
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		byID:         make(map[string]*entry),
		purgedAtByID: make(map[string]time.Time),
	}
}

func (s *Store) Enqueue(ctx context.Context, env *bundle.Envelope, queue bundle.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[env.BundleID]; ok {
		return bundleerr.New(bundleerr.KindValidation, bundleerr.ErrDuplicateID, env.BundleID)
	}
	s.byID[env.BundleID] = &entry{
		env:   env,
		queue: queue,
		meta:  meta.New(time.Now().UTC()),
	}
	return nil
}

func (s *Store) Move(ctx context.Context, bundleID string, fromQueue, toQueue bundle.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[bundleID]
	if !ok {
		return bundleerr.New(bundleerr.KindValidation, bundleerr.ErrNotFound, bundleID)
	}
	if e.queue != fromQueue {
		return bundleerr.New(bundleerr.KindValidation, bundleerr.ErrConcurrentMove, bundleID)
	}
	e.queue = toQueue
	e.meta.LastTouched = time.Now().UTC()
	return nil
}

func (s *Store) GetByID(ctx context.Context, bundleID string) (*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[bundleID]
	if !ok {
		return nil, bundleerr.New(bundleerr.KindValidation, bundleerr.ErrNotFound, bundleID)
	}
	return toRecord(e), nil
}

func toRecord(e *entry) *store.Record {
	return &store.Record{Envelope: e.env, Queue: e.queue, Meta: e.meta.Clone()}
}

func (s *Store) ListByQueue(ctx context.Context, queue bundle.Queue, filter store.ListFilter, limit int) ([]*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Record
	for _, e := range s.byID {
		if e.queue != queue {
			continue
		}
		if filter.Topic != "" && e.env.Topic != filter.Topic {
			continue
		}
		if e.env.Priority < filter.MinPriority {
			continue
		}
		out = append(out, toRecord(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Envelope.Priority != out[j].Envelope.Priority {
			return out[i].Envelope.Priority > out[j].Envelope.Priority
		}
		return out[i].Meta.EnqueueAt.Before(out[j].Meta.EnqueueAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListByTopic(ctx context.Context, topic string, since time.Time) ([]*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Record
	for _, e := range s.byID {
		if e.env.Topic != topic {
			continue
		}
		if e.meta.EnqueueAt.Before(since) {
			continue
		}
		out = append(out, toRecord(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Meta.EnqueueAt.Before(out[j].Meta.EnqueueAt) })
	return out, nil
}

func (s *Store) UpdateMeta(ctx context.Context, bundleID string, patch meta.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[bundleID]
	if !ok {
		return bundleerr.New(bundleerr.KindValidation, bundleerr.ErrNotFound, bundleID)
	}
	patch.Apply(e.meta, time.Now().UTC())
	return nil
}

func (s *Store) Purge(ctx context.Context, bundleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[bundleID]
	if !ok {
		return nil // idempotent
	}
	if e.queue != bundle.QueueExpired && e.queue != bundle.QueueQuarantine {
		return bundleerr.New(bundleerr.KindValidation, bundleerr.ErrWrongQueue, bundleID)
	}
	delete(s.byID, bundleID)
	s.purgedAtByID[bundleID] = time.Now().UTC()
	return nil
}

func (s *Store) TotalLiveBytes(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, e := range s.byID {
		for _, live := range bundle.LiveQueues {
			if e.queue == live {
				total += int64(len(e.env.Payload))
				break
			}
		}
	}
	return total, nil
}

func (s *Store) WasRecentlyPurged(ctx context.Context, bundleID string, within time.Duration) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.purgedAtByID[bundleID]
	if !ok {
		return false, nil
	}
	return time.Since(t) < within, nil
}

var _ store.Store = (*Store)(nil)
