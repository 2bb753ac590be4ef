// Package sweeper implements the TTL sweeper: a fixed-period background
// goroutine that moves expired bundles out of the live queues and purges
// expired/quarantine bundles once their grace window has passed.
package sweeper

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/meta"
	"github.com/trailmesh/bundle/metrics"
	"github.com/trailmesh/bundle/receipt"
	"github.com/trailmesh/bundle/store"
)

// Config controls sweep cadence and retention.
type Config struct {
	Interval       time.Duration
	GraceWindow    time.Duration // default 7 days
	ListBatchLimit int
}

// DefaultConfig is the stock cadence and retention.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		GraceWindow:    7 * 24 * time.Hour,
		ListBatchLimit: 500,
	}
}

// Sweeper owns the background TTL sweep.
type Sweeper struct {
	store    store.Store
	receipts *receipt.Issuer
	cfg      Config
	purges   singleflight.Group
}

// New builds a Sweeper over store, issuing expiry receipts through issuer.
func New(st store.Store, issuer *receipt.Issuer, cfg Config) *Sweeper {
	return &Sweeper{store: st, receipts: issuer, cfg: cfg}
}

// Run blocks, sweeping on cfg.Interval until ctx is canceled. Intended to
// be run under an errgroup alongside the evictor and ingress workers.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep pass: expire live bundles past their TTL, then purge
// expired/quarantine bundles past the grace window. Errors on individual
// bundles are swallowed without being logged or returned, so one bad record
// never stalls the whole tick; failures self-heal on the next tick since
// purging is idempotent.
func (s *Sweeper) Tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, q := range bundle.LiveQueues {
		s.expireQueue(ctx, q, now)
	}
	s.purgeGraced(ctx, bundle.QueueExpired, now)
	s.purgeGraced(ctx, bundle.QueueQuarantine, now)
	s.reportQueueDepths(ctx)
}

// Purge permanently removes bundleID, coalescing concurrent purge calls
// for the same id (the grace-window pass racing an explicit admin purge)
// into a single store operation.
func (s *Sweeper) Purge(ctx context.Context, bundleID string) error {
	_, err, _ := s.purges.Do(bundleID, func() (any, error) {
		return nil, s.store.Purge(ctx, bundleID)
	})
	if err == nil {
		metrics.PurgedTotal.Inc()
	}
	return err
}

// reportQueueDepths refreshes the per-queue occupancy gauge once per tick;
// the sweeper already walks the store, so it is the natural owner of this
// observation.
func (s *Sweeper) reportQueueDepths(ctx context.Context) {
	for _, q := range []bundle.Queue{
		bundle.QueueInbox, bundle.QueueOutbox, bundle.QueuePending,
		bundle.QueueDelivered, bundle.QueueExpired, bundle.QueueQuarantine,
	} {
		recs, err := s.store.ListByQueue(ctx, q, store.ListFilter{}, 0)
		if err != nil {
			continue
		}
		metrics.BundlesByQueue.WithLabelValues(string(q)).Set(float64(len(recs)))
	}
}

func (s *Sweeper) expireQueue(ctx context.Context, q bundle.Queue, now time.Time) {
	recs, err := s.store.ListByQueue(ctx, q, store.ListFilter{}, s.cfg.ListBatchLimit)
	if err != nil {
		return
	}
	for _, rec := range recs {
		if now.Before(rec.Envelope.ExpiresAt) {
			continue
		}
		if err := s.store.Move(ctx, rec.Envelope.BundleID, q, bundle.QueueExpired); err != nil {
			continue // lost the race to a concurrent mover or sweep; next tick is idempotent
		}
		metrics.SweptExpiredTotal.Inc()
		expiredAt := now
		_ = s.store.UpdateMeta(ctx, rec.Envelope.BundleID, meta.Patch{SetExpiredAt: &expiredAt})
		if rec.Envelope.ReceiptPolicy.Has(bundle.ReceiptExpired) && s.receipts != nil {
			_ = s.receipts.Issue(ctx, rec.Envelope, bundle.ReceiptExpired, "")
		}
	}
}

func (s *Sweeper) purgeGraced(ctx context.Context, q bundle.Queue, now time.Time) {
	recs, err := s.store.ListByQueue(ctx, q, store.ListFilter{}, s.cfg.ListBatchLimit)
	if err != nil {
		return
	}
	for _, rec := range recs {
		cutoff := rec.Meta.ExpiredAt
		if q == bundle.QueueQuarantine {
			cutoff = rec.Meta.LastTouched
		}
		if cutoff.IsZero() || now.Sub(cutoff) <= s.cfg.GraceWindow {
			continue
		}
		// A wrong-queue error here means a concurrent mover changed the
		// bundle's queue between our list and our purge; it will be
		// picked up correctly on the next tick.
		_ = s.Purge(ctx, rec.Envelope.BundleID)
	}
}
