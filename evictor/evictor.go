// Package evictor implements the Cache Evictor: a
// total-live-bytes budget enforced both reactively (after an enqueue that
// would exceed budget) and proactively (on a timer), sharing one
// evictUntilUnderBudget routine.
package evictor

import (
	"context"
	"time"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/internal/logger"
	"github.com/trailmesh/bundle/meta"
	"github.com/trailmesh/bundle/metrics"
	"github.com/trailmesh/bundle/receipt"
	"github.com/trailmesh/bundle/store"
)

// Weights are the coefficients of the eviction-utility score.
type Weights struct {
	Priority   float64
	Age        float64
	NotDeliv   float64
	NotFwd     float64
	Size       float64
	MaxPayload int64
}

// DefaultWeights matches the formula's implied unit weights.
func DefaultWeights() Weights {
	return Weights{Priority: 1, Age: 1, NotDeliv: 1, NotFwd: 1, Size: 1, MaxPayload: 1 << 20}
}

// Config controls budget and sweep cadence.
type Config struct {
	BudgetBytes int64 // default 2 GiB
	Interval    time.Duration
	Weights     Weights
}

// DefaultConfig is a 2 GiB budget, checked every
// 30 seconds.
func DefaultConfig() Config {
	return Config{
		BudgetBytes: 2 << 30,
		Interval:    30 * time.Second,
		Weights:     DefaultWeights(),
	}
}

// Evictor owns budget enforcement over a store.Store.
type Evictor struct {
	store    store.Store
	receipts *receipt.Issuer
	cfg      Config
	log      logger.Logger
}

// New builds an Evictor.
func New(st store.Store, issuer *receipt.Issuer, cfg Config, log logger.Logger) *Evictor {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Evictor{store: st, receipts: issuer, cfg: cfg, log: log}
}

// Run blocks, checking the budget on cfg.Interval until ctx is canceled.
func (e *Evictor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = e.EvictUntilUnderBudget(ctx)
		}
	}
}

// candidate pairs a record with its computed utility score.
type candidate struct {
	rec   *store.Record
	score float64
}

// utility computes the eviction score U; lower means evict first.
func (w Weights) utility(rec *store.Record, now time.Time) float64 {
	env := rec.Envelope
	ttl := env.TTL()
	age := now.Sub(env.CreatedAt)
	ageRatio := 0.0
	if ttl > 0 {
		ageRatio = 1 - float64(age)/float64(ttl)
	}

	notDelivered := 0.0
	if !rec.Meta.IsDelivered() {
		notDelivered = 1
	}
	notForwarded := 0.0
	if rec.Meta.HopsSeen == 0 {
		notForwarded = 1
	}

	maxPayload := w.MaxPayload
	if maxPayload <= 0 {
		maxPayload = 1
	}
	sizeRatio := float64(len(env.Payload)) / float64(maxPayload)

	return w.Priority*env.Priority.Weight() +
		w.Age*ageRatio +
		w.NotDeliv*notDelivered +
		w.NotFwd*notForwarded -
		w.Size*sizeRatio
}

// evictable reports whether rec may ever be dropped by cache pressure:
// emergency bundles still within TTL are exempt — they may
// only leave via TTL expiry.
func evictable(rec *store.Record, now time.Time) bool {
	if rec.Envelope.Priority == bundle.PriorityEmergency && now.Before(rec.Envelope.ExpiresAt) {
		return false
	}
	return true
}

// EvictUntilUnderBudget evicts the lowest-utility evictable bundles across
// every live queue until TotalLiveBytes is at or below the configured
// budget, or nothing more is evictable.
func (e *Evictor) EvictUntilUnderBudget(ctx context.Context) error {
	for {
		total, err := e.store.TotalLiveBytes(ctx)
		if err != nil {
			return err
		}
		if total <= e.cfg.BudgetBytes {
			return nil
		}

		victim, ok, err := e.pickVictim(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil // nothing left to evict; the store stays over budget and no ErrQueueFull is raised
		}
		e.evict(ctx, victim)
	}
}

// awaitingDeliveryReceipt reports whether rec's producer asked for a
// delivered receipt that has not been earned yet. Such bundles sit behind
// an eviction floor: they are only victims once nothing else is.
func awaitingDeliveryReceipt(rec *store.Record) bool {
	return rec.Envelope.ReceiptPolicy.Has(bundle.ReceiptDelivered) && !rec.Meta.IsDelivered()
}

func (e *Evictor) pickVictim(ctx context.Context) (*store.Record, bool, error) {
	now := time.Now().UTC()
	var best, floored *candidate
	for _, q := range bundle.LiveQueues {
		recs, err := e.store.ListByQueue(ctx, q, store.ListFilter{}, 0)
		if err != nil {
			return nil, false, err
		}
		for _, rec := range recs {
			if !evictable(rec, now) {
				continue
			}
			c := &candidate{rec: rec, score: e.cfg.Weights.utility(rec, now)}
			if awaitingDeliveryReceipt(rec) {
				if floored == nil || lessUtility(c, floored) {
					floored = c
				}
				continue
			}
			if best == nil || lessUtility(c, best) {
				best = c
			}
		}
	}
	if best == nil {
		best = floored
	}
	if best == nil {
		return nil, false, nil
	}
	return best.rec, true, nil
}

// lessUtility orders by score ascending, ties broken by lastTouched
// ascending (older first).
func lessUtility(a, b *candidate) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.rec.Meta.LastTouched.Before(b.rec.Meta.LastTouched)
}

func (e *Evictor) evict(ctx context.Context, rec *store.Record) {
	queue := rec.Queue
	if err := e.store.Move(ctx, rec.Envelope.BundleID, queue, bundle.QueueExpired); err != nil {
		return
	}
	// Stamp expiredAt the way the sweeper does: the grace-window purge
	// keys on it, so an unstamped eviction would sit in expired forever
	// and keep answering duplicate checks for the rest of time.
	now := time.Now().UTC()
	_ = e.store.UpdateMeta(ctx, rec.Envelope.BundleID, meta.Patch{SetExpiredAt: &now})
	metrics.EvictionsTotal.Inc()
	e.log.Info("evicted bundle under cache pressure",
		logger.String("bundleId", rec.Envelope.BundleID),
		logger.String("queue", string(queue)),
		logger.Int("bytes", len(rec.Envelope.Payload)))

	if e.receipts != nil {
		_ = e.receipts.IssueEvicted(ctx, rec.Envelope, rec.Meta.IsDelivered())
	}
}
