// Package ingress implements the Ingress/Egress API:
// submit, subscribe, fetch, deliveryStatus, and the ordered admission
// checks every arriving bundle — whether from a local producer or a peer
// session — must pass.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/bundleerr"
	"github.com/trailmesh/bundle/canon"
	"github.com/trailmesh/bundle/crypto"
	"github.com/trailmesh/bundle/evictor"
	"github.com/trailmesh/bundle/internal/logger"
	"github.com/trailmesh/bundle/keyring"
	"github.com/trailmesh/bundle/meta"
	"github.com/trailmesh/bundle/metrics"
	"github.com/trailmesh/bundle/peersync"
	"github.com/trailmesh/bundle/receipt"
	"github.com/trailmesh/bundle/store"
)

// SubmitRequest is a local producer's request to originate a bundle.
// Exactly one of ExpiresAt/TTL must be set.
type SubmitRequest struct {
	Priority      bundle.Priority
	Audience      bundle.Audience
	Topic         string
	PayloadType   string
	Payload       []byte
	ExpiresAt     time.Time
	TTL           time.Duration
	ReceiptPolicy bundle.ReceiptPolicy
	HopLimit      uint32
}

// Subscription is a registered (topic filter, delivery callback) pair.
type Subscription struct {
	ID       string
	Topic    string
	Callback func(ctx context.Context, env *bundle.Envelope) error
}

// Config bounds admission.
type Config struct {
	MaxPayloadBytes  int
	PurgeGraceWindow time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// DefaultReceiptPolicy applies to submissions whose request leaves
	// ReceiptPolicy nil, so the node's role decides what a plain producer
	// hears back. An explicitly empty (non-nil) policy still means none.
	DefaultReceiptPolicy bundle.ReceiptPolicy
}

// DefaultConfig matches the sizes implied elsewhere in the substrate.
func DefaultConfig() Config {
	return Config{
		MaxPayloadBytes:  1 << 20,
		PurgeGraceWindow: 7 * 24 * time.Hour,
		RetryMaxAttempts: 5,
		RetryBaseDelay:   time.Second,
		RetryMaxDelay:    30 * time.Second,
	}
}

// Service wires the full ingress/egress surface over a store, signer,
// keyring, and evictor.
type Service struct {
	nodeID   string
	store    store.Store
	signer   *crypto.Service
	keyring  *keyring.Keyring
	evictor  *evictor.Evictor
	receipts *receipt.Issuer
	cfg      Config
	log      logger.Logger

	mu   sync.RWMutex
	subs []*Subscription
}

// New builds an ingress Service.
func New(nodeID string, st store.Store, signer *crypto.Service, kr *keyring.Keyring, ev *evictor.Evictor, issuer *receipt.Issuer, cfg Config, log logger.Logger) *Service {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Service{nodeID: nodeID, store: st, signer: signer, keyring: kr, evictor: ev, receipts: issuer, cfg: cfg, log: log}
}

// Submit signs req, computes its id, enforces canProduce, and writes it to
// outbox.
func (s *Service) Submit(ctx context.Context, producerKey []byte, req SubmitRequest) (*bundle.Envelope, error) {
	hasExpiresAt := !req.ExpiresAt.IsZero()
	hasTTL := req.TTL != 0
	if hasExpiresAt == hasTTL {
		return nil, bundleerr.New(bundleerr.KindValidation, bundleerr.ErrInvalidRequest, "exactly one of expiresAt/ttl must be set")
	}

	now := time.Now().UTC()
	expiresAt := req.ExpiresAt
	if hasTTL {
		expiresAt = now.Add(req.TTL)
	}
	if req.ReceiptPolicy == nil {
		req.ReceiptPolicy = s.cfg.DefaultReceiptPolicy
	}

	env := &bundle.Envelope{
		Producer:      producerKey,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
		Priority:      req.Priority,
		Audience:      req.Audience,
		Topic:         req.Topic,
		PayloadType:   req.PayloadType,
		Payload:       req.Payload,
		HopLimit:      req.HopLimit,
		ReceiptPolicy: req.ReceiptPolicy,
	}
	if err := env.Validate(); err != nil {
		return nil, bundleerr.New(bundleerr.KindValidation, bundleerr.ErrInvalidRequest, err.Error())
	}
	if len(env.Payload) > s.cfg.MaxPayloadBytes {
		return nil, bundleerr.New(bundleerr.KindPolicy, bundleerr.ErrPayloadTooLarge, "")
	}
	if s.keyring != nil && !s.keyring.CanProduce(producerKey, env.Audience) {
		return nil, bundleerr.New(bundleerr.KindAuth, bundleerr.ErrProducerNotAuthorized, env.Audience.String())
	}
	if err := s.signer.Sign(env); err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	if err := s.enqueueWithBudget(ctx, env, bundle.QueueOutbox); err != nil {
		return nil, err
	}
	metrics.SubmitTotal.Inc()
	return env, nil
}

// enqueueWithBudget enqueues env, then runs the reactive eviction path if
// the write pushed the store over budget.
func (s *Service) enqueueWithBudget(ctx context.Context, env *bundle.Envelope, queue bundle.Queue) error {
	if err := s.store.Enqueue(ctx, env, queue); err != nil {
		return err
	}
	if s.evictor != nil {
		if err := s.evictor.EvictUntilUnderBudget(ctx); err != nil {
			s.log.Warn("eviction pass failed after enqueue", logger.Error(err))
		}
	}
	return nil
}

// Subscribe registers a (topic filter, callback) pair. Every new bundle
// reaching inbox whose topic matches is delivered synchronously: the
// callback returns before the bundle is moved to delivered.
func (s *Service) Subscribe(id, topic string, callback func(ctx context.Context, env *bundle.Envelope) error) *Subscription {
	sub := &Subscription{ID: id, Topic: topic, Callback: callback}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub
}

// Unsubscribe removes a previously-registered subscription.
func (s *Service) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.subs[:0]
	for _, sub := range s.subs {
		if sub.ID != id {
			out = append(out, sub)
		}
	}
	s.subs = out
}

func (s *Service) matchingSubs(topic string) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subscription
	for _, sub := range s.subs {
		if sub.Topic == topic {
			out = append(out, sub)
		}
	}
	return out
}

// Fetch returns up to limit records currently in queue for topic (or every
// topic if empty).
func (s *Service) Fetch(ctx context.Context, queue bundle.Queue, topic string, limit int) ([]*store.Record, error) {
	return s.store.ListByQueue(ctx, queue, store.ListFilter{Topic: topic}, limit)
}

// FetchByID returns the single record for bundleID, wherever it resides.
func (s *Service) FetchByID(ctx context.Context, bundleID string) (*store.Record, error) {
	return s.store.GetByID(ctx, bundleID)
}

// DeliveryStatus delegates to the
// receipt issuer, which assembles status from locally observed receipts.
func (s *Service) DeliveryStatus(ctx context.Context, bundleID string) ([]receipt.Payload, error) {
	if s.receipts == nil {
		return nil, nil
	}
	return s.receipts.DeliveryStatus(ctx, bundleID)
}

// Admit runs the full arrival admission chain and returns a
// peersync.AdmitFunc-compatible result: accepted bundles are enqueued to
// inbox (or matched to delivered when a subscriber consumes them
// synchronously); rejected ones are quarantined with a recorded reason.
func (s *Service) Admit(ctx context.Context, env *bundle.Envelope) (accepted bool, reason peersync.NackReason, err error) {
	if len(env.Payload) > s.cfg.MaxPayloadBytes {
		s.quarantine(ctx, env, "payloadTooLarge")
		return false, peersync.NackTooLarge, nil
	}
	if verr := crypto.Verify(env); verr != nil {
		s.quarantine(ctx, env, "badSignature")
		return false, peersync.NackSignature, nil
	}
	computedID, cerr := canon.ComputeBundleID(env)
	if cerr != nil || computedID != env.BundleID {
		s.quarantine(ctx, env, "idMismatch")
		return false, peersync.NackSignature, nil
	}
	if s.keyring != nil && !s.keyring.CanProduce(env.Producer, env.Audience) {
		s.quarantine(ctx, env, "producerNotAuthorized")
		return false, peersync.NackAudience, nil
	}

	// hopsSeen < hopLimit+1 is trivially satisfied here: a bundle not yet
	// in the store starts at hopsSeen=0 on admission (meta.New), so this
	// check only bites once the bundle is later offered for forwarding
	// (forwarding.Engine.SelectFor rule 1).
	existing, gerr := s.store.GetByID(ctx, env.BundleID)
	if gerr == nil && existing != nil {
		return true, peersync.NackDuplicate, nil // still ACKed, never re-admitted
	}
	recentlyPurged, perr := s.store.WasRecentlyPurged(ctx, env.BundleID, s.cfg.PurgeGraceWindow)
	if perr == nil && recentlyPurged {
		return true, peersync.NackDuplicate, nil
	}

	if time.Now().UTC().After(env.ExpiresAt) {
		s.quarantine(ctx, env, "expired")
		// The wire NACK vocabulary has no "expired" reason; duplicate is
		// the closest fit since the effect on the sender is identical:
		// stop offering this id.
		return false, peersync.NackDuplicate, nil
	}

	if err := s.store.Enqueue(ctx, env, bundle.QueueInbox); err != nil {
		if errors.Is(err, bundleerr.ErrDuplicateID) {
			return true, peersync.NackDuplicate, nil
		}
		return false, "", fmt.Errorf("enqueue inbox: %w", err)
	}
	metrics.AdmissionOutcomes.WithLabelValues("accepted").Inc()
	if s.receipts != nil {
		_ = s.receipts.Issue(ctx, env, bundle.ReceiptReceived, "")
	}
	// One reactive eviction pass covers both the bundle and any receipt
	// it just put in the outbox, keeping the live-bytes ceiling tight.
	if s.evictor != nil {
		if err := s.evictor.EvictUntilUnderBudget(ctx); err != nil {
			s.log.Warn("eviction pass failed after admission", logger.Error(err))
		}
	}
	s.deliverToSubscribers(ctx, env)

	// Anything a synchronous delivery did not move out of inbox becomes
	// forward-eligible: inbox -> pending, so the forwarding engine will
	// offer it on the next contact. A concurrent (or retried) delivery
	// losing this race is fine; markDelivered handles both source queues.
	_ = s.store.Move(ctx, env.BundleID, bundle.QueueInbox, bundle.QueuePending)
	return true, "", nil
}

func (s *Service) quarantine(ctx context.Context, env *bundle.Envelope, reason string) {
	if err := s.store.Enqueue(ctx, env, bundle.QueueQuarantine); err != nil {
		return
	}
	_ = s.store.UpdateMeta(ctx, env.BundleID, meta.Patch{SetQuarantine: &reason})
	metrics.AdmissionOutcomes.WithLabelValues("quarantined:" + reason).Inc()
	s.log.Info("bundle quarantined", logger.String("bundleId", env.BundleID), logger.String("reason", reason))
}

// deliverToSubscribers synchronously invokes every matching subscription's
// callback, retrying failures with exponential backoff in the background
// so a slow or failing subscriber never blocks the ingress pipeline; once
// any callback succeeds the bundle is moved to delivered.
func (s *Service) deliverToSubscribers(ctx context.Context, env *bundle.Envelope) {
	subs := s.matchingSubs(env.Topic)
	if len(subs) == 0 {
		return
	}
	for _, sub := range subs {
		sub := sub
		if err := sub.Callback(ctx, env); err == nil {
			s.markDelivered(ctx, env.BundleID, sub.ID)
			continue
		}
		go s.retryDeliver(context.Background(), env, sub)
	}
}

func (s *Service) markDelivered(ctx context.Context, bundleID, subID string) {
	// The bundle is in inbox on the synchronous path, in pending if a
	// retried callback won after Admit moved it there, or already in
	// delivered when a second subscription matched the same bundle.
	if err := s.store.Move(ctx, bundleID, bundle.QueueInbox, bundle.QueueDelivered); err != nil {
		if err := s.store.Move(ctx, bundleID, bundle.QueuePending, bundle.QueueDelivered); err != nil {
			rec, gerr := s.store.GetByID(ctx, bundleID)
			if gerr != nil || rec.Queue != bundle.QueueDelivered {
				return
			}
		}
	}
	if err := s.store.UpdateMeta(ctx, bundleID, meta.Patch{AddDeliveredTo: subID}); err != nil {
		s.log.Warn("record delivered-to failed", logger.String("bundleId", bundleID), logger.String("subscription", subID), logger.Error(err))
	}
	if s.receipts != nil {
		if rec, err := s.store.GetByID(ctx, bundleID); err == nil {
			_ = s.receipts.Issue(ctx, rec.Envelope, bundle.ReceiptDelivered, "")
		}
	}
}

func (s *Service) retryDeliver(ctx context.Context, env *bundle.Envelope, sub *Subscription) {
	delay := s.cfg.RetryBaseDelay
	for attempt := 1; attempt <= s.cfg.RetryMaxAttempts; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := sub.Callback(ctx, env); err == nil {
			s.markDelivered(ctx, env.BundleID, sub.ID)
			return
		}
		delay *= 2
		if delay > s.cfg.RetryMaxDelay {
			delay = s.cfg.RetryMaxDelay
		}
	}
	s.log.Warn("subscriber callback exhausted retries", logger.String("bundleId", env.BundleID), logger.String("subscription", sub.ID))
}
