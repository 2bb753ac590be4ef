package peersync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/forwarding"
	"github.com/trailmesh/bundle/internal/logger"
	"github.com/trailmesh/bundle/meta"
	"github.com/trailmesh/bundle/metrics"
	"github.com/trailmesh/bundle/store"
)

// AdmitFunc runs the arriving-bundle admission chain and
// reports the outcome as a NACK reason when rejected. It is the same
// admission path ingress.Service uses for bundles arriving any other way,
// injected here so peersync does not import ingress (avoiding a cycle;
// ingress imports peersync for its NackReason values).
type AdmitFunc func(ctx context.Context, env *bundle.Envelope) (accepted bool, reason NackReason, err error)

// Session runs one symmetric peer contact session: both sides run both
// roles (offering and requesting) concurrently over the same Transport.
type Session struct {
	id          string
	conn        *framedConn
	selfID      string
	selfKey     []byte
	engine      *forwarding.Engine
	store       store.Store
	admit       AdmitFunc
	onAck       func(peerID, bundleID string)
	budget      int64
	graceWindow time.Duration
	log         logger.Logger

	// Teardown bookkeeping: once both sides have exchanged OFFER/WANT and
	// every DELIVER this side sent or asked for has been answered, the
	// session is idle and a BYE is sent. Only Run's goroutine touches these.
	sentWant    bool
	gotWant     bool
	awaitingIn  int // DELIVERs we asked for and have not yet received
	awaitingAck int // DELIVERs we sent and have not yet seen ACK/NACK for
	byeSent     bool
}

// NewSession wraps an established Transport as a peer sync session. Each
// session gets a random correlation id (distinct from the peer's stable
// identity) so its log lines can be grouped across the lifetime of one
// contact.
// st is consulted by handleOffer to diff an incoming OFFER against bundles
// already held (any queue) or recently purged, within graceWindow, so a
// WANT is only sent for ids genuinely missing.
func NewSession(t Transport, selfID string, selfKey []byte, engine *forwarding.Engine, st store.Store, admit AdmitFunc, onAck func(peerID, bundleID string), budgetBytes int64, graceWindow time.Duration, log logger.Logger) *Session {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Session{
		id:          uuid.NewString(),
		conn:        newFramedConn(t),
		selfID:      selfID,
		selfKey:     selfKey,
		engine:      engine,
		store:       st,
		admit:       admit,
		onAck:       onAck,
		budget:      budgetBytes,
		graceWindow: graceWindow,
		log:         log,
	}
}

// Run executes the full session flow until BYE or
// a transport error. Closing the transport at any point is safe: bundles
// mid-DELIVER are simply discarded since they were never admitted.
func (s *Session) Run(ctx context.Context) (peerID string, err error) {
	peerID, peerKey, err := s.exchangeHello(ctx)
	if err != nil {
		s.log.Warn("peer sync handshake failed", logger.String("session", s.id), logger.Error(err))
		return "", err
	}
	s.log.Info("peer sync session started", logger.String("session", s.id), logger.String("peerId", peerID))
	s.touchPeer(peerID, peerKey)
	defer func() {
		if err != nil {
			s.log.Warn("peer sync session ended", logger.String("session", s.id), logger.String("peerId", peerID), logger.Error(err))
		} else {
			s.log.Info("peer sync session ended", logger.String("session", s.id), logger.String("peerId", peerID))
		}
	}()

	envelopes, err := s.engine.SelectFor(ctx, peerID, peerKey, s.budget)
	if err != nil {
		return peerID, fmt.Errorf("selectFor: %w", err)
	}
	if err := s.sendOffer(envelopes); err != nil {
		return peerID, err
	}

	for {
		select {
		case <-ctx.Done():
			return peerID, ctx.Err()
		default:
		}

		kind, body, err := s.conn.readFrame()
		if err != nil {
			return peerID, err
		}
		switch kind {
		case KindOffer:
			if err := s.handleOffer(ctx, body); err != nil {
				return peerID, err
			}
		case KindWant:
			if err := s.handleWant(ctx, body, envelopes); err != nil {
				return peerID, err
			}
		case KindDeliver:
			if err := s.handleDeliver(ctx, peerID, body); err != nil {
				return peerID, err
			}
		case KindAck:
			var m AckMessage
			if err := json.Unmarshal(body, &m); err == nil {
				if s.engine != nil {
					_ = s.engine.OnPeerAcked(ctx, peerID, m.BundleID, 0)
				}
				if s.onAck != nil {
					s.onAck(peerID, m.BundleID)
				}
			}
			if s.awaitingAck > 0 {
				s.awaitingAck--
			}
		case KindNack:
			// Advisory only — nothing to undo on our side.
			if s.awaitingAck > 0 {
				s.awaitingAck--
			}
		case KindBye:
			if !s.byeSent {
				_ = s.conn.writeFrame(KindBye, nil)
			}
			return peerID, nil
		default:
			return peerID, fmt.Errorf("peersync: unexpected frame kind %s", kind)
		}

		if err := s.maybeBye(); err != nil {
			return peerID, err
		}
	}
}

// maybeBye sends BYE once both sides' OFFER/WANT rounds are complete and
// every outstanding DELIVER has been answered. The peer replies with its
// own BYE (or already sent one), ending the session cleanly; a fresh OFFER
// from either side before that re-arms the exchange instead.
func (s *Session) maybeBye() error {
	if s.byeSent || !s.sentWant || !s.gotWant || s.awaitingIn > 0 || s.awaitingAck > 0 {
		return nil
	}
	s.byeSent = true
	return s.conn.writeFrame(KindBye, nil)
}

func (s *Session) exchangeHello(ctx context.Context) (peerID string, peerKey []byte, err error) {
	hello := HelloMessage{
		PeerID:          s.selfID,
		PublicKey:       s.selfKey,
		ProtocolVersion: ProtocolVersion,
		Now:             time.Now().UTC(),
		AvailableBytes:  s.budget,
	}
	body, err := json.Marshal(hello)
	if err != nil {
		return "", nil, err
	}
	if err := s.conn.writeFrame(KindHello, body); err != nil {
		return "", nil, err
	}

	kind, rbody, err := s.conn.readFrame()
	if err != nil {
		return "", nil, err
	}
	if kind != KindHello {
		return "", nil, fmt.Errorf("peersync: expected HELLO, got %s", kind)
	}
	var peerHello HelloMessage
	if err := json.Unmarshal(rbody, &peerHello); err != nil {
		return "", nil, fmt.Errorf("peersync: decode HELLO: %w", err)
	}
	if peerHello.ProtocolVersion != ProtocolVersion {
		_ = s.conn.writeFrame(KindBye, nil)
		return "", nil, fmt.Errorf("peersync: protocol version mismatch (peer=%d, self=%d)", peerHello.ProtocolVersion, ProtocolVersion)
	}
	return peerHello.PeerID, peerHello.PublicKey, nil
}

// touchPeer records that peerID contacted us just now, creating its
// record on first sight, folding the observation into the same Manager
// the forwarding Engine reads for its effectiveness tie-break.
func (s *Session) touchPeer(peerID string, peerKey []byte) {
	if s.engine == nil {
		return
	}
	if peers := s.engine.Peers(); peers != nil {
		peers.Touch(peerID, peerKey)
	}
}

func (s *Session) recordDeliveredToUs(peerID string) {
	if s.engine == nil {
		return
	}
	if peers := s.engine.Peers(); peers != nil {
		peers.RecordDeliveredToUs(peerID)
	}
}

func (s *Session) sendOffer(envelopes []*bundle.Envelope) error {
	items := make([]OfferItem, len(envelopes))
	for i, env := range envelopes {
		items[i] = OfferItem{BundleID: env.BundleID, Priority: int(env.Priority), Size: len(env.Payload), Topic: env.Topic}
	}
	body, err := json.Marshal(OfferMessage{Items: items})
	if err != nil {
		return err
	}
	return s.conn.writeFrame(KindOffer, body)
}

// handleOffer is invoked when the peer sends a fresh OFFER at any point in
// the session: it WANTs only ids not already held in any local queue and
// not recently purged — the duplicate-suppression diff. A nil store (e.g.
// in unit tests exercising only the handshake) falls back to wanting
// everything.
func (s *Session) handleOffer(ctx context.Context, body []byte) error {
	var offer OfferMessage
	if err := json.Unmarshal(body, &offer); err != nil {
		return fmt.Errorf("peersync: decode OFFER: %w", err)
	}
	var want WantMessage
	for _, item := range offer.Items {
		if s.alreadyHave(ctx, item.BundleID) {
			continue
		}
		want.BundleIDs = append(want.BundleIDs, item.BundleID)
	}
	wbody, err := json.Marshal(want)
	if err != nil {
		return err
	}
	if err := s.conn.writeFrame(KindWant, wbody); err != nil {
		return err
	}
	s.sentWant = true
	s.awaitingIn += len(want.BundleIDs)
	return nil
}

// alreadyHave reports whether bundleID is already present in any local
// queue, or was purged within graceWindow, so offering it again is a
// no-op rather than a fresh WANT.
func (s *Session) alreadyHave(ctx context.Context, bundleID string) bool {
	if s.store == nil {
		return false
	}
	if _, err := s.store.GetByID(ctx, bundleID); err == nil {
		return true
	}
	purged, err := s.store.WasRecentlyPurged(ctx, bundleID, s.graceWindow)
	return err == nil && purged
}

func (s *Session) handleWant(ctx context.Context, body []byte, offered []*bundle.Envelope) error {
	var want WantMessage
	if err := json.Unmarshal(body, &want); err != nil {
		return fmt.Errorf("peersync: decode WANT: %w", err)
	}
	wanted := make(map[string]bool, len(want.BundleIDs))
	for _, id := range want.BundleIDs {
		wanted[id] = true
	}
	// Stream DELIVER in priority order (the order SelectFor already
	// produced).
	for _, env := range offered {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !wanted[env.BundleID] {
			continue
		}
		body, err := json.Marshal(DeliverMessage{Envelope: ToWire(env)})
		if err != nil {
			return err
		}
		if err := s.conn.writeFrame(KindDeliver, body); err != nil {
			return err
		}
		s.awaitingAck++
		metrics.BundlesForwardedTotal.Inc()
	}
	s.gotWant = true
	return nil
}

func (s *Session) handleDeliver(ctx context.Context, peerID string, body []byte) error {
	var msg DeliverMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("peersync: decode DELIVER: %w", err)
	}
	env, err := FromWire(msg.Envelope)
	if err != nil {
		return fmt.Errorf("peersync: reconstruct envelope: %w", err)
	}
	if s.awaitingIn > 0 {
		s.awaitingIn--
	}

	accepted, reason, err := s.admit(ctx, env)
	if err != nil {
		return fmt.Errorf("peersync: admission: %w", err)
	}
	if !accepted {
		nbody, merr := json.Marshal(NackMessage{BundleID: env.BundleID, Reason: reason})
		if merr != nil {
			return merr
		}
		return s.conn.writeFrame(KindNack, nbody)
	}
	s.recordDeliveredToUs(peerID)

	// The sender evidently possesses this bundle; recording that stops
	// the forwarding engine from ever offering it straight back.
	if s.store != nil {
		_ = s.store.UpdateMeta(ctx, env.BundleID, meta.Patch{AddPeerSeen: peerID})
	}

	// Duplicate bundles still get ACKed so the sender updates peersSeen,
	// which AdmitFunc signals by returning accepted=true with reason
	// NackDuplicate.
	abody, err := json.Marshal(AckMessage{BundleID: env.BundleID})
	if err != nil {
		return err
	}
	return s.conn.writeFrame(KindAck, abody)
}
