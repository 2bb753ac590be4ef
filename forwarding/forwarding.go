// Package forwarding implements the Forwarding Engine: SelectFor draws
// candidates out of the queues a Policy names (outbox, pending, and
// delivered by default) under six ordered exclusion/sort rules, and
// OnPeerAcked folds delivery observations back into per-bundle and
// per-peer bookkeeping.
package forwarding

import (
	"context"
	"sort"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/keyring"
	"github.com/trailmesh/bundle/meta"
	"github.com/trailmesh/bundle/peercontact"
	"github.com/trailmesh/bundle/receipt"
	"github.com/trailmesh/bundle/store"
)

// Candidate is one bundle eligible for transmission to a peer, from a
// single selectFor call.
type Candidate struct {
	Envelope *bundle.Envelope
}

// Policy narrows the candidate pool per the node's role: which queues are
// scanned, the minimum priority offered at all, and whether in-transit
// (pending) bundles outrank the node's own traffic — the posture a bridge
// node runs with.
type Policy struct {
	Queues        []bundle.Queue
	MinPriority   bundle.Priority
	PreferPending bool
}

// DefaultPolicy scans outbox, pending, and delivered (a local delivery
// does not end a bundle's life on the mesh) with no priority floor.
func DefaultPolicy() Policy {
	return Policy{
		Queues:      []bundle.Queue{bundle.QueueOutbox, bundle.QueuePending, bundle.QueueDelivered},
		MinPriority: bundle.PriorityLow,
	}
}

// Engine selects forwarding candidates for a peer contact session.
type Engine struct {
	store    store.Store
	keyring  *keyring.Keyring
	peers    *peercontact.Manager
	receipts *receipt.Issuer
	policy   Policy
}

// New builds a forwarding Engine. issuer may be nil; forwarded receipts
// are then never emitted. A zero-queue policy falls back to DefaultPolicy.
func New(st store.Store, kr *keyring.Keyring, peers *peercontact.Manager, issuer *receipt.Issuer, policy Policy) *Engine {
	if len(policy.Queues) == 0 {
		policy = DefaultPolicy()
	}
	return &Engine{store: st, keyring: kr, peers: peers, receipts: issuer, policy: policy}
}

// Peers returns the peer contact manager backing this engine's
// effectiveness boost, so a peer sync session can share the same contact
// bookkeeping it reads here.
func (e *Engine) Peers() *peercontact.Manager {
	return e.peers
}

// SelectFor returns the envelopes to offer peerID, honoring budgetBytes:
// exclusion rules 1-4 and sort rule 5, followed by greedy-fill.
func (e *Engine) SelectFor(ctx context.Context, peerID string, peerKey []byte, budgetBytes int64) ([]*bundle.Envelope, error) {
	// Rule 4's expired/quarantine exclusion holds because the policy's
	// queue set never contains those two queues.
	var pool []*store.Record
	for _, q := range e.policy.Queues {
		recs, err := e.store.ListByQueue(ctx, q, store.ListFilter{MinPriority: e.policy.MinPriority}, 0)
		if err != nil {
			return nil, err
		}
		pool = append(pool, recs...)
	}

	eligible := make([]*store.Record, 0, len(pool))
	for _, rec := range pool {
		if rec.Meta.HopsSeen >= int(rec.Envelope.HopLimit)+1 {
			continue // rule 1
		}
		if rec.Meta.HasSeenPeer(peerID) {
			continue // rule 2
		}
		if e.keyring != nil && !e.keyring.CanReceive(peerKey, rec.Envelope.Audience) {
			continue // rule 3
		}
		eligible = append(eligible, rec)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return e.less(eligible[i], eligible[j])
	})

	var out []*bundle.Envelope
	var used int64
	for _, rec := range eligible {
		size := int64(len(rec.Envelope.Payload))
		if used+size > budgetBytes {
			continue // greedy-fill: skip bundles that don't fit, keep trying smaller ones
		}
		out = append(out, rec.Envelope)
		used += size
	}
	return out, nil
}

// less implements rule 5's sort key: (priority desc, expiresAt asc,
// effectivenessBoost desc, bundleId asc). Under a PreferPending policy,
// in-transit bundles additionally outrank the node's own traffic at equal
// priority.
func (e *Engine) less(a, b *store.Record) bool {
	if a.Envelope.Priority != b.Envelope.Priority {
		return a.Envelope.Priority > b.Envelope.Priority
	}
	if e.policy.PreferPending {
		aPending := a.Queue == bundle.QueuePending
		bPending := b.Queue == bundle.QueuePending
		if aPending != bPending {
			return aPending
		}
	}
	if !a.Envelope.ExpiresAt.Equal(b.Envelope.ExpiresAt) {
		return a.Envelope.ExpiresAt.Before(b.Envelope.ExpiresAt)
	}
	if boostA, boostB := e.effectivenessBoost(a), e.effectivenessBoost(b); boostA != boostB {
		return boostA > boostB
	}
	return a.Envelope.BundleID < b.Envelope.BundleID
}

// effectivenessBoost folds every peer that has NOT yet seen this bundle
// into a single comparable score — in practice the overall network
// effectiveness average, since the boost is peer-set-independent here and
// only used to break ties between bundles, not between peers.
func (e *Engine) effectivenessBoost(rec *store.Record) float64 {
	if e.peers == nil {
		return 0
	}
	var sum float64
	var n int
	for _, p := range e.peers.All() {
		if rec.Meta.HasSeenPeer(p.PeerID) {
			continue
		}
		sum += p.Effectiveness
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// OnPeerAcked records that peerID has accepted bundleID into its store:
// counts the forward against the bundle's hop budget, updates peersSeen,
// folds the observation into the peer's decaying effectiveness average,
// and emits a forwarded receipt if the bundle requested one. observed is
// 1 if this bundle is independently known to have already reached another
// peer (this forward was redundant), 0 otherwise — callers without that
// visibility pass 0.
func (e *Engine) OnPeerAcked(ctx context.Context, peerID, bundleID string, observed float64) error {
	if err := e.store.UpdateMeta(ctx, bundleID, meta.Patch{IncrementHopsSeen: true, AddPeerSeen: peerID, Touch: true}); err != nil {
		return err
	}
	if e.peers != nil {
		e.peers.RecordDeliveredToThem(peerID, observed)
	}
	if e.receipts != nil {
		if rec, err := e.store.GetByID(ctx, bundleID); err == nil {
			_ = e.receipts.Issue(ctx, rec.Envelope, bundle.ReceiptForwarded, "")
		}
	}
	return nil
}
