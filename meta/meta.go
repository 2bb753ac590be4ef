// Package meta holds the mutable per-bundle metadata that rides alongside
// an immutable, signed bundle.Envelope: queue membership bookkeeping that
// is never part of the signed/content-addressed form.
package meta

import "time"

// Meta is the mutable state the Queue Store tracks for one bundle,
// in addition to its immutable Envelope.
type Meta struct {
	EnqueueAt time.Time
	// HopsSeen is the count of times THIS node has forwarded the bundle;
	// invariant hopsSeen <= hopLimit+1.
	HopsSeen int
	// PeersSeen is the set of peer identities that have acknowledged
	// possession of the bundle.
	PeersSeen map[string]struct{}
	// DeliveredTo is the set of local subscription identifiers the
	// bundle has been matched and delivered to.
	DeliveredTo map[string]struct{}
	LastTouched time.Time

	// ExpiredAt is set when the bundle is moved to the expired queue by
	// the TTL sweeper or the cache evictor.
	ExpiredAt time.Time
	// QuarantineReason records why admission routed the bundle to
	// quarantine.
	QuarantineReason string
}

// New returns a freshly-initialized Meta for a bundle entering a queue for
// the first time.
func New(now time.Time) *Meta {
	return &Meta{
		EnqueueAt:   now,
		PeersSeen:   make(map[string]struct{}),
		DeliveredTo: make(map[string]struct{}),
		LastTouched: now,
	}
}

// Clone returns a deep copy, used whenever a caller needs a snapshot that
// will not be mutated by a concurrent updateMeta.
func (m *Meta) Clone() *Meta {
	c := *m
	c.PeersSeen = make(map[string]struct{}, len(m.PeersSeen))
	for k := range m.PeersSeen {
		c.PeersSeen[k] = struct{}{}
	}
	c.DeliveredTo = make(map[string]struct{}, len(m.DeliveredTo))
	for k := range m.DeliveredTo {
		c.DeliveredTo[k] = struct{}{}
	}
	return &c
}

// HasSeenPeer reports whether peerID has already acknowledged this bundle.
func (m *Meta) HasSeenPeer(peerID string) bool {
	_, ok := m.PeersSeen[peerID]
	return ok
}

// IsDelivered reports whether the bundle has matched at least one local
// subscription.
func (m *Meta) IsDelivered() bool {
	return len(m.DeliveredTo) > 0
}

// Patch describes an incremental update to apply via Store.UpdateMeta.
// Nil fields are left untouched.
type Patch struct {
	IncrementHopsSeen bool
	AddPeerSeen       string
	AddDeliveredTo    string
	Touch             bool
	SetExpiredAt      *time.Time
	SetQuarantine     *string
}

// Apply mutates m according to p and stamps LastTouched if p.Touch or any
// other field changed.
func (p Patch) Apply(m *Meta, now time.Time) {
	changed := false
	if p.IncrementHopsSeen {
		m.HopsSeen++
		changed = true
	}
	if p.AddPeerSeen != "" {
		m.PeersSeen[p.AddPeerSeen] = struct{}{}
		changed = true
	}
	if p.AddDeliveredTo != "" {
		m.DeliveredTo[p.AddDeliveredTo] = struct{}{}
		changed = true
	}
	if p.SetExpiredAt != nil {
		m.ExpiredAt = *p.SetExpiredAt
		changed = true
	}
	if p.SetQuarantine != nil {
		m.QuarantineReason = *p.SetQuarantine
		changed = true
	}
	if p.Touch || changed {
		m.LastTouched = now
	}
}
