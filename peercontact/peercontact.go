// Package peercontact is the Peer Contact Manager: the per-peer record
// and the PRoPHET-style decaying-average effectiveness score the
// Forwarding Engine reads as a tie-break.
package peercontact

import (
	"sync"
	"time"
)

// Peer is one contact's record.
type Peer struct {
	PeerID               string
	PublicKey            []byte
	FirstSeen            time.Time
	LastContact          time.Time
	DeliveredToUsCount   int
	DeliveredToThemCount int
	Effectiveness        float64
}

// Gamma is the PRoPHET-style decay constant: on every observation,
// score = score*(1-gamma) + observed*gamma.
const Gamma = 0.25

// Manager tracks peer records in memory.
type Manager struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{peers: make(map[string]*Peer)}
}

// Touch records a contact with peerID, creating the record on first sight.
func (m *Manager) Touch(peerID string, publicKey []byte) *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	p, ok := m.peers[peerID]
	if !ok {
		p = &Peer{PeerID: peerID, PublicKey: publicKey, FirstSeen: now}
		m.peers[peerID] = p
	}
	p.LastContact = now
	if len(publicKey) > 0 {
		p.PublicKey = publicKey
	}
	return p
}

// Restore inserts p directly into the manager, preserving its full record
// (FirstSeen, counts, Effectiveness). Used only by persistence loaders
// reconstructing state from a store; runtime contact bookkeeping goes
// through Touch/RecordDeliveredToUs/RecordDeliveredToThem instead.
func (m *Manager) Restore(p *Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.peers[cp.PeerID] = &cp
}

// Get returns the peer record, or nil if unknown.
func (m *Manager) Get(peerID string) *Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[peerID]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// RecordDeliveredToUs increments the count of bundles this peer has given
// us.
func (m *Manager) RecordDeliveredToUs(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[peerID]; ok {
		p.DeliveredToUsCount++
	}
}

// RecordDeliveredToThem increments the count of bundles we have given this
// peer, and folds observed (1 if the bundle subsequently reached another
// peer first, 0 otherwise) into the decaying effectiveness average.
func (m *Manager) RecordDeliveredToThem(peerID string, observed float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	if !ok {
		return
	}
	p.DeliveredToThemCount++
	p.Effectiveness = p.Effectiveness*(1-Gamma) + observed*Gamma
}

// Effectiveness returns the current decaying-average effectiveness score
// for peerID, 0 if unknown. Read-only input to forwarding's sort key,
// never to admission.
func (m *Manager) Effectiveness(peerID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.peers[peerID]; ok {
		return p.Effectiveness
	}
	return 0
}

// All returns a snapshot of every known peer.
func (m *Manager) All() []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		cp := *p
		out = append(out, &cp)
	}
	return out
}
