package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trailmesh/bundle/bundleerr"
	"github.com/trailmesh/bundle/peercontact"
)

// PeerStore persists the peers table, so contact history and decaying
// effectiveness scores survive a node restart instead of resetting to an
// empty peercontact.Manager every time.
type PeerStore struct {
	db *pgxpool.Pool
}

// NewPeerStore wraps an already-connected pool.
func NewPeerStore(db *pgxpool.Pool) *PeerStore {
	return &PeerStore{db: db}
}

// Load rebuilds a Manager from every persisted peer row.
func (s *PeerStore) Load(ctx context.Context) (*peercontact.Manager, error) {
	m := peercontact.NewManager()
	query := `SELECT peer_id, public_key, first_seen, last_contact,
		delivered_to_us_count, delivered_to_them_count, effectiveness FROM peers`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	defer rows.Close()

	for rows.Next() {
		var p peercontact.Peer
		if err := rows.Scan(&p.PeerID, &p.PublicKey, &p.FirstSeen, &p.LastContact,
			&p.DeliveredToUsCount, &p.DeliveredToThemCount, &p.Effectiveness); err != nil {
			return nil, bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
		}
		m.Restore(&p)
	}
	if err := rows.Err(); err != nil {
		return nil, bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	return m, nil
}

// Save upserts one peer's current record. Called periodically and on
// shutdown by cmd/bundled, which is the only long-lived holder of a
// Manager that actually accrues contact observations.
func (s *PeerStore) Save(ctx context.Context, p *peercontact.Peer) error {
	query := `INSERT INTO peers (peer_id, public_key, first_seen, last_contact,
			delivered_to_us_count, delivered_to_them_count, effectiveness)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (peer_id) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			last_contact = EXCLUDED.last_contact,
			delivered_to_us_count = EXCLUDED.delivered_to_us_count,
			delivered_to_them_count = EXCLUDED.delivered_to_them_count,
			effectiveness = EXCLUDED.effectiveness`
	_, err := s.db.Exec(ctx, query, p.PeerID, p.PublicKey, p.FirstSeen, p.LastContact,
		p.DeliveredToUsCount, p.DeliveredToThemCount, p.Effectiveness)
	if err != nil {
		return bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	return nil
}

// SaveAll upserts every peer currently known to m, the snapshot cmd/bundled
// runs on a timer and at shutdown.
func (s *PeerStore) SaveAll(ctx context.Context, m *peercontact.Manager) error {
	for _, p := range m.All() {
		if err := s.Save(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
