package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trailmesh/bundle/bundleerr"
	"github.com/trailmesh/bundle/keyring"
)

// KeyringStore persists the keyrings table, so a restarted node does not
// lose its trust state. A Keyring built with keyring.New and held only in
// memory (as ingress and forwarding still do for request-scoped callers
// like bundlectl submit) is unaffected; KeyringStore is the durable path
// bundled and bundlectl's keyring subcommand use instead.
type KeyringStore struct {
	db *pgxpool.Pool
}

// NewKeyringStore wraps an already-connected pool.
func NewKeyringStore(db *pgxpool.Pool) *KeyringStore {
	return &KeyringStore{db: db}
}

// Load rebuilds a Keyring from every persisted membership row.
func (s *KeyringStore) Load(ctx context.Context) (*keyring.Keyring, error) {
	kr := keyring.New()
	rows, err := s.db.Query(ctx, `SELECT keyring_name, public_key, added_at, note FROM keyrings`)
	if err != nil {
		return nil, bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var pub []byte
		var addedAt time.Time
		var note *string
		if err := rows.Scan(&name, &pub, &addedAt, &note); err != nil {
			return nil, bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
		}
		n := ""
		if note != nil {
			n = *note
		}
		_ = kr.Restore(keyring.Name(name), keyring.Entry{PublicKey: pub, AddedAt: addedAt, Note: n})
	}
	if err := rows.Err(); err != nil {
		return nil, bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	return kr, nil
}

// Add persists a membership grant. Callers also call Keyring.Add so the
// in-memory view a running node holds stays consistent with the row this
// writes.
func (s *KeyringStore) Add(ctx context.Context, name keyring.Name, publicKey []byte, note string) error {
	query := `INSERT INTO keyrings (keyring_name, public_key, added_at, note) VALUES ($1, $2, $3, $4)
		ON CONFLICT (keyring_name, public_key) DO UPDATE SET note = EXCLUDED.note`
	if _, err := s.db.Exec(ctx, query, string(name), publicKey, time.Now().UTC(), note); err != nil {
		return bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	return nil
}

// Remove deletes a membership grant, if present.
func (s *KeyringStore) Remove(ctx context.Context, name keyring.Name, publicKey []byte) error {
	query := `DELETE FROM keyrings WHERE keyring_name = $1 AND public_key = $2`
	if _, err := s.db.Exec(ctx, query, string(name), publicKey); err != nil {
		return bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	return nil
}
