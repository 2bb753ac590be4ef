// Package postgres is a pgxpool-backed store.Store. Move is a single
// UPDATE ... WHERE id = $1 AND queue = $2 inside a pgx.Tx, so a concurrent
// mover's compare-and-set loses the race atomically (affected rows = 0 ⇒
// bundleerr.ErrConcurrentMove).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/bundleerr"
	"github.com/trailmesh/bundle/meta"
	"github.com/trailmesh/bundle/store"
)

// Store is a store.Store backed by PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

// New wraps an already-connected pool. Callers run schema.sql (or a
// migration tool) before first use.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func receiptKindsOf(p bundle.ReceiptPolicy) []string {
	sorted := p.Sorted()
	out := make([]string, len(sorted))
	for i, k := range sorted {
		out[i] = string(k)
	}
	return out
}

func (s *Store) Enqueue(ctx context.Context, env *bundle.Envelope, queue bundle.Queue) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO bundles (
			bundle_id, producer, created_at, expires_at, priority, audience,
			topic, payload_type, payload, hop_limit, receipt_policy, signature,
			queue, enqueue_at, hops_seen, peers_seen, delivered_to, last_touched
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 0, '{}', '{}', $14
		)
		ON CONFLICT (bundle_id) DO NOTHING
	`
	tag, err := s.db.Exec(ctx, query,
		env.BundleID, env.Producer, env.CreatedAt, env.ExpiresAt, int16(env.Priority), int16(env.Audience),
		env.Topic, env.PayloadType, env.Payload, int32(env.HopLimit), receiptKindsOf(env.ReceiptPolicy), env.Signature,
		string(queue), now,
	)
	if err != nil {
		return bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	if tag.RowsAffected() == 0 {
		return bundleerr.New(bundleerr.KindValidation, bundleerr.ErrDuplicateID, env.BundleID)
	}
	return nil
}

func (s *Store) Move(ctx context.Context, bundleID string, fromQueue, toQueue bundle.Queue) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	defer tx.Rollback(ctx)

	query := `UPDATE bundles SET queue = $1, last_touched = $2 WHERE bundle_id = $3 AND queue = $4`
	tag, err := tx.Exec(ctx, query, string(toQueue), time.Now().UTC(), bundleID, string(fromQueue))
	if err != nil {
		return bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	if tag.RowsAffected() == 0 {
		return bundleerr.New(bundleerr.KindValidation, bundleerr.ErrConcurrentMove, bundleID)
	}
	if err := tx.Commit(ctx); err != nil {
		return bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	return nil
}

func scanRecord(row pgx.Row) (*store.Record, error) {
	var (
		env                                   bundle.Envelope
		priority, audience                    int16
		hopLimit                              int32
		receiptKinds, peersSeen, deliveredTo  []string
		queue                                 string
		hopsSeen                              int
		enqueueAt, lastTouched                time.Time
		expiredAt                             *time.Time
		quarantineReason                      *string
	)
	err := row.Scan(
		&env.BundleID, &env.Producer, &env.CreatedAt, &env.ExpiresAt, &priority, &audience,
		&env.Topic, &env.PayloadType, &env.Payload, &hopLimit, &receiptKinds, &env.Signature,
		&queue, &enqueueAt, &hopsSeen, &peersSeen, &deliveredTo, &lastTouched, &expiredAt, &quarantineReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, bundleerr.New(bundleerr.KindValidation, bundleerr.ErrNotFound, "")
	}
	if err != nil {
		return nil, bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}

	env.Priority = bundle.Priority(priority)
	env.Audience = bundle.Audience(audience)
	env.HopLimit = uint32(hopLimit)
	kinds := make([]bundle.ReceiptKind, len(receiptKinds))
	for i, k := range receiptKinds {
		kinds[i] = bundle.ReceiptKind(k)
	}
	policy, err := bundle.NewReceiptPolicy(kinds...)
	if err != nil {
		return nil, fmt.Errorf("decode receipt policy: %w", err)
	}
	env.ReceiptPolicy = policy

	m := meta.New(enqueueAt)
	m.HopsSeen = hopsSeen
	for _, p := range peersSeen {
		m.PeersSeen[p] = struct{}{}
	}
	for _, d := range deliveredTo {
		m.DeliveredTo[d] = struct{}{}
	}
	m.LastTouched = lastTouched
	if expiredAt != nil {
		m.ExpiredAt = *expiredAt
	}
	if quarantineReason != nil {
		m.QuarantineReason = *quarantineReason
	}

	return &store.Record{Envelope: &env, Queue: bundle.Queue(queue), Meta: m}, nil
}

const selectColumns = `
	bundle_id, producer, created_at, expires_at, priority, audience,
	topic, payload_type, payload, hop_limit, receipt_policy, signature,
	queue, enqueue_at, hops_seen, peers_seen, delivered_to, last_touched, expired_at, quarantine_reason
`

func (s *Store) GetByID(ctx context.Context, bundleID string) (*store.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM bundles WHERE bundle_id = $1`
	return scanRecord(s.db.QueryRow(ctx, query, bundleID))
}

func (s *Store) ListByQueue(ctx context.Context, queue bundle.Queue, filter store.ListFilter, limit int) ([]*store.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM bundles WHERE queue = $1 AND priority >= $2`
	args := []any{string(queue), int16(filter.MinPriority)}
	if filter.Topic != "" {
		query += ` AND topic = $3`
		args = append(args, filter.Topic)
	}
	query += ` ORDER BY priority DESC, enqueue_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	defer rows.Close()
	return collectRows(rows)
}

func (s *Store) ListByTopic(ctx context.Context, topic string, since time.Time) ([]*store.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM bundles WHERE topic = $1 AND enqueue_at >= $2 ORDER BY enqueue_at ASC`
	rows, err := s.db.Query(ctx, query, topic, since)
	if err != nil {
		return nil, bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	defer rows.Close()
	return collectRows(rows)
}

func collectRows(rows pgx.Rows) ([]*store.Record, error) {
	var out []*store.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	return out, nil
}

// UpdateMeta loads, applies the patch, and writes back the meta columns in
// one UPDATE. Callers that need compare-and-set semantics use Move instead;
// UpdateMeta is for monotonic bookkeeping fields only.
func (s *Store) UpdateMeta(ctx context.Context, bundleID string, patch meta.Patch) error {
	rec, err := s.GetByID(ctx, bundleID)
	if err != nil {
		return err
	}
	patch.Apply(rec.Meta, time.Now().UTC())

	peersSeen := make([]string, 0, len(rec.Meta.PeersSeen))
	for p := range rec.Meta.PeersSeen {
		peersSeen = append(peersSeen, p)
	}
	deliveredTo := make([]string, 0, len(rec.Meta.DeliveredTo))
	for d := range rec.Meta.DeliveredTo {
		deliveredTo = append(deliveredTo, d)
	}

	var expiredAt *time.Time
	if !rec.Meta.ExpiredAt.IsZero() {
		expiredAt = &rec.Meta.ExpiredAt
	}
	var quarantineReason *string
	if rec.Meta.QuarantineReason != "" {
		quarantineReason = &rec.Meta.QuarantineReason
	}

	query := `
		UPDATE bundles SET hops_seen = $1, peers_seen = $2, delivered_to = $3,
			last_touched = $4, expired_at = $5, quarantine_reason = $6
		WHERE bundle_id = $7
	`
	tag, err := s.db.Exec(ctx, query, rec.Meta.HopsSeen, peersSeen, deliveredTo,
		rec.Meta.LastTouched, expiredAt, quarantineReason, bundleID)
	if err != nil {
		return bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	if tag.RowsAffected() == 0 {
		return bundleerr.New(bundleerr.KindValidation, bundleerr.ErrNotFound, bundleID)
	}
	return nil
}

func (s *Store) Purge(ctx context.Context, bundleID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	defer tx.Rollback(ctx)

	var queue string
	err = tx.QueryRow(ctx, `SELECT queue FROM bundles WHERE bundle_id = $1`, bundleID).Scan(&queue)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil // idempotent
	}
	if err != nil {
		return bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	if queue != string(bundle.QueueExpired) && queue != string(bundle.QueueQuarantine) {
		return bundleerr.New(bundleerr.KindValidation, bundleerr.ErrWrongQueue, bundleID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM bundles WHERE bundle_id = $1`, bundleID); err != nil {
		return bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	insert := `INSERT INTO purged_bundles (bundle_id, purged_at) VALUES ($1, $2)
		ON CONFLICT (bundle_id) DO UPDATE SET purged_at = EXCLUDED.purged_at`
	if _, err := tx.Exec(ctx, insert, bundleID, time.Now().UTC()); err != nil {
		return bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	if err := tx.Commit(ctx); err != nil {
		return bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	return nil
}

func (s *Store) TotalLiveBytes(ctx context.Context) (int64, error) {
	query := `SELECT COALESCE(SUM(octet_length(payload)), 0) FROM bundles WHERE queue = ANY($1)`
	liveQueues := make([]string, len(bundle.LiveQueues))
	for i, q := range bundle.LiveQueues {
		liveQueues[i] = string(q)
	}
	var total int64
	if err := s.db.QueryRow(ctx, query, liveQueues).Scan(&total); err != nil {
		return 0, bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	return total, nil
}

func (s *Store) WasRecentlyPurged(ctx context.Context, bundleID string, within time.Duration) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM purged_bundles WHERE bundle_id = $1 AND purged_at > $2)`
	var ok bool
	cutoff := time.Now().UTC().Add(-within)
	if err := s.db.QueryRow(ctx, query, bundleID, cutoff).Scan(&ok); err != nil {
		return false, bundleerr.New(bundleerr.KindResource, bundleerr.ErrStorageUnavailable, err.Error())
	}
	return ok, nil
}

var _ store.Store = (*Store)(nil)
