package sweeper_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/crypto"
	"github.com/trailmesh/bundle/crypto/keys"
	"github.com/trailmesh/bundle/meta"
	"github.com/trailmesh/bundle/receipt"
	"github.com/trailmesh/bundle/store"
	"github.com/trailmesh/bundle/store/memory"
	"github.com/trailmesh/bundle/sweeper"
)

func newIssuer(t *testing.T, st store.Store) *receipt.Issuer {
	t.Helper()
	kp, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	return receipt.NewIssuer("node-a", crypto.NewService(kp), st)
}

func expiredEnvelope(id string, policy bundle.ReceiptPolicy) *bundle.Envelope {
	now := time.Now().UTC()
	return &bundle.Envelope{
		BundleID:      id,
		Producer:      []byte("producer-key-32-bytes-padding!!!"),
		CreatedAt:     now.Add(-2 * time.Hour),
		ExpiresAt:     now.Add(-time.Hour),
		Priority:      bundle.PriorityNormal,
		Audience:      bundle.AudiencePublic,
		Topic:         "chat",
		PayloadType:   "text/plain",
		Payload:       []byte("stale"),
		HopLimit:      4,
		ReceiptPolicy: policy,
		Signature:     []byte("sig"),
	}
}

func liveEnvelope(id string) *bundle.Envelope {
	now := time.Now().UTC()
	return &bundle.Envelope{
		BundleID:    id,
		Producer:    []byte("producer-key-32-bytes-padding!!!"),
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
		Priority:    bundle.PriorityNormal,
		Audience:    bundle.AudiencePublic,
		Topic:       "chat",
		PayloadType: "text/plain",
		Payload:     []byte("fresh"),
		HopLimit:    4,
		Signature:   []byte("sig"),
	}
}

func TestTickMovesExpiredBundlesOutOfEveryLiveQueue(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	for i, q := range bundle.LiveQueues {
		id := string(rune('a'+i)) + "-expired"
		require.NoError(t, st.Enqueue(ctx, expiredEnvelope(id, nil), q))
	}
	require.NoError(t, st.Enqueue(ctx, liveEnvelope("still-live"), bundle.QueueInbox))

	sw := sweeper.New(st, nil, sweeper.DefaultConfig())
	sw.Tick(ctx)

	for i := range bundle.LiveQueues {
		id := string(rune('a'+i)) + "-expired"
		rec, err := st.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, bundle.QueueExpired, rec.Queue)
		assert.False(t, rec.Meta.ExpiredAt.IsZero(), "sweep must stamp expiredAt")
	}

	rec, err := st.GetByID(ctx, "still-live")
	require.NoError(t, err)
	assert.Equal(t, bundle.QueueInbox, rec.Queue, "an unexpired bundle must be left alone")
}

func TestTickEmitsExpiredReceiptWhenRequested(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	policy, err := bundle.NewReceiptPolicy(bundle.ReceiptExpired)
	require.NoError(t, err)
	require.NoError(t, st.Enqueue(ctx, expiredEnvelope("wants-receipt", policy), bundle.QueuePending))
	require.NoError(t, st.Enqueue(ctx, expiredEnvelope("no-receipt", nil), bundle.QueuePending))

	sw := sweeper.New(st, newIssuer(t, st), sweeper.DefaultConfig())
	sw.Tick(ctx)

	outbox, err := st.ListByQueue(ctx, bundle.QueueOutbox, store.ListFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, outbox, 1, "exactly one expiry receipt should be enqueued")
	assert.Equal(t, bundle.PayloadTypeReceipt, outbox[0].Envelope.PayloadType)
}

func TestTickPurgesExpiredBundlesPastGraceWindow(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.Enqueue(ctx, expiredEnvelope("graced", nil), bundle.QueueExpired))
	longAgo := time.Now().UTC().Add(-8 * 24 * time.Hour)
	require.NoError(t, st.UpdateMeta(ctx, "graced", meta.Patch{SetExpiredAt: &longAgo}))

	require.NoError(t, st.Enqueue(ctx, expiredEnvelope("recent", nil), bundle.QueueExpired))
	justNow := time.Now().UTC()
	require.NoError(t, st.UpdateMeta(ctx, "recent", meta.Patch{SetExpiredAt: &justNow}))

	sw := sweeper.New(st, nil, sweeper.DefaultConfig())
	sw.Tick(ctx)

	_, err := st.GetByID(ctx, "graced")
	assert.Error(t, err, "a bundle expired past the grace window must be purged")
	purged, err := st.WasRecentlyPurged(ctx, "graced", time.Minute)
	require.NoError(t, err)
	assert.True(t, purged, "purge must leave a duplicate-check tombstone")

	_, err = st.GetByID(ctx, "recent")
	assert.NoError(t, err, "a bundle still within the grace window stays for duplicate checks")
}

func TestTickPurgesQuarantinedBundlesAfterDiagnosticWindow(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.Enqueue(ctx, liveEnvelope("bad"), bundle.QueueQuarantine))

	cfg := sweeper.DefaultConfig()
	cfg.GraceWindow = time.Millisecond
	time.Sleep(5 * time.Millisecond)

	sw := sweeper.New(st, nil, cfg)
	sw.Tick(ctx)

	_, err := st.GetByID(ctx, "bad")
	assert.Error(t, err, "quarantined bundles are purged once the diagnostic window passes")
}

func TestPurgeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.Enqueue(ctx, expiredEnvelope("gone", nil), bundle.QueueExpired))

	sw := sweeper.New(st, nil, sweeper.DefaultConfig())
	require.NoError(t, sw.Purge(ctx, "gone"))
	require.NoError(t, sw.Purge(ctx, "gone"), "purging an already-absent id is not an error")
}
