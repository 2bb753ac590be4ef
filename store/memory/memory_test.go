package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/meta"
	"github.com/trailmesh/bundle/store"
	"github.com/trailmesh/bundle/store/memory"
)

func newEnvelope(id, topic string, priority bundle.Priority) *bundle.Envelope {
	return &bundle.Envelope{
		BundleID:    id,
		Producer:    []byte("producer"),
		CreatedAt:   time.Unix(1700000000, 0).UTC(),
		ExpiresAt:   time.Unix(1700003600, 0).UTC(),
		Priority:    priority,
		Audience:    bundle.AudiencePublic,
		Topic:       topic,
		PayloadType: "text/plain",
		Payload:     []byte("hello"),
		HopLimit:    4,
		Signature:   []byte("sig"),
	}
}

func TestEnqueueDuplicate(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	env := newEnvelope("b1", "chat", bundle.PriorityNormal)

	require.NoError(t, s.Enqueue(ctx, env, bundle.QueueInbox))
	err := s.Enqueue(ctx, env, bundle.QueueInbox)
	assert.Error(t, err)
}

func TestMoveCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	env := newEnvelope("b1", "chat", bundle.PriorityNormal)
	require.NoError(t, s.Enqueue(ctx, env, bundle.QueueInbox))

	require.NoError(t, s.Move(ctx, "b1", bundle.QueueInbox, bundle.QueuePending))

	// The source queue no longer matches: a second mover using the stale
	// fromQueue loses the race.
	err := s.Move(ctx, "b1", bundle.QueueInbox, bundle.QueueDelivered)
	assert.Error(t, err)

	rec, err := s.GetByID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, bundle.QueuePending, rec.Queue)
}

func TestListByQueueOrdering(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	low := newEnvelope("low", "chat", bundle.PriorityLow)
	high := newEnvelope("high", "chat", bundle.PriorityEmergency)
	require.NoError(t, s.Enqueue(ctx, low, bundle.QueueOutbox))
	require.NoError(t, s.Enqueue(ctx, high, bundle.QueueOutbox))

	recs, err := s.ListByQueue(ctx, bundle.QueueOutbox, store.ListFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "high", recs[0].Envelope.BundleID)
	assert.Equal(t, "low", recs[1].Envelope.BundleID)
}

func TestUpdateMeta(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	env := newEnvelope("b1", "chat", bundle.PriorityNormal)
	require.NoError(t, s.Enqueue(ctx, env, bundle.QueueInbox))

	require.NoError(t, s.UpdateMeta(ctx, "b1", meta.Patch{IncrementHopsSeen: true, AddPeerSeen: "peer-a"}))

	rec, err := s.GetByID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Meta.HopsSeen)
	assert.True(t, rec.Meta.HasSeenPeer("peer-a"))
}

func TestPurgeOnlyFromTerminalQueues(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	env := newEnvelope("b1", "chat", bundle.PriorityNormal)
	require.NoError(t, s.Enqueue(ctx, env, bundle.QueueInbox))

	err := s.Purge(ctx, "b1")
	assert.Error(t, err)

	require.NoError(t, s.Move(ctx, "b1", bundle.QueueInbox, bundle.QueueExpired))
	require.NoError(t, s.Purge(ctx, "b1"))

	_, err = s.GetByID(ctx, "b1")
	assert.Error(t, err)

	recentlyPurged, err := s.WasRecentlyPurged(ctx, "b1", time.Minute)
	require.NoError(t, err)
	assert.True(t, recentlyPurged)

	// Purging an already-purged id is idempotent.
	assert.NoError(t, s.Purge(ctx, "b1"))
}

func TestTotalLiveBytesExcludesTerminalQueues(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	env := newEnvelope("b1", "chat", bundle.PriorityNormal)
	require.NoError(t, s.Enqueue(ctx, env, bundle.QueueInbox))

	total, err := s.TotalLiveBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(env.Payload)), total)

	require.NoError(t, s.Move(ctx, "b1", bundle.QueueInbox, bundle.QueueExpired))
	total, err = s.TotalLiveBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}
