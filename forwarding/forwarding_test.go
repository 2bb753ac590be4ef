package forwarding_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/crypto"
	"github.com/trailmesh/bundle/crypto/keys"
	"github.com/trailmesh/bundle/forwarding"
	"github.com/trailmesh/bundle/keyring"
	"github.com/trailmesh/bundle/meta"
	"github.com/trailmesh/bundle/peercontact"
	"github.com/trailmesh/bundle/receipt"
	"github.com/trailmesh/bundle/store/memory"
)

func newEnvelope(id, topic string, priority bundle.Priority, hopLimit uint32) *bundle.Envelope {
	now := time.Now().UTC()
	return &bundle.Envelope{
		BundleID:    id,
		Producer:    []byte("producer"),
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
		Priority:    priority,
		Audience:    bundle.AudiencePublic,
		Topic:       topic,
		PayloadType: "text/plain",
		Payload:     []byte("hello"),
		HopLimit:    hopLimit,
		Signature:   []byte("sig"),
	}
}

func TestSelectForExcludesBundleAlreadySeenByPeer(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	env := newEnvelope("b1", "chat", bundle.PriorityNormal, 4)
	require.NoError(t, st.Enqueue(ctx, env, bundle.QueueOutbox))
	require.NoError(t, st.UpdateMeta(ctx, "b1", meta.Patch{AddPeerSeen: "peer-a"}))

	eng := forwarding.New(st, nil, peercontact.NewManager(), nil, forwarding.DefaultPolicy())
	out, err := eng.SelectFor(ctx, "peer-a", []byte("peer-a-key"), 1<<20)
	require.NoError(t, err)
	assert.Empty(t, out, "a bundle already seen by this peer must not be offered again")
}

func TestSelectForExcludesBundleAtHopLimit(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	env := newEnvelope("b1", "chat", bundle.PriorityNormal, 1)
	require.NoError(t, st.Enqueue(ctx, env, bundle.QueueOutbox))
	// hopsSeen reaches hopLimit+1 after two forwards recorded against
	// other peers.
	require.NoError(t, st.UpdateMeta(ctx, "b1", meta.Patch{IncrementHopsSeen: true}))
	require.NoError(t, st.UpdateMeta(ctx, "b1", meta.Patch{IncrementHopsSeen: true}))

	eng := forwarding.New(st, nil, peercontact.NewManager(), nil, forwarding.DefaultPolicy())
	out, err := eng.SelectFor(ctx, "peer-b", []byte("peer-b-key"), 1<<20)
	require.NoError(t, err)
	assert.Empty(t, out, "a bundle at its hop limit must not be offered to a new peer")
}

func TestSelectForOrdersByPriorityDescThenExpiresAtAsc(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	low := newEnvelope("low", "chat", bundle.PriorityLow, 4)
	high := newEnvelope("high", "chat", bundle.PriorityEmergency, 4)
	require.NoError(t, st.Enqueue(ctx, low, bundle.QueueOutbox))
	require.NoError(t, st.Enqueue(ctx, high, bundle.QueueOutbox))

	eng := forwarding.New(st, nil, peercontact.NewManager(), nil, forwarding.DefaultPolicy())
	out, err := eng.SelectFor(ctx, "peer-a", []byte("peer-a-key"), 1<<20)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "high", out[0].BundleID, "higher priority must sort first")
	assert.Equal(t, "low", out[1].BundleID)
}

func TestSelectForRespectsBudget(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	a := newEnvelope("a", "chat", bundle.PriorityNormal, 4)
	b := newEnvelope("b", "chat", bundle.PriorityNormal, 4)
	require.NoError(t, st.Enqueue(ctx, a, bundle.QueueOutbox))
	require.NoError(t, st.Enqueue(ctx, b, bundle.QueueOutbox))

	eng := forwarding.New(st, nil, peercontact.NewManager(), nil, forwarding.DefaultPolicy())
	budget := int64(len(a.Payload)) // only one bundle's worth of budget
	out, err := eng.SelectFor(ctx, "peer-a", []byte("peer-a-key"), budget)
	require.NoError(t, err)
	assert.Len(t, out, 1, "greedy-fill must stop once the budget is exhausted")
}

func TestOnPeerAckedRecordsPeerSeenAndEffectiveness(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	env := newEnvelope("b1", "chat", bundle.PriorityNormal, 4)
	require.NoError(t, st.Enqueue(ctx, env, bundle.QueueOutbox))

	peers := peercontact.NewManager()
	peers.Touch("peer-a", []byte("peer-a-key"))
	eng := forwarding.New(st, nil, peers, nil, forwarding.DefaultPolicy())

	require.NoError(t, eng.OnPeerAcked(ctx, "peer-a", "b1", 0))

	rec, err := st.GetByID(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, rec.Meta.HasSeenPeer("peer-a"))

	p := peers.Get("peer-a")
	require.NotNil(t, p)
	assert.Equal(t, 1, p.DeliveredToThemCount)
}

func TestPeersReturnsSharedManager(t *testing.T) {
	st := memory.New()
	peers := peercontact.NewManager()
	eng := forwarding.New(st, nil, peers, nil, forwarding.DefaultPolicy())
	assert.Same(t, peers, eng.Peers())
}

func TestSelectForIncludesDeliveredBundles(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	env := newEnvelope("b1", "chat", bundle.PriorityNormal, 4)
	require.NoError(t, st.Enqueue(ctx, env, bundle.QueueDelivered))

	eng := forwarding.New(st, nil, peercontact.NewManager(), nil, forwarding.DefaultPolicy())
	out, err := eng.SelectFor(ctx, "peer-a", []byte("peer-a-key"), 1<<20)
	require.NoError(t, err)
	require.Len(t, out, 1, "a locally delivered bundle stays forward-eligible")
	assert.Equal(t, "b1", out[0].BundleID)
}

func TestSelectForNeverTouchesExpiredOrQuarantine(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.Enqueue(ctx, newEnvelope("dead", "chat", bundle.PriorityEmergency, 8), bundle.QueueExpired))
	require.NoError(t, st.Enqueue(ctx, newEnvelope("bad", "chat", bundle.PriorityEmergency, 8), bundle.QueueQuarantine))

	eng := forwarding.New(st, nil, peercontact.NewManager(), nil, forwarding.DefaultPolicy())
	out, err := eng.SelectFor(ctx, "peer-a", []byte("peer-a-key"), 1<<20)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestOnPeerAckedCountsHopAndEmitsForwardedReceipt(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	kp, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	signer := crypto.NewService(kp)
	issuer := receipt.NewIssuer("node-a", signer, st)

	policy, err := bundle.NewReceiptPolicy(bundle.ReceiptForwarded)
	require.NoError(t, err)
	env := newEnvelope("b1", "chat", bundle.PriorityNormal, 4)
	env.ReceiptPolicy = policy
	require.NoError(t, st.Enqueue(ctx, env, bundle.QueueOutbox))

	eng := forwarding.New(st, nil, peercontact.NewManager(), issuer, forwarding.DefaultPolicy())
	require.NoError(t, eng.OnPeerAcked(ctx, "peer-a", "b1", 0))

	rec, err := st.GetByID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Meta.HopsSeen, "each acknowledged forward counts one hop")

	status, err := issuer.DeliveryStatus(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, bundle.ReceiptForwarded, status[0].Kind)
}

// Property: selectFor never leaks a bundle to a peer whose key is not
// entitled to its audience, whatever the keyring assignment.
func TestSelectForNeverLeaksBeyondAudience(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	audiences := []bundle.Audience{
		bundle.AudiencePublic, bundle.AudienceLocal,
		bundle.AudienceTrusted, bundle.AudiencePrivate,
	}
	for i, aud := range audiences {
		env := newEnvelope(fmt.Sprintf("b%d", i), "chat", bundle.PriorityNormal, 4)
		env.Audience = aud
		require.NoError(t, st.Enqueue(ctx, env, bundle.QueueOutbox))
	}

	kr := keyring.New()
	localPeer := []byte("local-peer-key")
	trustedPeer := []byte("trusted-peer-key")
	require.NoError(t, kr.Add(keyring.Local, localPeer, ""))
	require.NoError(t, kr.Add(keyring.Trusted, trustedPeer, ""))

	eng := forwarding.New(st, kr, peercontact.NewManager(), nil, forwarding.DefaultPolicy())

	cases := []struct {
		name    string
		peerKey []byte
		allowed int
	}{
		{"stranger", []byte("unknown-peer-key"), 1}, // public only
		{"local", localPeer, 2},                     // public + local
		{"trusted", trustedPeer, 3},                 // public + local + trusted
	}
	for _, tc := range cases {
		out, err := eng.SelectFor(ctx, tc.name, tc.peerKey, 1<<30)
		require.NoError(t, err)
		assert.Len(t, out, tc.allowed, "peer %s", tc.name)
		for _, env := range out {
			assert.True(t, kr.CanReceive(tc.peerKey, env.Audience),
				"peer %s must never be offered audience %s", tc.name, env.Audience)
		}
	}
}

func TestPolicyEmergencyOnlyFiltersLowerPriorities(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.Enqueue(ctx, newEnvelope("urgent", "chat", bundle.PriorityEmergency, 4), bundle.QueueOutbox))
	require.NoError(t, st.Enqueue(ctx, newEnvelope("routine", "chat", bundle.PriorityNormal, 4), bundle.QueueOutbox))

	policy := forwarding.DefaultPolicy()
	policy.MinPriority = bundle.PriorityEmergency
	eng := forwarding.New(st, nil, peercontact.NewManager(), nil, policy)

	out, err := eng.SelectFor(ctx, "peer-a", []byte("peer-a-key"), 1<<20)
	require.NoError(t, err)
	require.Len(t, out, 1, "an emergency-only node forwards nothing below emergency")
	assert.Equal(t, "urgent", out[0].BundleID)
}

func TestPolicyOutboxPendingExcludesDelivered(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.Enqueue(ctx, newEnvelope("own", "chat", bundle.PriorityNormal, 4), bundle.QueueOutbox))
	require.NoError(t, st.Enqueue(ctx, newEnvelope("done", "chat", bundle.PriorityNormal, 4), bundle.QueueDelivered))

	policy := forwarding.DefaultPolicy()
	policy.Queues = []bundle.Queue{bundle.QueueOutbox, bundle.QueuePending}
	eng := forwarding.New(st, nil, peercontact.NewManager(), nil, policy)

	out, err := eng.SelectFor(ctx, "peer-a", []byte("peer-a-key"), 1<<20)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "own", out[0].BundleID)
}

func TestPolicyPreferPendingRanksInTransitTrafficFirst(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	// Same priority and expiry: under a bridge's policy the in-transit
	// bundle must be offered ahead of the node's own outbox traffic.
	own := newEnvelope("own", "chat", bundle.PriorityNormal, 4)
	relayed := newEnvelope("relayed", "chat", bundle.PriorityNormal, 4)
	relayed.ExpiresAt = own.ExpiresAt
	require.NoError(t, st.Enqueue(ctx, own, bundle.QueueOutbox))
	require.NoError(t, st.Enqueue(ctx, relayed, bundle.QueuePending))

	policy := forwarding.DefaultPolicy()
	policy.PreferPending = true
	eng := forwarding.New(st, nil, peercontact.NewManager(), nil, policy)

	out, err := eng.SelectFor(ctx, "peer-a", []byte("peer-a-key"), 1<<20)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "relayed", out[0].BundleID)
	assert.Equal(t, "own", out[1].BundleID)
}
