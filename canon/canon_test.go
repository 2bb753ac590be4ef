package canon_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/canon"
)

func baseEnvelope() *bundle.Envelope {
	policy, _ := bundle.NewReceiptPolicy(bundle.ReceiptReceived, bundle.ReceiptDelivered)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &bundle.Envelope{
		Producer:      []byte("producer-key-32-bytes-padding!!!"),
		CreatedAt:     created,
		ExpiresAt:     created.Add(time.Hour),
		Priority:      bundle.PriorityNormal,
		Audience:      bundle.AudienceLocal,
		Topic:         "chat",
		PayloadType:   "text/plain",
		Payload:       []byte("hello"),
		HopLimit:      4,
		ReceiptPolicy: policy,
	}
}

func TestCanonicalizeIsDeterministic(t *testing.T) {
	a, err := canon.Canonicalize(baseEnvelope())
	require.NoError(t, err)
	b, err := canon.Canonicalize(baseEnvelope())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalizeExcludesSignatureAndBundleID(t *testing.T) {
	env := baseEnvelope()
	plain, err := canon.Canonicalize(env)
	require.NoError(t, err)

	env.Signature = []byte("whatever")
	env.BundleID = "whatever"
	signed, err := canon.Canonicalize(env)
	require.NoError(t, err)
	assert.Equal(t, plain, signed, "signature and bundleId must never feed the canonical bytes")
}

func TestComputeBundleIDStableAcrossPolicyInsertionOrder(t *testing.T) {
	a := baseEnvelope()
	pa, err := bundle.NewReceiptPolicy(bundle.ReceiptDelivered, bundle.ReceiptReceived)
	require.NoError(t, err)
	a.ReceiptPolicy = pa

	b := baseEnvelope()
	pb, err := bundle.NewReceiptPolicy(bundle.ReceiptReceived, bundle.ReceiptDelivered)
	require.NoError(t, err)
	b.ReceiptPolicy = pb

	idA, err := canon.ComputeBundleID(a)
	require.NoError(t, err)
	idB, err := canon.ComputeBundleID(b)
	require.NoError(t, err)
	assert.Equal(t, idA, idB)
}

func TestComputeBundleIDChangesWithEveryField(t *testing.T) {
	baseID, err := canon.ComputeBundleID(baseEnvelope())
	require.NoError(t, err)

	mutations := map[string]func(*bundle.Envelope){
		"producer":    func(e *bundle.Envelope) { e.Producer[0] ^= 1 },
		"createdAt":   func(e *bundle.Envelope) { e.CreatedAt = e.CreatedAt.Add(time.Nanosecond) },
		"expiresAt":   func(e *bundle.Envelope) { e.ExpiresAt = e.ExpiresAt.Add(time.Nanosecond) },
		"priority":    func(e *bundle.Envelope) { e.Priority = bundle.PriorityEmergency },
		"audience":    func(e *bundle.Envelope) { e.Audience = bundle.AudiencePrivate },
		"topic":       func(e *bundle.Envelope) { e.Topic = "chat2" },
		"payloadType": func(e *bundle.Envelope) { e.PayloadType = "text/markdown" },
		"payload":     func(e *bundle.Envelope) { e.Payload[0] ^= 1 },
		"hopLimit":    func(e *bundle.Envelope) { e.HopLimit++ },
		"receiptPolicy": func(e *bundle.Envelope) {
			p, _ := bundle.NewReceiptPolicy(bundle.ReceiptExpired)
			e.ReceiptPolicy = p
		},
	}
	for name, mutate := range mutations {
		env := baseEnvelope()
		mutate(env)
		id, err := canon.ComputeBundleID(env)
		require.NoError(t, err)
		assert.NotEqual(t, baseID, id, "changing %s must change the bundle id", name)
	}
}

// Adjacent string fields must not be confusable: a boundary shift between
// topic and payloadType has to produce different canonical bytes, which
// the length prefixes guarantee.
func TestCanonicalizeLengthPrefixesPreventFieldBleed(t *testing.T) {
	a := baseEnvelope()
	a.Topic = "ab"
	a.PayloadType = "c"
	b := baseEnvelope()
	b.Topic = "a"
	b.PayloadType = "bc"

	ba, err := canon.Canonicalize(a)
	require.NoError(t, err)
	bb, err := canon.Canonicalize(b)
	require.NoError(t, err)
	assert.NotEqual(t, ba, bb)
}

func TestCanonicalizeNilEnvelope(t *testing.T) {
	_, err := canon.Canonicalize(nil)
	assert.Error(t, err)
}
