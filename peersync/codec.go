package peersync

import "github.com/trailmesh/bundle/bundle"

// ToWire converts a bundle.Envelope into its DELIVER wire shape.
func ToWire(env *bundle.Envelope) DeliverEnvelope {
	kinds := env.ReceiptPolicy.Sorted()
	policy := make([]string, len(kinds))
	for i, k := range kinds {
		policy[i] = string(k)
	}
	return DeliverEnvelope{
		BundleID:      env.BundleID,
		Producer:      env.Producer,
		CreatedAt:     env.CreatedAt,
		ExpiresAt:     env.ExpiresAt,
		Priority:      int(env.Priority),
		Audience:      int(env.Audience),
		Topic:         env.Topic,
		PayloadType:   env.PayloadType,
		Payload:       env.Payload,
		HopLimit:      env.HopLimit,
		ReceiptPolicy: policy,
		Signature:     env.Signature,
	}
}

// FromWire reconstructs a bundle.Envelope from its DELIVER wire shape.
func FromWire(w DeliverEnvelope) (*bundle.Envelope, error) {
	kinds := make([]bundle.ReceiptKind, len(w.ReceiptPolicy))
	for i, k := range w.ReceiptPolicy {
		kinds[i] = bundle.ReceiptKind(k)
	}
	policy, err := bundle.NewReceiptPolicy(kinds...)
	if err != nil {
		return nil, err
	}
	return &bundle.Envelope{
		BundleID:      w.BundleID,
		Producer:      w.Producer,
		CreatedAt:     w.CreatedAt,
		ExpiresAt:     w.ExpiresAt,
		Priority:      bundle.Priority(w.Priority),
		Audience:      bundle.Audience(w.Audience),
		Topic:         w.Topic,
		PayloadType:   w.PayloadType,
		Payload:       w.Payload,
		HopLimit:      w.HopLimit,
		ReceiptPolicy: policy,
		Signature:     w.Signature,
	}, nil
}
