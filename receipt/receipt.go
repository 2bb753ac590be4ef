// Package receipt implements the Receipt Subsystem:
// receipts are themselves ordinary signed bundles with a distinguished
// payload type, derived from the referenced bundle per a fixed rule, and
// flow through the same admission/store pipeline as any other bundle.
package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/crypto"
	"github.com/trailmesh/bundle/metrics"
	"github.com/trailmesh/bundle/store"
)

// Payload is the JSON body of a receipt bundle.
type Payload struct {
	ReferencedBundleID string             `json:"referencedBundleId"`
	Kind               bundle.ReceiptKind `json:"kind"`
	NodeID             string             `json:"nodeId"`
	At                 time.Time          `json:"at"`
	Reason             string             `json:"reason,omitempty"`
}

// Issuer signs and enqueues receipt bundles, and answers deliveryStatus
// queries from locally observed receipts.
type Issuer struct {
	nodeID string
	signer *crypto.Service
	store  store.Store
}

// NewIssuer builds an Issuer. nodeID identifies this node in emitted
// receipts.
func NewIssuer(nodeID string, signer *crypto.Service, st store.Store) *Issuer {
	return &Issuer{nodeID: nodeID, signer: signer, store: st}
}

// Issue derives a receipt bundle for referenced per the fixed derivation rule and
// enqueues it to outbox. reason is only meaningful for ReceiptExpired
// (e.g. "evicted").
func (i *Issuer) Issue(ctx context.Context, referenced *bundle.Envelope, kind bundle.ReceiptKind, reason string) error {
	if !referenced.ReceiptPolicy.Has(kind) {
		return nil
	}
	return i.issue(ctx, referenced, kind, reason)
}

// IssueEvicted emits the eviction notice for referenced: an expired
// receipt with reason "evicted". It fires when the producer asked for an
// expired receipt, or asked for a delivered receipt that now can never be
// emitted (delivered reports whether delivery happened before eviction) —
// the only way a producer ever learns its bundle did not survive cache
// pressure.
func (i *Issuer) IssueEvicted(ctx context.Context, referenced *bundle.Envelope, delivered bool) error {
	wantsExpired := referenced.ReceiptPolicy.Has(bundle.ReceiptExpired)
	owedDelivery := referenced.ReceiptPolicy.Has(bundle.ReceiptDelivered) && !delivered
	if !wantsExpired && !owedDelivery {
		return nil
	}
	return i.issue(ctx, referenced, bundle.ReceiptExpired, "evicted")
}

func (i *Issuer) issue(ctx context.Context, referenced *bundle.Envelope, kind bundle.ReceiptKind, reason string) error {
	payload := Payload{
		ReferencedBundleID: referenced.BundleID,
		Kind:               kind,
		NodeID:             i.nodeID,
		At:                 time.Now().UTC(),
		Reason:             reason,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal receipt payload: %w", err)
	}

	priority := referenced.Priority
	if priority > bundle.PriorityNormal {
		priority = bundle.PriorityNormal
	}
	hopLimit := referenced.HopLimit / 2
	if hopLimit < 1 {
		hopLimit = 1
	}

	env := &bundle.Envelope{
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(24 * time.Hour),
		Priority:    priority,
		Audience:    referenced.Audience,
		Topic:       "receipt:" + referenced.Topic,
		PayloadType: bundle.PayloadTypeReceipt,
		Payload:     body,
		HopLimit:    hopLimit,
	}
	if err := i.signer.Sign(env); err != nil {
		return fmt.Errorf("sign receipt: %w", err)
	}
	if err := i.store.Enqueue(ctx, env, bundle.QueueOutbox); err != nil {
		return err
	}
	metrics.ReceiptsIssuedTotal.WithLabelValues(string(kind)).Inc()
	return nil
}

// DeliveryStatus assembles the (kind, nodeId, at) triples observed locally
// for bundleID, by scanning receipt-topic bundles that reference it.
// Receipts are ordinary bundles subject to TTL and eviction like any
// other, so this query only ever reflects what is still in the store.
func (i *Issuer) DeliveryStatus(ctx context.Context, bundleID string) ([]Payload, error) {
	var out []Payload
	for _, q := range bundle.LiveQueues {
		recs, err := i.store.ListByQueue(ctx, q, store.ListFilter{}, 0)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec.Envelope.PayloadType != bundle.PayloadTypeReceipt {
				continue
			}
			var p Payload
			if err := json.Unmarshal(rec.Envelope.Payload, &p); err != nil {
				continue
			}
			if p.ReferencedBundleID == bundleID {
				out = append(out, p)
			}
		}
	}
	return out, nil
}
