package peersync

import "time"

// ProtocolVersion is the current Peer Sync Protocol version. A HELLO with
// a mismatched version is rejected.
const ProtocolVersion = 1

// HelloMessage is exchanged first by both sides.
type HelloMessage struct {
	PeerID          string    `json:"peerId"`
	PublicKey       []byte    `json:"publicKey"`
	ProtocolVersion int       `json:"protocolVersion"`
	Now             time.Time `json:"now"`
	AvailableBytes  int64     `json:"availableBytes"`
}

// OfferItem describes one candidate bundle in an OFFER.
type OfferItem struct {
	BundleID string `json:"bundleId"`
	Priority int    `json:"priority"`
	Size     int    `json:"size"`
	Topic    string `json:"topic"`
}

// OfferMessage lists candidates the sender is willing to transmit.
type OfferMessage struct {
	Items []OfferItem `json:"items"`
}

// WantMessage lists bundleIds the receiver selected from an OFFER.
type WantMessage struct {
	BundleIDs []string `json:"bundleIds"`
}

// DeliverMessage carries a single full bundle.
type DeliverMessage struct {
	Envelope DeliverEnvelope `json:"envelope"`
}

// DeliverEnvelope is the wire shape of a bundle.Envelope, since
// bundle.Envelope itself carries Go time.Time/typed-enum fields that need
// explicit wire encoding for JSON stability across implementations.
type DeliverEnvelope struct {
	BundleID      string    `json:"bundleId"`
	Producer      []byte    `json:"producer"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Priority      int       `json:"priority"`
	Audience      int       `json:"audience"`
	Topic         string    `json:"topic"`
	PayloadType   string    `json:"payloadType"`
	Payload       []byte    `json:"payload"`
	HopLimit      uint32    `json:"hopLimit"`
	ReceiptPolicy []string  `json:"receiptPolicy"`
	Signature     []byte    `json:"signature"`
}

// AckMessage confirms a bundle was admitted into the receiver's local
// store.
type AckMessage struct {
	BundleID string `json:"bundleId"`
}

// NackReason is one of the fixed NACK reasons.
type NackReason string

const (
	NackSignature NackReason = "signature"
	NackAudience  NackReason = "audience"
	NackDuplicate NackReason = "duplicate"
	NackTooLarge  NackReason = "tooLarge"
)

// NackMessage rejects a delivered bundle.
type NackMessage struct {
	BundleID string     `json:"bundleId"`
	Reason   NackReason `json:"reason"`
}

// ByeMessage signals clean teardown.
type ByeMessage struct {
	Reason string `json:"reason,omitempty"`
}
