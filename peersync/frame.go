// Package peersync implements the Peer Sync Protocol: a single peer
// contact is a session over a reliable byte stream, framed as
// uint32 length || uint8 kind || body. Message bodies are JSON; only the
// outer frame is binary.
package peersync

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Kind is one of the seven fixed message kinds.
type Kind uint8

const (
	KindHello Kind = iota + 1
	KindOffer
	KindWant
	KindDeliver
	KindAck
	KindNack
	KindBye
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "HELLO"
	case KindOffer:
		return "OFFER"
	case KindWant:
		return "WANT"
	case KindDeliver:
		return "DELIVER"
	case KindAck:
		return "ACK"
	case KindNack:
		return "NACK"
	case KindBye:
		return "BYE"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MaxFrameBytes bounds a single frame body, defending against a
// misbehaving peer claiming an unbounded length prefix.
const MaxFrameBytes = 64 << 20

// WriteFrame writes one length-prefixed frame: uint32 length || uint8 kind
// || body.
func WriteFrame(w io.Writer, kind Kind, body []byte) error {
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(body))+1)
	header[4] = byte(kind)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r *bufio.Reader) (Kind, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	total := binary.BigEndian.Uint32(header[0:4])
	if total == 0 {
		return 0, nil, fmt.Errorf("peersync: zero-length frame")
	}
	if total > MaxFrameBytes {
		return 0, nil, fmt.Errorf("peersync: frame of %d bytes exceeds max %d", total, MaxFrameBytes)
	}
	kind := Kind(header[4])
	body := make([]byte, total-1)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("read frame body: %w", err)
	}
	return kind, body, nil
}
