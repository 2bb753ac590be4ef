// Copyright (C) 2025 trailmesh
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// Package canon builds the deterministic byte encoding of a bundle
// envelope used both as the signed message and as the input to the
// content-address hash.
//
// Field order is fixed and is itself part of the wire contract: adding,
// removing, or reordering a field here is a protocol version bump, not a
// patch. The signature field is never part of the encoding.
package canon

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/trailmesh/bundle/bundle"
	"golang.org/x/crypto/sha3"
)

// Canonicalize returns the deterministic byte encoding of e, excluding
// Signature and BundleID (BundleID is derived FROM this encoding, so it
// cannot also be an input to it).
func Canonicalize(e *bundle.Envelope) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("canon: nil envelope")
	}
	var buf bytes.Buffer

	writeBytes(&buf, e.Producer)
	writeInt64(&buf, e.CreatedAt.UTC().UnixNano())
	writeInt64(&buf, e.ExpiresAt.UTC().UnixNano())
	writeUint32(&buf, uint32(e.Priority))
	writeUint32(&buf, uint32(e.Audience))
	writeString(&buf, e.Topic)
	writeString(&buf, e.PayloadType)
	writeBytes(&buf, e.Payload)
	writeUint32(&buf, e.HopLimit)

	kinds := e.ReceiptPolicy.Sorted()
	writeUint32(&buf, uint32(len(kinds)))
	for _, k := range kinds {
		writeString(&buf, string(k))
	}

	return buf.Bytes(), nil
}

// ComputeBundleID hashes the canonical encoding with SHA3-256, giving the
// content address an identity distinct from the Ed25519 signature domain.
func ComputeBundleID(e *bundle.Envelope) (string, error) {
	b, err := Canonicalize(e)
	if err != nil {
		return "", err
	}
	sum := sha3.Sum256(b)
	return fmt.Sprintf("%x", sum[:]), nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	buf.Write(tmp[:])
}
