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

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package crypto signs and verifies bundle envelopes. Key rotation is an
// out-of-scope concern for the substrate: producer keys
// simply coexist, since verification is per-bundle.
package crypto

import (
	"crypto"
	"errors"
)

// KeyType identifies the signing algorithm. The substrate only ever uses
// Ed25519.
type KeyType string

const KeyTypeEd25519 KeyType = "Ed25519"

// KeyPair is a signing identity: a public/private Ed25519 key pair.
type KeyPair interface {
	PublicKey() crypto.PublicKey
	PrivateKey() crypto.PrivateKey
	Type() KeyType

	// Sign signs message (the canonical bytes of a bundle envelope).
	Sign(message []byte) ([]byte, error)

	// Verify checks signature against message.
	Verify(message, signature []byte) error

	// ID returns a short fingerprint of the public key.
	ID() string

	// Raw returns the raw public key bytes, as stored in
	// bundle.Envelope.Producer.
	Raw() []byte
}

// KeyStorage persists a node's own signing key pair (not the keyring,
// which stores other principals' public keys only).
type KeyStorage interface {
	Store(id string, keyPair KeyPair) error
	Load(id string) (KeyPair, error)
	Delete(id string) error
	List() ([]string, error)
	Exists(id string) bool
}

// Common errors.
var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrKeyExists        = errors.New("key already exists")
	ErrInvalidSignature = errors.New("invalid signature")
)
