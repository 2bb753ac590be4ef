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

package crypto

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/bundleerr"
	"github.com/trailmesh/bundle/canon"
)

// Service is the signing side of the bundle pipeline: sign,
// computeBundleId, verify, all over the canonical encoding.
type Service struct {
	key KeyPair
}

// NewService wraps a loaded signing key pair. A nil key pair is allowed;
// Sign then always fails with ErrKeyMissing, matching "Fails if no signing
// key loaded".
func NewService(key KeyPair) *Service {
	return &Service{key: key}
}

// Sign computes the canonical bytes of env (excluding Signature) and signs
// them, then fills in env.Producer, env.Signature, and env.BundleID.
func (s *Service) Sign(env *bundle.Envelope) error {
	if s.key == nil {
		return bundleerr.New(bundleerr.KindIntegrity, bundleerr.ErrKeyMissing, "")
	}
	env.Producer = s.key.Raw()

	id, err := canon.ComputeBundleID(env)
	if err != nil {
		return bundleerr.New(bundleerr.KindIntegrity, bundleerr.ErrCanonicalize, err.Error())
	}
	canonical, err := canon.Canonicalize(env)
	if err != nil {
		return bundleerr.New(bundleerr.KindIntegrity, bundleerr.ErrCanonicalize, err.Error())
	}
	sig, err := s.key.Sign(canonical)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	env.BundleID = id
	env.Signature = sig
	return nil
}

// Verify recomputes the canonical bytes of env and checks Signature
// against Producer, then checks BundleID matches the canonical hash.
// It returns a *bundleerr.Error identifying exactly which check failed.
func Verify(env *bundle.Envelope) error {
	if len(env.Producer) != ed25519.PublicKeySize {
		return bundleerr.New(bundleerr.KindIntegrity, bundleerr.ErrBadSignature, "malformed producer key")
	}
	canonical, err := canon.Canonicalize(env)
	if err != nil {
		return bundleerr.New(bundleerr.KindIntegrity, bundleerr.ErrCanonicalize, err.Error())
	}
	if !ed25519.Verify(ed25519.PublicKey(env.Producer), canonical, env.Signature) {
		return bundleerr.New(bundleerr.KindIntegrity, bundleerr.ErrBadSignature, "")
	}

	id, err := canon.ComputeBundleID(env)
	if err != nil {
		return bundleerr.New(bundleerr.KindIntegrity, bundleerr.ErrCanonicalize, err.Error())
	}
	if !bytes.Equal([]byte(id), []byte(env.BundleID)) {
		return bundleerr.New(bundleerr.KindIntegrity, bundleerr.ErrIdMismatch, "")
	}
	return nil
}
