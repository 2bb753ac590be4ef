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

package crypto_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/bundleerr"
	"github.com/trailmesh/bundle/crypto"
	"github.com/trailmesh/bundle/crypto/keys"
)

func unsignedEnvelope() *bundle.Envelope {
	now := time.Now().UTC()
	return &bundle.Envelope{
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
		Priority:    bundle.PriorityNormal,
		Audience:    bundle.AudiencePublic,
		Topic:       "chat",
		PayloadType: "text/plain",
		Payload:     []byte("hello"),
		HopLimit:    4,
	}
}

func TestSignFillsProducerIDAndSignature(t *testing.T) {
	kp, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	svc := crypto.NewService(kp)

	env := unsignedEnvelope()
	require.NoError(t, svc.Sign(env))

	assert.Equal(t, kp.Raw(), env.Producer)
	assert.NotEmpty(t, env.BundleID)
	assert.NotEmpty(t, env.Signature)
	assert.NoError(t, crypto.Verify(env))
}

func TestSignWithoutKeyFails(t *testing.T) {
	svc := crypto.NewService(nil)
	err := svc.Sign(unsignedEnvelope())
	assert.ErrorIs(t, err, bundleerr.ErrKeyMissing)
}

func TestSignIsDeterministicOverIdenticalCanonicalBytes(t *testing.T) {
	kp, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	svc := crypto.NewService(kp)

	a := unsignedEnvelope()
	require.NoError(t, svc.Sign(a))

	// Ed25519 is deterministic: re-signing the same canonical bytes must
	// reproduce the identical signature bit for bit.
	b := &bundle.Envelope{
		CreatedAt:     a.CreatedAt,
		ExpiresAt:     a.ExpiresAt,
		Priority:      a.Priority,
		Audience:      a.Audience,
		Topic:         a.Topic,
		PayloadType:   a.PayloadType,
		Payload:       append([]byte(nil), a.Payload...),
		HopLimit:      a.HopLimit,
		ReceiptPolicy: a.ReceiptPolicy,
	}
	require.NoError(t, svc.Sign(b))

	assert.Equal(t, a.BundleID, b.BundleID)
	assert.Equal(t, a.Signature, b.Signature)
}

func TestVerifyRejectsTamperedField(t *testing.T) {
	kp, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	svc := crypto.NewService(kp)

	env := unsignedEnvelope()
	require.NoError(t, svc.Sign(env))
	env.Topic = "chat2"

	err = crypto.Verify(env)
	require.Error(t, err)
	assert.ErrorIs(t, err, bundleerr.ErrBadSignature)
}

func TestVerifyRejectsWrongBundleID(t *testing.T) {
	kp, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	svc := crypto.NewService(kp)

	env := unsignedEnvelope()
	require.NoError(t, svc.Sign(env))
	env.BundleID = "0000" + env.BundleID[4:]

	err = crypto.Verify(env)
	require.Error(t, err)
	assert.ErrorIs(t, err, bundleerr.ErrIdMismatch)

	var berr *bundleerr.Error
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, bundleerr.KindIntegrity, berr.Kind)
}

func TestVerifyRejectsMalformedProducerKey(t *testing.T) {
	kp, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	svc := crypto.NewService(kp)

	env := unsignedEnvelope()
	require.NoError(t, svc.Sign(env))
	env.Producer = env.Producer[:16]

	assert.ErrorIs(t, crypto.Verify(env), bundleerr.ErrBadSignature)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	kpA, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	kpB, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)

	env := unsignedEnvelope()
	require.NoError(t, crypto.NewService(kpA).Sign(env))

	// Claiming B produced what A signed must fail even with a valid id.
	env.Producer = kpB.Raw()
	assert.Error(t, crypto.Verify(env))
}
