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

package storage

import (
	"sort"
	"sync"

	nodecrypto "github.com/trailmesh/bundle/crypto"
)

// memoryKeyStorage is the ephemeral KeyStorage behind keystore type
// "memory": a node identity that lives and dies with the process. Besides
// tests, this is what a burner or constrained node runs with when the
// operator wants no key material ever written to disk — the node simply
// mints a fresh identity on every start.
type memoryKeyStorage struct {
	mu   sync.RWMutex
	keys map[string]nodecrypto.KeyPair
}

// NewMemoryKeyStorage returns an empty process-local key store.
func NewMemoryKeyStorage() nodecrypto.KeyStorage {
	return &memoryKeyStorage{keys: make(map[string]nodecrypto.KeyPair)}
}

func (s *memoryKeyStorage) Store(id string, keyPair nodecrypto.KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[id] = keyPair
	return nil
}

func (s *memoryKeyStorage) Load(id string) (nodecrypto.KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.keys[id]
	if !ok {
		return nil, nodecrypto.ErrKeyNotFound
	}
	return kp, nil
}

func (s *memoryKeyStorage) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return nodecrypto.ErrKeyNotFound
	}
	delete(s.keys, id)
	return nil
}

// List returns every stored key id, sorted so output is stable.
func (s *memoryKeyStorage) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memoryKeyStorage) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[id]
	return ok
}
