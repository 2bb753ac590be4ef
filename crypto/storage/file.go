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
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	nodecrypto "github.com/trailmesh/bundle/crypto"
	"github.com/trailmesh/bundle/crypto/keys"
)

// fileKeyStorage persists a node's signing key as a restrictive-permission
// (0600) private key file plus a sibling .pub file, loaded on startup.
//
// Only one key pair per node identity is expected in practice, but the
// directory can hold several ids, matching the KeyStorage contract.
type fileKeyStorage struct {
	dir string
	mu  sync.Mutex
}

// NewFileKeyStorage returns a KeyStorage rooted at dir, creating it
// (mode 0700) if necessary.
func NewFileKeyStorage(dir string) (nodecrypto.KeyStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	return &fileKeyStorage{dir: dir}, nil
}

func (s *fileKeyStorage) path(id string) string {
	return filepath.Join(s.dir, id+".key")
}

// Store writes the raw Ed25519 private key with mode 0600 and the raw
// public key beside it as <id>.pub.
func (s *fileKeyStorage) Store(id string, keyPair nodecrypto.KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	priv, ok := keyPair.PrivateKey().(ed25519.PrivateKey)
	if !ok {
		return fmt.Errorf("fileKeyStorage: only Ed25519 keys are supported")
	}
	if err := os.WriteFile(s.path(id), priv, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	if err := os.WriteFile(filepath.Join(s.dir, id+".pub"), pub, 0o644); err != nil {
		return fmt.Errorf("write public key file: %w", err)
	}
	return nil
}

// Load reads the private key file back and reconstructs the key pair.
func (s *fileKeyStorage) Load(id string) (nodecrypto.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nodecrypto.ErrKeyNotFound
		}
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return keys.LoadEd25519KeyPair(ed25519.PrivateKey(raw))
}

func (s *fileKeyStorage) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return nodecrypto.ErrKeyNotFound
		}
		return fmt.Errorf("delete key file: %w", err)
	}
	_ = os.Remove(filepath.Join(s.dir, id+".pub"))
	return nil
}

func (s *fileKeyStorage) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read key dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".key" {
			ids = append(ids, e.Name()[:len(e.Name())-len(".key")])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fileKeyStorage) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := os.Stat(s.path(id))
	return err == nil
}
