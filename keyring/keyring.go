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

// Package keyring implements the audience filter: four
// named keyrings, each conferring a fixed trust level, answering
// "may principal P read/produce a bundle of audience A?".
package keyring

import (
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/trailmesh/bundle/bundle"
)

// Name identifies one of the four fixed keyrings.
type Name string

const (
	Public   Name = "public"
	Local    Name = "local"
	Trusted  Name = "trusted"
	Verified Name = "verified"
)

// Level is the trust level 0..3 conferred by a keyring. Trust level is a
// property of the keyring, not the key.
type Level int

const (
	LevelPublic   Level = 0
	LevelLocal    Level = 1
	LevelTrusted  Level = 2
	LevelVerified Level = 3
)

var keyringLevels = map[Name]Level{
	Public:   LevelPublic,
	Local:    LevelLocal,
	Trusted:  LevelTrusted,
	Verified: LevelVerified,
}

// Entry is one membership record in a keyring.
type Entry struct {
	PublicKey []byte
	AddedAt   time.Time
	Note      string
}

// Keyring tracks, per named keyring, the set of public keys granted that
// keyring's trust level. Safe for concurrent use.
type Keyring struct {
	mu      sync.RWMutex
	members map[Name]map[string]Entry // keyring -> hex(pubkey) -> Entry
}

// New returns an empty Keyring with the four fixed names pre-created.
func New() *Keyring {
	k := &Keyring{members: make(map[Name]map[string]Entry, 4)}
	for _, n := range []Name{Public, Local, Trusted, Verified} {
		k.members[n] = make(map[string]Entry)
	}
	return k
}

func keyID(pub []byte) string { return hex.EncodeToString(pub) }

// Add adds publicKey to the named keyring.
func (k *Keyring) Add(name Name, publicKey []byte, note string) error {
	if _, ok := keyringLevels[name]; !ok {
		return &UnknownKeyringError{Name: name}
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.members[name][keyID(publicKey)] = Entry{
		PublicKey: append([]byte(nil), publicKey...),
		AddedAt:   time.Now().UTC(),
		Note:      note,
	}
	return nil
}

// Remove removes publicKey from the named keyring, if present.
func (k *Keyring) Remove(name Name, publicKey []byte) error {
	if _, ok := keyringLevels[name]; !ok {
		return &UnknownKeyringError{Name: name}
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.members[name], keyID(publicKey))
	return nil
}

// Restore inserts e directly into the named keyring, preserving its
// original AddedAt. Used only by persistence loaders reconstructing a
// Keyring from a store; callers granting membership at runtime use Add,
// which stamps AddedAt with the current time.
func (k *Keyring) Restore(name Name, e Entry) error {
	if _, ok := keyringLevels[name]; !ok {
		return &UnknownKeyringError{Name: name}
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.members[name][keyID(e.PublicKey)] = e
	return nil
}

// Members returns a sorted-by-addition snapshot of a keyring's entries.
func (k *Keyring) Members(name Name) []Entry {
	k.mu.RLock()
	defer k.mu.RUnlock()
	entries := make([]Entry, 0, len(k.members[name]))
	for _, e := range k.members[name] {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].AddedAt.Before(entries[j].AddedAt) })
	return entries
}

// TrustLevel returns the maximum trust level across every keyring
// containing publicKey, defaulting to LevelPublic (0) if it is in none.
func (k *Keyring) TrustLevel(publicKey []byte) Level {
	k.mu.RLock()
	defer k.mu.RUnlock()

	id := keyID(publicKey)
	best := LevelPublic
	for name, set := range k.members {
		if _, ok := set[id]; ok {
			if lvl := keyringLevels[name]; lvl > best {
				best = lvl
			}
		}
	}
	return best
}

// canAudience implements the single visibility table shared by
// both canReceive and canProduce: a bare function of trust level and
// audience, since neither check depends on anything but keyring
// membership of the principal in question.
func canAudience(level Level, audience bundle.Audience) bool {
	switch audience {
	case bundle.AudiencePublic:
		return true
	case bundle.AudienceLocal:
		return level >= LevelLocal
	case bundle.AudienceTrusted:
		return level >= LevelTrusted
	case bundle.AudiencePrivate:
		return level >= LevelVerified
	default:
		return false
	}
}

// CanReceive reports whether principalKey may read a bundle of the given
// audience.
func (k *Keyring) CanReceive(principalKey []byte, audience bundle.Audience) bool {
	return canAudience(k.TrustLevel(principalKey), audience)
}

// CanProduce reports whether producerKey is entitled to declare the given
// audience on a bundle it originates.
func (k *Keyring) CanProduce(producerKey []byte, audience bundle.Audience) bool {
	return canAudience(k.TrustLevel(producerKey), audience)
}

// UnknownKeyringError is returned when Name is not one of the four fixed
// keyrings.
type UnknownKeyringError struct{ Name Name }

func (e *UnknownKeyringError) Error() string {
	return "keyring: unknown keyring " + string(e.Name)
}
