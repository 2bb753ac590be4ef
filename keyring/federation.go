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

package keyring

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

func hexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }

// exportedEntry is the JSON shape of one keyring membership in an export
// blob. Field names are stable across nodes: this is a wire format.
type exportedEntry struct {
	PublicKey string `json:"publicKey"` // hex
	AddedAt   int64  `json:"addedAt"`   // unix seconds
	Note      string `json:"note,omitempty"`
}

// Export serializes a keyring's membership to JSON. The caller is
// responsible for wrapping the bytes in a signed bundle.Envelope with
// PayloadType = bundle.PayloadTypeKeyringExport: keyring
// federation rides on the same transport and trust guarantees as any
// other bundle, it is not a side channel.
func (k *Keyring) Export(name Name) ([]byte, error) {
	if _, ok := keyringLevels[name]; !ok {
		return nil, &UnknownKeyringError{Name: name}
	}
	entries := k.Members(name)
	out := make([]exportedEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, exportedEntry{
			PublicKey: keyID(e.PublicKey),
			AddedAt:   e.AddedAt.Unix(),
			Note:      e.Note,
		})
	}
	blob, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal keyring export: %w", err)
	}
	return blob, nil
}

// Import merges a previously-exported blob (already verified by the
// caller's admission pipeline, since it arrived as an ordinary signed
// bundle) into the named local keyring.
func (k *Keyring) Import(name Name, blob []byte) (added int, err error) {
	if _, ok := keyringLevels[name]; !ok {
		return 0, &UnknownKeyringError{Name: name}
	}
	var entries []exportedEntry
	if err := json.Unmarshal(blob, &entries); err != nil {
		return 0, fmt.Errorf("unmarshal keyring export: %w", err)
	}
	for _, e := range entries {
		pub, err := hexDecode(e.PublicKey)
		if err != nil {
			continue
		}
		if err := k.Add(name, pub, e.Note); err != nil {
			continue
		}
		added++
	}
	return added, nil
}
