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

// Package cmd holds the bundlectl subcommands. Commands are registered in
// their respective files:
//   - keygen.go: keygenCmd
//   - submit.go: submitCmd
//   - status.go: statusCmd
//   - queues.go: queuesCmd
//   - fetch.go: fetchCmd
//   - keyring.go: keyringCmd (add/remove/list)
//   - peer.go: peerCmd (list/contact)
//   - version.go: versionCmd
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trailmesh/bundle/config"
)

var configPath string

var RootCmd = &cobra.Command{
	Use:   "bundlectl",
	Short: "bundlectl operates a mesh bundle substrate node",
	Long: `bundlectl is the operator CLI for a trailmesh bundle node.

It talks directly to the node's Queue Store using the same config file the
node daemon loads, for use from the same host or a shared volume:
  - keygen: generate and store an Ed25519 node signing key
  - submit: sign and enqueue a bundle into the local outbox
  - status: show a bundle's current queue and receipt trail
  - queues: show per-queue bundle counts
  - fetch: list bundles currently held in a queue
  - keyring add/remove/list: manage trust keyring membership
  - peer list/contact: inspect and seed peer contact records`,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.CompletionOptions.DisableDefaultCmd = true
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "bundled.yaml", "path to node config file")
}

func loadConfig() (*config.Config, error) {
	return config.LoadFromFile(configPath)
}
