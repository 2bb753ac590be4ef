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

// Package config loads node configuration from YAML plus environment
// overrides (${VAR}/${VAR:default} substitution).
package config

import "time"

// Role selects one of the four fixed node presets.
type Role string

const (
	RoleProducer    Role = "producer"
	RoleBridge      Role = "bridge"
	RoleLibrary     Role = "library"
	RoleConstrained Role = "constrained"
)

// Config is the main node configuration structure.
type Config struct {
	Environment string          `yaml:"environment" json:"environment"`
	Role        Role            `yaml:"role" json:"role"`
	NodeID      string          `yaml:"node_id" json:"node_id"`
	KeyStore    KeyStoreConfig  `yaml:"keystore" json:"keystore"`
	Storage     StorageConfig   `yaml:"storage" json:"storage"`
	Evictor     EvictorConfig   `yaml:"evictor" json:"evictor"`
	Sweeper     SweeperConfig   `yaml:"sweeper" json:"sweeper"`
	Ingress     IngressConfig   `yaml:"ingress" json:"ingress"`
	PeerSync    PeerSyncConfig  `yaml:"peersync" json:"peersync"`
	Logging     LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics     MetricsConfig   `yaml:"metrics" json:"metrics"`
	Health      HealthConfig    `yaml:"health" json:"health"`
}

// KeyStoreConfig configures where the node's Ed25519 signing key lives.
type KeyStoreConfig struct {
	Type          string `yaml:"type" json:"type"` // "file" or "memory"
	Directory     string `yaml:"directory" json:"directory"`
	PassphraseEnv string `yaml:"passphrase_env" json:"passphrase_env"`
}

// StorageConfig selects and configures the Queue Store backend.
type StorageConfig struct {
	Driver      string `yaml:"driver" json:"driver"` // "postgres" or "memory"
	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn"`
}

// EvictorConfig configures the Cache Evictor.
type EvictorConfig struct {
	BudgetBytes int64         `yaml:"budget_bytes" json:"budget_bytes"`
	Interval    time.Duration `yaml:"interval" json:"interval"`
	MaxPayload  int64         `yaml:"max_payload" json:"max_payload"`
}

// SweeperConfig configures the TTL Sweeper.
type SweeperConfig struct {
	Interval    time.Duration `yaml:"interval" json:"interval"`
	GraceWindow time.Duration `yaml:"grace_window" json:"grace_window"`
}

// IngressConfig configures admission limits and subscriber retry policy.
type IngressConfig struct {
	MaxPayloadBytes  int           `yaml:"max_payload_bytes" json:"max_payload_bytes"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts" json:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
}

// PeerSyncConfig configures the peer contact listener.
type PeerSyncConfig struct {
	ListenAddr  string        `yaml:"listen_addr" json:"listen_addr"`
	BudgetBytes int64         `yaml:"budget_bytes" json:"budget_bytes"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // "json" or "text"
	Output string `yaml:"output" json:"output"` // "stdout", "stderr", or a file path
}

// MetricsConfig configures the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}

// HealthConfig configures the health-check HTTP endpoint.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}

// Forwarding modes a role preset selects between. The daemon translates
// these into the forwarding engine's candidate policy.
const (
	ForwardOutboxPending      = "outbox+pending"
	ForwardPendingPrioritized = "pending-prioritized"
	ForwardAll                = "all"
	ForwardEmergencyOnly      = "emergency-only"
)

// rolePreset holds the documented defaults for each node role.
type rolePreset struct {
	cacheBudgetBytes int64
	forwarding       string
	receiptPolicy    []string
}

var rolePresets = map[Role]rolePreset{
	RoleProducer:    {cacheBudgetBytes: 512 << 20, forwarding: ForwardOutboxPending, receiptPolicy: []string{"received", "delivered"}},
	RoleBridge:      {cacheBudgetBytes: 4 << 30, forwarding: ForwardPendingPrioritized, receiptPolicy: []string{"forwarded"}},
	RoleLibrary:     {cacheBudgetBytes: 16 << 30, forwarding: ForwardAll, receiptPolicy: []string{"delivered"}},
	RoleConstrained: {cacheBudgetBytes: 64 << 20, forwarding: ForwardEmergencyOnly, receiptPolicy: nil},
}

// ApplyRolePreset fills in zero-valued fields this role has a documented
// default for, without overriding anything the operator set explicitly.
func (c *Config) ApplyRolePreset() {
	preset, ok := rolePresets[c.Role]
	if !ok {
		return
	}
	if c.Evictor.BudgetBytes == 0 {
		c.Evictor.BudgetBytes = preset.cacheBudgetBytes
	}
}

// ForwardingMode returns the role's forwarding posture, one of the
// Forward* constants above.
func (c *Config) ForwardingMode() string {
	if preset, ok := rolePresets[c.Role]; ok {
		return preset.forwarding
	}
	return ForwardOutboxPending
}

// DefaultReceiptKinds returns the receipt kinds this role requests for a
// submission that does not pick its own policy. Nil means none.
func (c *Config) DefaultReceiptKinds() []string {
	if preset, ok := rolePresets[c.Role]; ok {
		return preset.receiptPolicy
	}
	return nil
}
