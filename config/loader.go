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

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default returns a Config with the ambient defaults the loader falls
// back to before a file or role preset is applied.
func Default() *Config {
	return &Config{
		Environment: "development",
		Role:        RoleProducer,
		KeyStore:    KeyStoreConfig{Type: "file", Directory: "./keys"},
		Storage:     StorageConfig{Driver: "memory"},
		Evictor:     EvictorConfig{Interval: 30 * time.Second, MaxPayload: 1 << 20},
		Sweeper:     SweeperConfig{Interval: 30 * time.Second, GraceWindow: 7 * 24 * time.Hour},
		Ingress: IngressConfig{
			MaxPayloadBytes:  1 << 20,
			RetryMaxAttempts: 5,
			RetryBaseDelay:   time.Second,
			RetryMaxDelay:    30 * time.Second,
		},
		PeerSync: PeerSyncConfig{ListenAddr: ":7777", BudgetBytes: 16 << 20, DialTimeout: 10 * time.Second},
		Logging:  LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Metrics:  MetricsConfig{Enabled: true, Addr: ":9090", Path: "/metrics"},
		Health:   HealthConfig{Enabled: true, Addr: ":9091", Path: "/healthz"},
	}
}

// LoadFromFile loads a YAML config file, applies ${VAR} environment
// substitution, and fills in the selected role's defaults for anything
// left unset.
func LoadFromFile(path string) (*Config, error) {
	// A sibling .env file, if present, seeds process environment
	// variables the YAML file's ${VAR} references may draw from —
	// joho/godotenv is a no-op (ErrNotExist) when absent.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	SubstituteEnvVarsInConfig(cfg)
	cfg.ApplyRolePreset()
	return cfg, nil
}
