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
	"os"
	"regexp"
	"strings"
)

// envVarPattern matches ${VAR} or ${VAR:default}
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// SubstituteEnvVars replaces ${VAR} or ${VAR:default} with environment variable values
func SubstituteEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Extract variable name and default value
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		// Get environment variable
		value := os.Getenv(varName)
		if value == "" {
			return defaultValue
		}
		return value
	})
}

// SubstituteEnvVarsInConfig recursively substitutes environment variables
// in every string field a node operator would plausibly template.
func SubstituteEnvVarsInConfig(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.NodeID = SubstituteEnvVars(cfg.NodeID)

	cfg.KeyStore.Type = SubstituteEnvVars(cfg.KeyStore.Type)
	cfg.KeyStore.Directory = SubstituteEnvVars(cfg.KeyStore.Directory)
	cfg.KeyStore.PassphraseEnv = SubstituteEnvVars(cfg.KeyStore.PassphraseEnv)

	cfg.Storage.Driver = SubstituteEnvVars(cfg.Storage.Driver)
	cfg.Storage.PostgresDSN = SubstituteEnvVars(cfg.Storage.PostgresDSN)

	cfg.PeerSync.ListenAddr = SubstituteEnvVars(cfg.PeerSync.ListenAddr)

	cfg.Logging.Level = SubstituteEnvVars(cfg.Logging.Level)
	cfg.Logging.Format = SubstituteEnvVars(cfg.Logging.Format)
	cfg.Logging.Output = SubstituteEnvVars(cfg.Logging.Output)

	cfg.Metrics.Addr = SubstituteEnvVars(cfg.Metrics.Addr)
	cfg.Metrics.Path = SubstituteEnvVars(cfg.Metrics.Path)

	cfg.Health.Addr = SubstituteEnvVars(cfg.Health.Addr)
	cfg.Health.Path = SubstituteEnvVars(cfg.Health.Path)
}

// GetEnvironment returns the current environment from BUNDLE_ENV or
// ENVIRONMENT, defaulting to development.
func GetEnvironment() string {
	env := os.Getenv("BUNDLE_ENV")
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}
	if env == "" {
		env = "development"
	}
	return strings.ToLower(env)
}

// IsProduction returns true if running in production environment.
func IsProduction() bool {
	return GetEnvironment() == "production"
}

// IsDevelopment returns true if running in development or local environment.
func IsDevelopment() bool {
	env := GetEnvironment()
	return env == "development" || env == "local"
}
