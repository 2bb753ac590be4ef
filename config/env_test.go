package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("BUNDLE_TEST_VAR", "resolved")

	assert.Equal(t, "resolved", SubstituteEnvVars("${BUNDLE_TEST_VAR}"))
	assert.Equal(t, "fallback", SubstituteEnvVars("${BUNDLE_UNSET_VAR:fallback}"))
	assert.Equal(t, "", SubstituteEnvVars("${BUNDLE_UNSET_VAR}"))
	assert.Equal(t, "plain", SubstituteEnvVars("plain"))
}

func TestSubstituteEnvVarsInConfig(t *testing.T) {
	t.Setenv("BUNDLE_NODE_ID", "node-42")
	cfg := &Config{NodeID: "${BUNDLE_NODE_ID}"}
	SubstituteEnvVarsInConfig(cfg)
	assert.Equal(t, "node-42", cfg.NodeID)
}

func TestGetEnvironment(t *testing.T) {
	os.Unsetenv("BUNDLE_ENV")
	os.Unsetenv("ENVIRONMENT")
	assert.Equal(t, "development", GetEnvironment())

	t.Setenv("BUNDLE_ENV", "Production")
	assert.Equal(t, "production", GetEnvironment())
	assert.True(t, IsProduction())
}
