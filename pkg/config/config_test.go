package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DATABASE_ROOT_PATH", "")
	t.Setenv("AGENT_API_KEYS", "")
	t.Setenv("CLIENT_API_KEYS", "")
	t.Setenv("HOST", "")
	t.Setenv("PORT", "")
	t.Setenv("MANAGEMENT_TOKEN", "")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.DatabaseRootPath)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 3069, cfg.Port)
	assert.Equal(t, "0.0.0.0:3069", cfg.Addr())
	assert.Empty(t, cfg.AgentAPIKeys)
	assert.Empty(t, cfg.ClientAPIKeys)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DATABASE_ROOT_PATH", "/var/lib/offloadmq")
	t.Setenv("AGENT_API_KEYS", "a1:a2")
	t.Setenv("CLIENT_API_KEYS", "c1::c2:")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "8080")
	t.Setenv("MANAGEMENT_TOKEN", "mgmt")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, "/var/lib/offloadmq", cfg.DatabaseRootPath)
	assert.Equal(t, []string{"a1", "a2"}, cfg.AgentAPIKeys)
	assert.Equal(t, []string{"c1", "c2"}, cfg.ClientAPIKeys, "empty segments dropped")
	assert.Equal(t, "127.0.0.1:8080", cfg.Addr())
	assert.Equal(t, "mgmt", cfg.ManagementToken)
}

func TestFromEnvBadPort(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestPrefs(t *testing.T) {
	t.Cleanup(func() { InitPrefs(Preferences{}) })

	assert.False(t, Prefs().ShuffleQueue)

	InitPrefs(Preferences{ShuffleQueue: true, AllowAssigningToSameTopTier: true})
	got := Prefs()
	assert.True(t, got.ShuffleQueue)
	assert.True(t, got.AllowAssigningToSameTopTier)
}
