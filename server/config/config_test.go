package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvironmentDefaults(t *testing.T) {
	cfg, err := GetEnvironment()
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, TransportNats, cfg.Transport)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, int64(64), cfg.Concurrency)
	assert.True(t, cfg.NeedsNats())
}

func TestGetEnvironment(t *testing.T) {
	t.Setenv("TASKFLOW_STORE", "sqlite")
	t.Setenv("TASKFLOW_TRANSPORT", "http")
	t.Setenv("TASKFLOW_MODELS", "a.yaml,b.yaml")
	t.Setenv("TASKFLOW_REQUEST_TIMEOUT", "5s")
	cfg, err := GetEnvironment()
	require.NoError(t, err)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.Models)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.False(t, cfg.NeedsNats())
}

func TestGetEnvironmentRejects(t *testing.T) {
	tests := map[string][2]string{
		"store":       {"TASKFLOW_STORE", "redis"},
		"transport":   {"TASKFLOW_TRANSPORT", "carrier-pigeon"},
		"concurrency": {"TASKFLOW_CONCURRENCY", "0"},
		"duration":    {"TASKFLOW_REQUEST_TIMEOUT", "soon"},
	}
	for name, kv := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := GetEnvironment()
			assert.Error(t, err)
		})
	}
}
