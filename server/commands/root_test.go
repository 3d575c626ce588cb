package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/shar-workflow/taskflow/server/config"
	"gitlab.com/shar-workflow/taskflow/server/server/option"
)

func TestOptions(t *testing.T) {
	t.Setenv("TASKFLOW_STORE", "bolt")
	t.Setenv("TASKFLOW_STORE_PATH", "/tmp/x.db")
	t.Setenv("TASKFLOW_ADMINS", "root")
	cfg, err := config.GetEnvironment()
	require.NoError(t, err)

	var so option.ServerOptions
	for _, o := range Options(cfg, false) {
		o.Configure(&so)
	}
	assert.Equal(t, config.StoreBolt, so.Store)
	assert.Equal(t, "/tmp/x.db", so.StorePath)
	assert.Equal(t, cfg.Concurrency, so.Concurrency)
	assert.NotNil(t, so.Authorizer)
	assert.False(t, so.ShowSplash)
}
