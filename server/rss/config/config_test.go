package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	doc := []byte(`
log.ctl.0 = "/tmp/ctl0"
log.groups.0.path = "/tmp/g0"
storage.basePath = "/tmp/data"
log.flush.interval = 5
log.file.size = 1048576
`)
	cfg, err := Load(doc)
	require.NoError(t, err)

	require.Equal(t, []string{"/tmp/ctl0"}, cfg.Log.CtlFiles)
	require.Equal(t, []string{"/tmp/g0"}, cfg.Log.GroupPaths)
	require.Equal(t, "/tmp/data", cfg.StorageBase)
	require.Equal(t, 5*time.Second, cfg.Log.FlushInterval)
	require.Equal(t, int64(1048576), cfg.Log.FileSize)

	// Unset keys keep their defaults.
	require.Equal(t, 8192, cfg.PageSize)
	require.Equal(t, 256, cfg.PoolPages)
	require.Equal(t, 4, cfg.Log.FilesPerGroup)
}

func TestLoadRejectsMissingRequiredKeys(t *testing.T) {
	_, err := Load([]byte(`log.ctl.0 = "/tmp/ctl0"`))
	require.Error(t, err)
}
