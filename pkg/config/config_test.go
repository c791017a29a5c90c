package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, time.Hour, cfg.Directory.NodeTimeout.Std())
	assert.Equal(t, 5*time.Minute, cfg.Directory.CleanupInterval.Std())
	assert.Equal(t, time.Minute, cfg.Node.DiscoveryInterval.Std())
	assert.Equal(t, 5*time.Minute, cfg.Node.HeartbeatInterval.Std())
	assert.Equal(t, 30*time.Second, cfg.Node.RequestTimeout.Std())
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Retry.RetryDelay.Std())
	assert.True(t, cfg.Node.EnableP2P)
	assert.Len(t, cfg.ContentStore.Gateways, 4)

	limit, err := cfg.ContentStore.MaxContentBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(64<<20), limit)
}

func TestValidate_MaxContentSize(t *testing.T) {
	cfg := Default()
	cfg.ContentStore.MaxContentSize = "lots"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_content_size")

	cfg.ContentStore.MaxContentSize = "8M"
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"mode": "node",
		"node": {
			"node_id": "capture-1",
			"public_endpoint": "10.0.0.5:7000",
			"enable_p2p": false,
			"request_timeout": "5s",
			"discovery_interval": 15
		},
		"retry": {"max_retries": 5}
	}`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "capture-1", cfg.Node.NodeID)
	assert.Equal(t, "10.0.0.5:7000", cfg.Node.Endpoint())
	assert.False(t, cfg.Node.EnableP2P)
	assert.Equal(t, 5*time.Second, cfg.Node.RequestTimeout.Std())
	assert.Equal(t, 15*time.Second, cfg.Node.DiscoveryInterval.Std())
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	// untouched fields keep their defaults
	assert.Equal(t, 5*time.Minute, cfg.Node.HeartbeatInterval.Std())
	assert.Equal(t, ":7000", cfg.Node.ListenAddress)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mode": "coordinator"}`), 0644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BLOCKSNAP_MODE", "node")
	t.Setenv("BLOCKSNAP_NODE_ID", "env-node")
	t.Setenv("BLOCKSNAP_PUBLIC_ENDPOINT", "node.example:7000")
	t.Setenv("BLOCKSNAP_DIRECTORY_ADDRESS", "dir-a:7100")
	t.Setenv("BLOCKSNAP_DIRECTORY_FALLBACKS", "dir-b:7100, dir-c:7100")
	t.Setenv("BLOCKSNAP_ENABLE_P2P", "false")
	t.Setenv("BLOCKSNAP_REQUEST_TIMEOUT", "10s")
	t.Setenv("BLOCKSNAP_NODE_TIMEOUT", "120")
	t.Setenv("BLOCKSNAP_MAX_RETRIES", "4")
	t.Setenv("BLOCKSNAP_DATA_DIR", "/var/lib/blocksnap")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "env-node", cfg.Node.NodeID)
	assert.Equal(t, "node.example:7000", cfg.Node.Endpoint())
	assert.Equal(t, "dir-a:7100", cfg.Node.DirectoryAddress)
	assert.Equal(t, []string{"dir-b:7100", "dir-c:7100"}, cfg.Node.DirectoryFallbacks)
	assert.False(t, cfg.Node.EnableP2P)
	assert.Equal(t, 10*time.Second, cfg.Node.RequestTimeout.Std())
	assert.Equal(t, 2*time.Minute, cfg.Directory.NodeTimeout.Std())
	assert.Equal(t, 4, cfg.Retry.MaxRetries)
	assert.Equal(t, "/var/lib/blocksnap", cfg.Node.DataDir)
	assert.Equal(t, "/var/lib/blocksnap", cfg.Directory.DataDir)
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	t.Setenv("BLOCKSNAP_REQUEST_TIMEOUT", "soon")
	t.Setenv("BLOCKSNAP_ENABLE_P2P", "maybe")

	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BLOCKSNAP_REQUEST_TIMEOUT")
	assert.Contains(t, err.Error(), "BLOCKSNAP_ENABLE_P2P")
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("BLOCKSNAP_TEST_DOTENV=from-file\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("BLOCKSNAP_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("BLOCKSNAP_TEST_DOTENV"))

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Std())

	require.NoError(t, json.Unmarshal([]byte(`2.5`), &d))
	assert.Equal(t, 2500*time.Millisecond, d.Std())

	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	out, err := json.Marshal(Duration(30 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"30s"`, string(out))
}

func TestVerifyBound(t *testing.T) {
	cfg := Default()
	cfg.Node.RequestTimeout = Duration(10 * time.Second)
	cfg.Retry = RetryConfig{
		MaxRetries: 3,
		RetryDelay: Duration(2 * time.Second),
		MaxDelay:   Duration(3 * time.Second),
		Jitter:     Duration(time.Second),
	}

	// per peer: 3*10s + (2s+1s) + (3s capped +1s) = 37s
	assert.Equal(t, 37*time.Second, cfg.VerifyBound(1))
	assert.Equal(t, 74*time.Second, cfg.VerifyBound(2))
	assert.Equal(t, time.Duration(0), cfg.VerifyBound(0))
}
