package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "peers.json")

	in := map[string]int{"a": 1, "b": 2}
	require.NoError(t, Save(path, in))

	out := map[string]int{}
	require.NoError(t, Load(path, &out))
	assert.Equal(t, in, out)

	// No temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadMissingFile(t *testing.T) {
	out := map[string]int{"keep": 1}
	err := Load(filepath.Join(t.TempDir(), "missing.json"), &out)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"keep": 1}, out)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	out := map[string]int{}
	assert.Error(t, Load(path, &out))
}

func TestSaveOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	require.NoError(t, Save(path, map[string]string{"old": "x"}))
	require.NoError(t, Save(path, map[string]string{"new": "y"}))

	out := map[string]string{}
	require.NoError(t, Load(path, &out))
	assert.Equal(t, map[string]string{"new": "y"}, out)
}
