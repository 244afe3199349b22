package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	conf := DefaultConfig()
	require.Equal(t, "/var/lib/openportal", conf.RootDir)
	require.Positive(t, conf.PoolSize)
	require.Equal(t, 60*time.Second, conf.ProvisionTimeout())
	require.Equal(t, 30*time.Second, conf.StopTimeout())
	require.Equal(t, 24*time.Hour, conf.MaxLifetime())
	require.Equal(t, 5*time.Minute, conf.SweepInterval())
	require.NotEmpty(t, conf.Docker.Image)
	require.Equal(t, 4096, conf.Docker.AgentPort)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	conf, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().RootDir, conf.RootDir)

	conf, err = LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().RootDir, conf.RootDir)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"root_dir": "/srv/portal",
		"max_lifetime_seconds": 3600,
		"docker": {"host": "tcp://10.0.0.5:2376", "image": "corp/agent:v2"}
	}`), 0o644))

	conf, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/srv/portal", conf.RootDir)
	require.Equal(t, time.Hour, conf.MaxLifetime())
	require.Equal(t, "tcp://10.0.0.5:2376", conf.Docker.Host)
	require.Equal(t, "corp/agent:v2", conf.Docker.Image)
	// Unset fields keep their defaults.
	require.Equal(t, 30*time.Second, conf.StopTimeout())
}

func TestLoadConfigRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.json")
	require.NoError(t, os.WriteFile(path, []byte("{oops"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestPathsDeriveFromRootDir(t *testing.T) {
	conf := DefaultConfig()
	conf.RootDir = "/data/op"

	require.Equal(t, "/data/op/registry/sandboxes.json", conf.RegistryFile())
	require.Equal(t, "/data/op/registry/sandboxes.lock", conf.RegistryLock())
	require.Equal(t, "/data/op/workspaces", conf.WorkspacesRoot())
	require.True(t, strings.HasPrefix(conf.RegistryFile(), conf.RootDir))
}

func TestEnsureBaseDirs(t *testing.T) {
	conf := DefaultConfig()
	conf.RootDir = t.TempDir()

	require.NoError(t, conf.EnsureBaseDirs())
	require.DirExists(t, filepath.Dir(conf.RegistryFile()))
	require.DirExists(t, conf.WorkspacesRoot())

	// Idempotent.
	require.NoError(t, conf.EnsureBaseDirs())
}
