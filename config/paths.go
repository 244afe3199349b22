package config

import (
	"path/filepath"

	"github.com/projecteru2/openportal/utils"
)

// EnsureBaseDirs creates the static directories the controller needs.
// Per-sandbox workspace subtrees are created on demand by the workspace
// manager.
func (c *Config) EnsureBaseDirs() error {
	return utils.EnsureDirs(
		c.registryDir(),
		c.WorkspacesRoot(),
	)
}

func (c *Config) registryDir() string { return filepath.Join(c.RootDir, "registry") }

// RegistryFile and RegistryLock are the registry store paths.
func (c *Config) RegistryFile() string { return filepath.Join(c.registryDir(), "sandboxes.json") }
func (c *Config) RegistryLock() string { return filepath.Join(c.registryDir(), "sandboxes.lock") }

// WorkspacesRoot is the directory holding one subtree per sandbox id.
func (c *Config) WorkspacesRoot() string { return filepath.Join(c.RootDir, "workspaces") }
