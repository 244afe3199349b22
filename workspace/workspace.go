package workspace

import (
	"fmt"
	"os"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/projecteru2/openportal/registry"
)

// Manager owns the per-sandbox workspace subtrees under a single root.
// Paths are a pure function of the sandbox id, so the same id always maps to
// the same subtree and distinct ids can never collide.
type Manager struct {
	root string
}

// New creates a Manager over the given workspaces root.
func New(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the workspaces root directory.
func (m *Manager) Root() string { return m.root }

// Path derives the workspace directory for id. The id is validated and the
// join is confined to the root, so a malformed id cannot escape it.
func (m *Manager) Path(id string) (string, error) {
	if !registry.ValidID(id) {
		return "", fmt.Errorf("invalid sandbox id %q", id)
	}
	path, err := securejoin.SecureJoin(m.root, id)
	if err != nil {
		return "", fmt.Errorf("resolve workspace path for %s: %w", id, err)
	}
	return path, nil
}

// Create makes the workspace subtree for id and returns its path.
// Creating an already-present subtree is not an error.
func (m *Manager) Create(id string) (string, error) {
	path, err := m.Path(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", path, err)
	}
	return path, nil
}

// Destroy removes the workspace subtree for id. Partial removal is surfaced
// as an error; a missing subtree is not (destroy is idempotent).
func (m *Manager) Destroy(id string) error {
	path, err := m.Path(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("destroy workspace %s: %w", path, err)
	}
	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("workspace %s still present after removal", path)
	}
	return nil
}
