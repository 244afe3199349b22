package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testID = "0123456789ab"

func TestPathDeterministic(t *testing.T) {
	m := New(t.TempDir())

	p1, err := m.Path(testID)
	require.NoError(t, err)
	p2, err := m.Path(testID)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
	require.Equal(t, filepath.Join(m.Root(), testID), p1)
}

func TestPathRejectsMalformedID(t *testing.T) {
	m := New(t.TempDir())
	for _, id := range []string{"", "short", "../escape-attempt", "0123456789AB", "0123456789zz"} {
		_, err := m.Path(id)
		require.Error(t, err, "id %q", id)
	}
}

func TestCreateDestroy(t *testing.T) {
	m := New(t.TempDir())

	path, err := m.Create(testID)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	// Create is idempotent.
	again, err := m.Create(testID)
	require.NoError(t, err)
	require.Equal(t, path, again)

	// Destroy removes nested content.
	require.NoError(t, os.WriteFile(filepath.Join(path, "scratch.txt"), []byte("x"), 0o644))
	require.NoError(t, m.Destroy(testID))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	// Destroy is idempotent.
	require.NoError(t, m.Destroy(testID))
}
