package utils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/projecteru2/core/log"
)

// StaleDirAge is the minimum age before an unreferenced directory is removed
// during a sweep. Protects subtrees whose owning record has not been written
// yet (workspace creation precedes record insertion).
const StaleDirAge = time.Hour

// EnsureDirs creates all directories with 0o750 permissions.
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ScanSubdirs returns the names of all immediate subdirectories of dir.
func ScanSubdirs(dir string) []string {
	entries, _ := os.ReadDir(dir)
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

// FilterUnreferenced returns the elements of candidates not present in refs.
func FilterUnreferenced(candidates []string, refs map[string]struct{}) []string {
	var out []string
	for _, s := range candidates {
		if _, ok := refs[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// RemoveMatching scans dir and removes entries where match returns true.
// Returns the names actually removed plus errors for entries that could
// not be removed.
func RemoveMatching(ctx context.Context, dir string, match func(os.DirEntry) bool) ([]string, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("read %s: %w", dir, err)}
	}

	var removed []string
	var errs []error
	for _, e := range entries {
		if !match(e) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		removed = append(removed, e.Name())
		log.WithFunc("sweep").Infof(ctx, "removed: %s", path)
	}
	return removed, errs
}

// OlderThan reports whether the directory entry's mtime is before cutoff.
// Unreadable entries count as fresh, erring on the side of keeping data.
func OlderThan(e os.DirEntry, cutoff time.Time) bool {
	info, err := e.Info()
	if err != nil {
		return false
	}
	return info.ModTime().Before(cutoff)
}
