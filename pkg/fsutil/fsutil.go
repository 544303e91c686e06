package fsutil

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Canonicalize turns path into an absolute, symlink-free directory path,
// creating the directory when missing. Two spellings of the same directory
// (relative from any working directory, absolute, through a symlink) map to
// the same result.
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to make %q absolute: %w", path, err)
	}

	if err := os.MkdirAll(abs, 0750); err != nil {
		return "", fmt.Errorf("failed to create directory %q: %w", abs, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", abs, err)
	}

	return filepath.Clean(resolved), nil
}

// WriteFileAtomic replaces path with data so readers see either the old or
// the new content.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}

	return SyncDir(filepath.Dir(path))
}

// SyncDir flushes directory entries (creates, renames, removes) to disk.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open dir %s: %w", dir, err)
	}
	defer func() {
		if cerr := d.Close(); cerr != nil {
			slog.Warn("failed to close dir", "dir", dir, "error", cerr)
		}
	}()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync dir %s: %w", dir, err)
	}

	return nil
}
