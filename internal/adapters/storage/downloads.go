package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Downloads is a scratch area for artifacts that are fetched only to be
// hashed. Files live under dataDir/downloads/<branch>/ and never outlive
// the call that created them.
type Downloads struct {
	dir string
}

// NewDownloads creates the scratch directory under dataDir.
func NewDownloads(dataDir string) (*Downloads, error) {
	dir := filepath.Join(dataDir, "downloads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating download directory: %w", err)
	}
	return &Downloads{dir: dir}, nil
}

// Hash streams r to a file named after filename in the branch directory,
// computing its SHA256 on the way. The file is removed before Hash
// returns, on success and on failure.
func (d *Downloads) Hash(branch, filename string, r io.Reader) (string, int64, error) {
	dir := filepath.Join(d.dir, safeSegment(strings.ToLower(branch)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("creating branch directory: %w", err)
	}

	// Concurrent fetches of the same name get distinct files.
	f, err := os.CreateTemp(dir, safeSegment(filename)+".*")
	if err != nil {
		return "", 0, fmt.Errorf("creating download file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	h, size, err := streamToFile(f, r)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("closing download file: %w", closeErr)
	}
	if err != nil {
		return "", 0, err
	}
	return h, size, nil
}

// Sweep removes files left behind by a process that died mid-download and
// returns how many were removed.
func (d *Downloads) Sweep() (int, error) {
	branches, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading download directory: %w", err)
	}

	removed := 0
	for _, branch := range branches {
		if !branch.IsDir() {
			continue
		}
		sub := filepath.Join(d.dir, branch.Name())
		entries, err := os.ReadDir(sub)
		if err != nil {
			return removed, fmt.Errorf("reading branch directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if err := os.Remove(filepath.Join(sub, entry.Name())); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("removing stale download: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}

// Dir returns the scratch root.
func (d *Downloads) Dir() string {
	return d.dir
}

// streamToFile writes from r to f while computing SHA256.
func streamToFile(f *os.File, r io.Reader) (string, int64, error) {
	hasher := newHashingWriter(f)
	if _, err := io.Copy(hasher, r); err != nil {
		return "", 0, fmt.Errorf("streaming to file: %w", err)
	}
	return hasher.Hash(), hasher.Size(), nil
}

// safeSegment keeps a single path element.
func safeSegment(s string) string {
	s = filepath.Base(strings.ReplaceAll(s, "\\", "/"))
	if s == "." || s == ".." || s == "/" || s == "" {
		return "_"
	}
	return s
}
