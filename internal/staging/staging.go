// Package staging materializes artifacts next to their final location and
// only makes them visible once they are complete.
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Prefix marks in-progress entries in a destination directory.
const Prefix = ".cr-partial-"

// Artifact is an artifact under construction. Its content lives at Path
// until Commit renames it to Final.
type Artifact struct {
	final string
	temp  string
	done  bool
}

// NewFile stages a single-file artifact named name inside dstDir. The
// returned file is open for writing; the caller closes it before Commit.
func NewFile(dstDir, name string) (*Artifact, *os.File, error) {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating destination: %w", err)
	}
	f, err := os.CreateTemp(dstDir, Prefix+name+"-*")
	if err != nil {
		return nil, nil, fmt.Errorf("creating staging file: %w", err)
	}
	return &Artifact{final: filepath.Join(dstDir, name), temp: f.Name()}, f, nil
}

// NewDir stages a directory artifact named name inside dstDir.
func NewDir(dstDir, name string) (*Artifact, error) {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating destination: %w", err)
	}
	dir, err := os.MkdirTemp(dstDir, Prefix+name+"-*")
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	return &Artifact{final: filepath.Join(dstDir, name), temp: dir}, nil
}

// Path is where content is written while staging.
func (a *Artifact) Path() string { return a.temp }

// Final is where the artifact appears after Commit.
func (a *Artifact) Final() string { return a.final }

// Commit publishes the artifact. It fails if something already exists at
// the final location.
func (a *Artifact) Commit() error {
	if a.done {
		return errors.New("artifact already committed or discarded")
	}
	if _, err := os.Lstat(a.final); err == nil {
		return fmt.Errorf("artifact %s already exists", a.final)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking %s: %w", a.final, err)
	}
	if err := os.Rename(a.temp, a.final); err != nil {
		return fmt.Errorf("publishing artifact: %w", err)
	}
	a.done = true
	return nil
}

// Discard removes the staged content. It is a no-op after Commit.
func (a *Artifact) Discard() error {
	if a.done {
		return nil
	}
	a.done = true
	if err := os.RemoveAll(a.temp); err != nil {
		return fmt.Errorf("discarding %s: %w", a.temp, err)
	}
	return nil
}

// Sweep removes staging leftovers in dir, such as those of an execution
// interrupted by a crash. It returns how many entries were removed. A
// missing dir is not an error.
func Sweep(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading %s: %w", dir, err)
	}
	removed := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), Prefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return removed, fmt.Errorf("removing %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}
