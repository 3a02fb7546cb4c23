package vault

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cr-go/internal/cr"
)

// FileSystemVault mirrors artifacts below a root directory, typically a
// mounted external drive:
//
//	<root>/
//	  <mission id>/
//	    <artifact name>
type FileSystemVault struct {
	root string
}

var _ cr.Vault = (*FileSystemVault)(nil)

func NewFileSystemVault(root string) (*FileSystemVault, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vault root: %w", err)
	}
	return &FileSystemVault{root: root}, nil
}

// path maps a key below root and rejects keys that would escape it.
func (v *FileSystemVault) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid vault key %q", key)
	}
	return filepath.Join(v.root, clean), nil
}

// Put writes the object atomically (temp file + rename).
func (v *FileSystemVault) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	dest, err := v.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

func (v *FileSystemVault) Get(_ context.Context, key string, w io.Writer) error {
	src, err := v.path(key)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("object %s: %w", key, cr.ErrNotFound)
		}
		return fmt.Errorf("failed to open object: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read object: %w", err)
	}
	return nil
}

// Delete removes the object and its mission directory once empty.
func (v *FileSystemVault) Delete(_ context.Context, key string) error {
	p, err := v.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	if dir := filepath.Dir(p); dir != v.root {
		// Fails harmlessly while other objects remain.
		os.Remove(dir)
	}
	return nil
}

// ValidateSetup verifies the root is an accessible directory.
func (v *FileSystemVault) ValidateSetup(context.Context) error {
	info, err := os.Stat(v.root)
	if err != nil {
		return fmt.Errorf("vault root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault root is not a directory: %s", v.root)
	}
	return nil
}
