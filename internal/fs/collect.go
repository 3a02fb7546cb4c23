package fs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"cr-go/internal/model"
)

// Entry is one filesystem object selected for a backup.
type Entry struct {
	Path string // absolute path on disk
	Rel  string // slash-separated path inside the artifact
	Info fs.FileInfo
}

func (e Entry) IsDir() bool { return e.Info.IsDir() }

// NewMatcher builds the matcher for an ignore method.
func NewMatcher(method model.IgnoreMethod, root string, keywords []string) (Matcher, error) {
	switch method {
	case model.IgnoreCustom:
		return NewIgnoreMatcher(keywords), nil
	case model.IgnoreVCS:
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("stat source: %w", err)
		}
		if !info.IsDir() {
			root = filepath.Dir(root)
		}
		return NewVCSMatcher(root)
	default:
		return MatchNothing{}, nil
	}
}

// Collect resolves the entries under src that m does not exclude. A file
// source yields a single entry named after the file. Directories come before
// their contents; ignored directories are skipped with their whole subtree.
// Symlinks, devices, pipes and sockets are not backed up.
func Collect(ctx context.Context, src string, m Matcher) ([]Entry, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("unsupported source type: %s", src)
		}
		return []Entry{{Path: src, Rel: filepath.Base(src), Info: info}}, nil
	}

	var entries []Entry
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == src {
			return nil
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}
		if m.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		entries = append(entries, Entry{Path: p, Rel: rel, Info: info})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking source: %w", err)
	}
	return entries, nil
}

// TotalSize sums the sizes of the regular files in entries.
func TotalSize(entries []Entry) int64 {
	var n int64
	for _, e := range entries {
		if !e.IsDir() {
			n += e.Info.Size()
		}
	}
	return n
}

// CopyEntries copies entries verbatim below dst, which must exist. It
// returns the number of bytes written.
func CopyEntries(ctx context.Context, entries []Entry, dst string) (int64, error) {
	var written int64
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		target := filepath.Join(dst, filepath.FromSlash(e.Rel))
		if e.IsDir() {
			if err := os.MkdirAll(target, e.Info.Mode().Perm()|0o700); err != nil {
				return written, fmt.Errorf("creating %s: %w", e.Rel, err)
			}
			continue
		}
		n, err := CopyFile(e.Path, target, e.Info.Mode().Perm())
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// CopyFile copies src to dst, creating parent directories.
func CopyFile(src, dst string, perm fs.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("creating directory for %s: %w", dst, err)
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm|0o200)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", dst, err)
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, fmt.Errorf("copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("closing %s: %w", dst, err)
	}
	return n, nil
}
