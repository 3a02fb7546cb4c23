package fs

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"cr-go/internal/model"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func rels(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Rel)
	}
	sort.Strings(out)
	return out
}

func TestCollect(t *testing.T) {
	ctx := context.Background()

	t.Run("custom ignore drops matching files", func(t *testing.T) {
		src := t.TempDir()
		writeFiles(t, src, map[string]string{"a.txt": "a", "b.tmp": "b"})

		m, err := NewMatcher(model.IgnoreCustom, src, []string{"*.tmp"})
		if err != nil {
			t.Fatalf("NewMatcher() error = %v", err)
		}
		entries, err := Collect(ctx, src, m)
		if err != nil {
			t.Fatalf("Collect() error = %v", err)
		}
		if got := rels(entries); len(got) != 1 || got[0] != "a.txt" {
			t.Errorf("Collect() = %v, want [a.txt]", got)
		}
	})

	t.Run("ignored directory takes its subtree", func(t *testing.T) {
		src := t.TempDir()
		writeFiles(t, src, map[string]string{
			"keep/x.txt":            "x",
			"node_modules/pkg/y.js": "y",
			"node_modules/z.js":     "z",
		})

		entries, err := Collect(ctx, src, NewIgnoreMatcher([]string{"node_modules"}))
		if err != nil {
			t.Fatalf("Collect() error = %v", err)
		}
		got := rels(entries)
		want := []string{"keep", "keep/x.txt"}
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("Collect() = %v, want %v", got, want)
		}
	})

	t.Run("vcs ignore reads .gitignore", func(t *testing.T) {
		src := t.TempDir()
		writeFiles(t, src, map[string]string{
			".gitignore": "*.o\n",
			"main.c":     "int main;",
			"main.o":     "obj",
			".git/HEAD":  "ref",
		})

		m, err := NewMatcher(model.IgnoreVCS, src, nil)
		if err != nil {
			t.Fatalf("NewMatcher() error = %v", err)
		}
		entries, err := Collect(ctx, src, m)
		if err != nil {
			t.Fatalf("Collect() error = %v", err)
		}
		got := rels(entries)
		if len(got) != 2 || got[0] != ".gitignore" || got[1] != "main.c" {
			t.Errorf("Collect() = %v, want [.gitignore main.c]", got)
		}
	})

	t.Run("file source yields one entry", func(t *testing.T) {
		dir := t.TempDir()
		writeFiles(t, dir, map[string]string{"notes.md": "hello"})

		entries, err := Collect(ctx, filepath.Join(dir, "notes.md"), MatchNothing{})
		if err != nil {
			t.Fatalf("Collect() error = %v", err)
		}
		if len(entries) != 1 || entries[0].Rel != "notes.md" || entries[0].Info.Size() != 5 {
			t.Errorf("Collect() = %+v", entries)
		}
	})

	t.Run("missing source fails", func(t *testing.T) {
		if _, err := Collect(ctx, filepath.Join(t.TempDir(), "gone"), MatchNothing{}); err == nil {
			t.Error("Collect() expected error for missing source")
		}
	})

	t.Run("cancelled context stops the walk", func(t *testing.T) {
		src := t.TempDir()
		writeFiles(t, src, map[string]string{"a.txt": "a"})
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		if _, err := Collect(cctx, src, MatchNothing{}); err == nil {
			t.Error("Collect() expected error for cancelled context")
		}
	})
}

func TestCopyEntries(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.txt": "aaa", "sub/b.txt": "bb"})
	entries, err := Collect(context.Background(), src, MatchNothing{})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	dst := t.TempDir()
	n, err := CopyEntries(context.Background(), entries, dst)
	if err != nil {
		t.Fatalf("CopyEntries() error = %v", err)
	}
	if n != 5 || TotalSize(entries) != 5 {
		t.Errorf("written = %d, TotalSize = %d, want 5", n, TotalSize(entries))
	}
	data, err := os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	if err != nil || string(data) != "bb" {
		t.Errorf("copied sub/b.txt = %q, %v", data, err)
	}
}
