package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"cr-go/internal/cr"
)

// WriteTree creates files under root. Keys are slash-separated relative
// paths; parent directories are created as needed.
func WriteTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("creating %s: %v", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("writing %s: %v", path, err)
		}
	}
}

// ListTree returns the slash-separated relative paths of regular files under root.
func ListTree(t *testing.T, root string) []string {
	t.Helper()

	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walking %s: %v", root, err)
	}
	sort.Strings(out)
	return out
}

// RecordingNotifier keeps every event it receives.
type RecordingNotifier struct {
	mu     sync.Mutex
	events []cr.Event
}

func (n *RecordingNotifier) Notify(_ context.Context, ev cr.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

// Events returns a copy of the recorded events.
func (n *RecordingNotifier) Events() []cr.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]cr.Event(nil), n.events...)
}
