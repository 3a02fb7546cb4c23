package fs

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	ignore "github.com/sabhiram/go-gitignore"
)

// VCSMatcher applies git ignore files: root/.gitignore, root/.git/info/exclude
// and every nested .gitignore, each relative to its own directory. The .git
// directory itself is always ignored. A "!" pattern only re-includes paths
// excluded earlier in the same file.
type VCSMatcher struct {
	root string
	base *ignore.GitIgnore

	mu     sync.Mutex
	nested map[string]*ignore.GitIgnore // keyed by slash-separated dir; nil when absent
}

// NewVCSMatcher compiles the root-level rules. Nested files are compiled the
// first time a path below their directory is matched.
func NewVCSMatcher(root string) (*VCSMatcher, error) {
	lines := []string{".git/"}
	for _, p := range []string{
		filepath.Join(root, ".git", "info", "exclude"),
		filepath.Join(root, ".gitignore"),
	} {
		more, err := readLines(p)
		if err != nil {
			return nil, err
		}
		lines = append(lines, more...)
	}
	return &VCSMatcher{
		root:   root,
		base:   ignore.CompileIgnoreLines(lines...),
		nested: make(map[string]*ignore.GitIgnore),
	}, nil
}

func (m *VCSMatcher) Match(rel string, isDir bool) bool {
	p := rel
	if isDir {
		p += "/"
	}
	if m.base.MatchesPath(p) {
		return true
	}

	dir := path.Dir(rel)
	if dir == "." {
		return false
	}
	parts := strings.Split(dir, "/")
	for i := range parts {
		d := strings.Join(parts[:i+1], "/")
		if gi := m.dirRules(d); gi != nil && gi.MatchesPath(strings.TrimPrefix(p, d+"/")) {
			return true
		}
	}
	return false
}

func (m *VCSMatcher) dirRules(dir string) *ignore.GitIgnore {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gi, ok := m.nested[dir]; ok {
		return gi
	}

	var gi *ignore.GitIgnore
	lines, err := readLines(filepath.Join(m.root, filepath.FromSlash(dir), ".gitignore"))
	if err == nil && len(lines) > 0 {
		gi = ignore.CompileIgnoreLines(lines...)
	}
	m.nested[dir] = gi
	return gi
}

// readLines returns the lines of an ignore file, or nothing when it does not
// exist.
func readLines(p string) ([]string, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(p), err)
	}
	return strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n"), nil
}
