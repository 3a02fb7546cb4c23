package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"cr-go/internal/cr"
)

// MemoryVault keeps mirrored artifacts in memory. Safe for concurrent use.
type MemoryVault struct {
	name    string
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ cr.Vault = (*MemoryVault)(nil)

func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{name: name, objects: make(map[string][]byte)}
}

func (m *MemoryVault) Put(_ context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *MemoryVault) Get(_ context.Context, key string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("object %s: %w", key, cr.ErrNotFound)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

func (m *MemoryVault) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryVault) ValidateSetup(context.Context) error { return nil }

// Keys lists the stored keys in order.
func (m *MemoryVault) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
