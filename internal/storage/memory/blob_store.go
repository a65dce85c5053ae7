// Package memory keeps provider objects in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/JakeFAU/regwatch/internal/storage"
)

// Provider stores objects in a map guarded by a RWMutex.
type Provider struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewProvider creates an empty in-memory provider.
func NewProvider() *Provider {
	return &Provider{data: make(map[string][]byte)}
}

// Read returns a copy of the stored bytes.
func (p *Provider) Read(_ context.Context, key string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.data[key]
	if !ok {
		return nil, storage.ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

// Exists reports whether key is stored.
func (p *Provider) Exists(_ context.Context, key string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.data[key]
	return ok, nil
}

// Write stores a copy of data.
func (p *Provider) Write(_ context.Context, key string, data []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[key] = append([]byte(nil), data...)
	return nil
}

// List returns matching keys in lexical order.
func (p *Provider) List(_ context.Context, prefix string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var keys []string
	for key := range p.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Delete drops the key if present.
func (p *Provider) Delete(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, key)
	return nil
}
