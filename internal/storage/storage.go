// Package storage provides durable client-side key/value storage for the
// SDK's persisted state: fingerprint, identity, and session credentials.
// Backends must be safe for concurrent use.
package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"loyalty-sdk/internal/model"
)

// Well-known keys under the SDK namespace. Every backend stores these as
// opaque byte values; the owning packages define the encoding.
const (
	KeyFingerprint = "loyalty.fingerprint"
	KeyIdentity    = "loyalty.identity"
	KeyTokens      = "loyalty.tokens"
)

// Store is the interface for durable client storage backends.
// Get returns model.ErrNotFound (via errors.Is) when the key is absent.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Memory is an in-process store. Used in tests and as the degraded fallback
// when no durable backend is available.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	if !ok {
		return nil, model.NewNotFoundError(key)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.entries[key] = cp
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Close() error { return nil }

// File persists entries as a single JSON document. Writes go through a
// temp-file rename so a crash never leaves a half-written state file.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile creates a file-backed store at path. The parent directory is
// created if missing.
func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &File{path: path}, nil
}

func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := f.load()
	if err != nil {
		return nil, err
	}
	v, ok := entries[key]
	if !ok {
		return nil, model.NewNotFoundError(key)
	}
	return v, nil
}

func (f *File) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := f.load()
	if err != nil {
		return err
	}
	entries[key] = value
	return f.save(entries)
}

func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := f.load()
	if err != nil {
		return err
	}
	delete(entries, key)
	return f.save(entries)
}

func (f *File) Close() error { return nil }

func (f *File) load() (map[string][]byte, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return make(map[string][]byte), nil
	}
	if err != nil {
		return nil, err
	}
	entries := make(map[string][]byte)
	if err := json.Unmarshal(data, &entries); err != nil {
		// Corrupt state file: start over rather than wedging the app.
		return make(map[string][]byte), nil
	}
	return entries, nil
}

func (f *File) save(entries map[string][]byte) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
