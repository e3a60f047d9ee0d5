// Package kvstore is the small key/value contract the wallet session and the
// idempotency layer persist through, with memory, file, LevelDB and Postgres
// backends.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

// Store is a string key/value store. Get reports ok=false for a missing key;
// Remove of a missing key is not an error.
//
// SetIfAbsent and CompareAndSwap are atomic with respect to every other call
// on the same backend, so concurrent writers can use them to claim a key.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	// SetIfAbsent writes value only if key is missing and reports whether it did.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
	// CompareAndSwap replaces the value of key only if it currently equals old.
	CompareAndSwap(ctx context.Context, key, old, value string) (bool, error)
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]string),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) SetIfAbsent(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, key, old, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.data[key]; !ok || cur != old {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

// FileStore keeps the whole map in one JSON file, rewritten on every change.
// Suitable for a single local process.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]string
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store path is empty")
	}
	fs := &FileStore{
		path: path,
		data: make(map[string]string),
	}
	if err := fs.load(); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

// apply runs mutate on a copy of the map and swaps the copy in only once it
// is on disk. Callers hold f.mu.
func (f *FileStore) apply(mutate func(map[string]string)) error {
	next := maps.Clone(f.data)
	if next == nil {
		next = make(map[string]string)
	}
	mutate(next)
	if err := f.persist(next); err != nil {
		return err
	}
	f.data = next
	return nil
}

func (f *FileStore) persist(data map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	val, ok := f.data[key]
	return val, ok, nil
}

func (f *FileStore) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.apply(func(m map[string]string) { m[key] = value })
}

func (f *FileStore) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return nil
	}
	return f.apply(func(m map[string]string) { delete(m, key) })
}

func (f *FileStore) SetIfAbsent(_ context.Context, key, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	if err := f.apply(func(m map[string]string) { m[key] = value }); err != nil {
		return false, err
	}
	return true, nil
}

func (f *FileStore) CompareAndSwap(_ context.Context, key, old, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.data[key]; !ok || cur != old {
		return false, nil
	}
	if err := f.apply(func(m map[string]string) { m[key] = value }); err != nil {
		return false, err
	}
	return true, nil
}
