package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelDBStore persists keys in an embedded LevelDB directory. Unlike
// FileStore it does not rewrite the whole set on each change. LevelDB locks
// the directory to one process, so a process-wide mutex makes the
// check-and-set operations atomic.
type LevelDBStore struct {
	mu sync.Mutex
	db *leveldb.DB
}

func NewLevelDBStore(path string) (*LevelDBStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("leveldb store path is empty")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb store: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func (l *LevelDBStore) Get(_ context.Context, key string) (string, bool, error) {
	val, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("leveldb get %q: %w", key, err)
	}
	return string(val), true, nil
}

func (l *LevelDBStore) Set(_ context.Context, key, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.db.Put([]byte(key), []byte(value), nil); err != nil {
		return fmt.Errorf("leveldb put %q: %w", key, err)
	}
	return nil
}

func (l *LevelDBStore) Remove(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("leveldb delete %q: %w", key, err)
	}
	return nil
}

func (l *LevelDBStore) SetIfAbsent(_ context.Context, key, value string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has([]byte(key), nil)
	if err != nil {
		return false, fmt.Errorf("leveldb has %q: %w", key, err)
	}
	if ok {
		return false, nil
	}
	if err := l.db.Put([]byte(key), []byte(value), nil); err != nil {
		return false, fmt.Errorf("leveldb put %q: %w", key, err)
	}
	return true, nil
}

func (l *LevelDBStore) CompareAndSwap(_ context.Context, key, old, value string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("leveldb get %q: %w", key, err)
	}
	if string(cur) != old {
		return false, nil
	}
	if err := l.db.Put([]byte(key), []byte(value), nil); err != nil {
		return false, fmt.Errorf("leveldb put %q: %w", key, err)
	}
	return true, nil
}

// Close releases the database lock.
func (l *LevelDBStore) Close() {
	if l == nil || l.db == nil {
		return
	}
	_ = l.db.Close()
}
