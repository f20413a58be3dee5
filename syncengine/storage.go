package syncengine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// Storage is the key-value persistence collaborator. The action queue is
// stored as one serialized ordered list under a fixed key. Implementations
// must be safe for concurrent use.
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// returned by `Get` when the key has never been set
var ErrNotFound = errors.New("not found")

// FileStorage persists each key as a file under a root directory.
// Writes go through a temp file and rename so a crash mid-write never
// leaves a torn value behind.
type FileStorage struct {
	root string

	mutex sync.Mutex
}

func NewFileStorage(root string) (*FileStorage, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("storage root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileStorage{
		root: root,
	}, nil
}

func (self *FileStorage) path(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("storage key required")
	}
	// keys are opaque to callers. escape path separators so a key can
	// never address outside the root.
	escaped := strings.ReplaceAll(key, string(os.PathSeparator), "_")
	return filepath.Join(self.root, escaped), nil
}

func (self *FileStorage) Get(key string) ([]byte, error) {
	path, err := self.path(key)
	if err != nil {
		return nil, err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (self *FileStorage) Set(key string, value []byte) error {
	path, err := self.path(key)
	if err != nil {
		return err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return fmt.Errorf("storage write: %w", err)
	}
	return os.Rename(tmp, path)
}

func (self *FileStorage) Delete(key string) error {
	path, err := self.path(key)
	if err != nil {
		return err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// MemoryStorage is a goroutine-safe in-memory storage backend, used in
// tests and as a fallback when no durable store is available.
type MemoryStorage struct {
	mutex  sync.Mutex
	values map[string][]byte

	// when set, the next `failSets` calls to Set return this error
	failErr  error
	failSets int
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		values: map[string][]byte{},
	}
}

func (self *MemoryStorage) Get(key string) ([]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	value, ok := self.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(value), nil
}

func (self *MemoryStorage) Set(key string, value []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if 0 < self.failSets {
		self.failSets -= 1
		return self.failErr
	}
	self.values[key] = slices.Clone(value)
	return nil
}

func (self *MemoryStorage) Delete(key string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.values, key)
	return nil
}

// FailNextSets makes the next n calls to Set return err
func (self *MemoryStorage) FailNextSets(n int, err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.failSets = n
	self.failErr = err
}
