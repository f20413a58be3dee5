package syncengine

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestFileStorage(t *testing.T) {
	storage, err := NewFileStorage(t.TempDir())
	assert.Equal(t, err, nil)

	_, err = storage.Get("missing")
	assert.Equal(t, errors.Is(err, ErrNotFound), true)

	err = storage.Set("a", []byte("one"))
	assert.Equal(t, err, nil)
	value, err := storage.Get("a")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, []byte("one"))

	// overwrite
	err = storage.Set("a", []byte("two"))
	assert.Equal(t, err, nil)
	value, err = storage.Get("a")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, []byte("two"))

	err = storage.Delete("a")
	assert.Equal(t, err, nil)
	_, err = storage.Get("a")
	assert.Equal(t, errors.Is(err, ErrNotFound), true)

	// deleting a missing key is a no-op
	err = storage.Delete("a")
	assert.Equal(t, err, nil)
}

func TestFileStorageSurvivesReopen(t *testing.T) {
	root := t.TempDir()

	storage, err := NewFileStorage(root)
	assert.Equal(t, err, nil)
	err = storage.Set("queue", []byte(`{"actions":[]}`))
	assert.Equal(t, err, nil)

	reopened, err := NewFileStorage(root)
	assert.Equal(t, err, nil)
	value, err := reopened.Get("queue")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, []byte(`{"actions":[]}`))
}

func TestMemoryStorage(t *testing.T) {
	storage := NewMemoryStorage()

	_, err := storage.Get("missing")
	assert.Equal(t, errors.Is(err, ErrNotFound), true)

	err = storage.Set("a", []byte("one"))
	assert.Equal(t, err, nil)
	value, err := storage.Get("a")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, []byte("one"))

	// the stored value is a copy
	value[0] = 'x'
	value, err = storage.Get("a")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, []byte("one"))

	failErr := errors.New("disk full")
	storage.FailNextSets(1, failErr)
	err = storage.Set("a", []byte("two"))
	assert.Equal(t, errors.Is(err, failErr), true)
	// the failed set did not change the value
	value, err = storage.Get("a")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, []byte("one"))

	err = storage.Delete("a")
	assert.Equal(t, err, nil)
	_, err = storage.Get("a")
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
}

func TestSqliteStorage(t *testing.T) {
	dataDir := t.TempDir()

	storage, err := OpenSqliteStorage(dataDir)
	assert.Equal(t, err, nil)

	_, err = storage.Get("missing")
	assert.Equal(t, errors.Is(err, ErrNotFound), true)

	err = storage.Set("a", []byte("one"))
	assert.Equal(t, err, nil)
	err = storage.Set("a", []byte("two"))
	assert.Equal(t, err, nil)
	value, err := storage.Get("a")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, []byte("two"))

	err = storage.Close()
	assert.Equal(t, err, nil)

	// values survive reopen
	storage, err = OpenSqliteStorage(dataDir)
	assert.Equal(t, err, nil)
	defer storage.Close()

	value, err = storage.Get("a")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, []byte("two"))

	err = storage.Delete("a")
	assert.Equal(t, err, nil)
	_, err = storage.Get("a")
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
}
