package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testRegistry(kinds ...string) *MutationRegistry {
	registry := NewMutationRegistry()
	for _, kind := range kinds {
		registry.RequireRegister(kind, func(ctx context.Context, payload json.RawMessage) error {
			return nil
		})
	}
	return registry
}

func TestActionQueueFifo(t *testing.T) {
	storage := NewMemoryStorage()
	registry := testRegistry("a", "b", "c")

	queue, err := NewActionQueue(storage, registry)
	assert.Equal(t, err, nil)
	assert.Equal(t, queue.Size(), 0)

	a, err := queue.Enqueue("a", json.RawMessage(`{"n":1}`), 3)
	assert.Equal(t, err, nil)
	b, err := queue.Enqueue("b", json.RawMessage(`{"n":2}`), 3)
	assert.Equal(t, err, nil)
	c, err := queue.Enqueue("c", json.RawMessage(`{"n":3}`), 3)
	assert.Equal(t, err, nil)

	actions := queue.List()
	assert.Equal(t, len(actions), 3)
	assert.Equal(t, actions[0].Id, a.Id)
	assert.Equal(t, actions[1].Id, b.Id)
	assert.Equal(t, actions[2].Id, c.Id)

	err = queue.Remove(b.Id)
	assert.Equal(t, err, nil)
	actions = queue.List()
	assert.Equal(t, len(actions), 2)
	assert.Equal(t, actions[0].Id, a.Id)
	assert.Equal(t, actions[1].Id, c.Id)

	// removing an absent id is a no-op
	err = queue.Remove(b.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, queue.Size(), 2)
}

func TestActionQueueUnknownKind(t *testing.T) {
	storage := NewMemoryStorage()
	registry := testRegistry("known")

	queue, err := NewActionQueue(storage, registry)
	assert.Equal(t, err, nil)

	// unknown kinds are rejected at enqueue time, not at drain time
	_, err = queue.Enqueue("unknown", json.RawMessage(`{}`), 3)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, queue.Size(), 0)
}

func TestActionQueueRoundTrip(t *testing.T) {
	storage := NewMemoryStorage()
	registry := testRegistry("a", "b", "c", "d")

	queue, err := NewActionQueue(storage, registry)
	assert.Equal(t, err, nil)

	kinds := []string{"a", "b", "c", "d"}
	for _, kind := range kinds {
		_, err := queue.Enqueue(kind, json.RawMessage(`{}`), 5)
		assert.Equal(t, err, nil)
	}

	actions := queue.List()
	_, err = queue.IncrementRetry(actions[1].Id)
	assert.Equal(t, err, nil)
	_, err = queue.IncrementRetry(actions[1].Id)
	assert.Equal(t, err, nil)
	_, err = queue.IncrementRetry(actions[3].Id)
	assert.Equal(t, err, nil)

	// reload from the same storage. order and retry counts must repro.
	reloaded, err := NewActionQueue(storage, registry)
	assert.Equal(t, err, nil)

	reloadedActions := reloaded.List()
	assert.Equal(t, len(reloadedActions), 4)
	for i, action := range reloadedActions {
		assert.Equal(t, action.Id, actions[i].Id)
		assert.Equal(t, action.Kind, kinds[i])
	}
	assert.Equal(t, reloadedActions[0].RetryCount, 0)
	assert.Equal(t, reloadedActions[1].RetryCount, 2)
	assert.Equal(t, reloadedActions[2].RetryCount, 0)
	assert.Equal(t, reloadedActions[3].RetryCount, 1)
}

func TestActionQueuePersistenceFailure(t *testing.T) {
	storage := NewMemoryStorage()
	registry := testRegistry("a")

	queue, err := NewActionQueue(storage, registry)
	assert.Equal(t, err, nil)

	_, err = queue.Enqueue("a", json.RawMessage(`{}`), 3)
	assert.Equal(t, err, nil)

	// a persistence failure is surfaced and the in-memory queue is not
	// advanced
	failErr := errors.New("disk full")
	storage.FailNextSets(1, failErr)
	_, err = queue.Enqueue("a", json.RawMessage(`{}`), 3)
	assert.Equal(t, errors.Is(err, failErr), true)
	assert.Equal(t, queue.Size(), 1)

	storage.FailNextSets(1, failErr)
	action := queue.List()[0]
	err = queue.Remove(action.Id)
	assert.Equal(t, errors.Is(err, failErr), true)
	assert.Equal(t, queue.Size(), 1)

	storage.FailNextSets(1, failErr)
	_, err = queue.IncrementRetry(action.Id)
	assert.Equal(t, errors.Is(err, failErr), true)
	assert.Equal(t, queue.List()[0].RetryCount, 0)

	// memory and disk agree after the failures
	reloaded, err := NewActionQueue(storage, registry)
	assert.Equal(t, err, nil)
	assert.Equal(t, reloaded.Size(), 1)
	assert.Equal(t, reloaded.List()[0].RetryCount, 0)
}

func TestActionQueueClear(t *testing.T) {
	storage := NewMemoryStorage()
	registry := testRegistry("a")

	queue, err := NewActionQueue(storage, registry)
	assert.Equal(t, err, nil)

	for i := 0; i < 3; i++ {
		_, err := queue.Enqueue("a", json.RawMessage(`{}`), 3)
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, queue.Size(), 3)

	err = queue.Clear()
	assert.Equal(t, err, nil)
	assert.Equal(t, queue.Size(), 0)

	reloaded, err := NewActionQueue(storage, registry)
	assert.Equal(t, err, nil)
	assert.Equal(t, reloaded.Size(), 0)
}

func TestActionQueueStats(t *testing.T) {
	storage := NewMemoryStorage()
	registry := testRegistry("a", "b")

	queue, err := NewActionQueue(storage, registry)
	assert.Equal(t, err, nil)

	_, err = queue.Enqueue("a", json.RawMessage(`{}`), 3)
	assert.Equal(t, err, nil)
	_, err = queue.Enqueue("a", json.RawMessage(`{}`), 3)
	assert.Equal(t, err, nil)
	_, err = queue.Enqueue("b", json.RawMessage(`{}`), 3)
	assert.Equal(t, err, nil)

	stats := queue.Stats()
	assert.Equal(t, stats["total"], 3)
	assert.Equal(t, stats["a"], 2)
	assert.Equal(t, stats["b"], 1)
	assert.Equal(t, stats["retries:0"], 3)
}
