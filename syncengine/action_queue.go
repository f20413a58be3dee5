package syncengine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// the full queue is serialized under this single key
const ActionQueueStorageKey = "syncengine.action_queue"

const DefaultMaxRetries = 3

// PendingAction is one queued mutation. Immutable after enqueue except
// `RetryCount`. Destroyed on successful remote execution or when
// `RetryCount` reaches `MaxRetries`.
type PendingAction struct {
	Id         Id              `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
}

type actionQueueSnapshot struct {
	Actions []*PendingAction `json:"actions"`
}

// ActionQueue is a durable, ordered list of pending mutations that survives
// process restarts. All mutation goes through Enqueue/Remove/IncrementRetry/
// Clear; the persisted queue is never read-modify-written by callers.
//
// Single-writer discipline: the in-memory list is the source of truth during
// a run, and the in-memory state is not advanced until persistence succeeds,
// so memory and disk cannot diverge.
type ActionQueue struct {
	storage  Storage
	registry *MutationRegistry

	mutex   sync.Mutex
	actions []*PendingAction
}

// NewActionQueue loads any persisted queue from storage. A missing key is an
// empty queue; a corrupt snapshot is an error rather than silent data loss.
func NewActionQueue(storage Storage, registry *MutationRegistry) (*ActionQueue, error) {
	queue := &ActionQueue{
		storage:  storage,
		registry: registry,
		actions:  []*PendingAction{},
	}
	if err := queue.load(); err != nil {
		return nil, err
	}
	return queue, nil
}

func (self *ActionQueue) load() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	data, err := self.storage.Get(ActionQueueStorageKey)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return fmt.Errorf("load action queue: %w", err)
	}
	var snapshot actionQueueSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("load action queue: %w", err)
	}
	if snapshot.Actions != nil {
		self.actions = snapshot.Actions
	}
	glog.V(2).Infof("[q]loaded %d pending actions\n", len(self.actions))
	return nil
}

func (self *ActionQueue) persistLocked() error {
	snapshot := actionQueueSnapshot{
		Actions: self.actions,
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return self.storage.Set(ActionQueueStorageKey, data)
}

// Enqueue appends a new action and persists the full queue. A persistence
// failure is returned to the caller and the in-memory queue is rolled back.
// Unknown kinds are rejected here rather than at drain time.
func (self *ActionQueue) Enqueue(kind string, payload json.RawMessage, maxRetries int) (*PendingAction, error) {
	if self.registry != nil && !self.registry.Has(kind) {
		return nil, fmt.Errorf("unknown action kind: %s", kind)
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	action := &PendingAction{
		Id:         NewId(),
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
		RetryCount: 0,
		MaxRetries: maxRetries,
	}

	self.actions = append(self.actions, action)
	if err := self.persistLocked(); err != nil {
		self.actions = self.actions[:len(self.actions)-1]
		return nil, fmt.Errorf("enqueue %s: %w", kind, err)
	}

	glog.V(2).Infof("[q]enqueue %s %s\n", kind, action.Id)
	return action, nil
}

// List returns the queue contents in enqueue order (FIFO). The returned
// actions are copies; mutating them does not affect the queue.
func (self *ActionQueue) List() []*PendingAction {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	actions := make([]*PendingAction, 0, len(self.actions))
	for _, action := range self.actions {
		c := *action
		actions = append(actions, &c)
	}
	return actions
}

// Remove deletes one entry. A no-op if the id is absent.
func (self *ActionQueue) Remove(actionId Id) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.actions, func(action *PendingAction) bool {
		return action.Id == actionId
	})
	if i < 0 {
		return nil
	}

	removed := self.actions[i]
	nextActions := slices.Clone(self.actions)
	nextActions = slices.Delete(nextActions, i, i+1)

	previousActions := self.actions
	self.actions = nextActions
	if err := self.persistLocked(); err != nil {
		self.actions = previousActions
		return fmt.Errorf("remove %s: %w", actionId, err)
	}

	glog.V(2).Infof("[q]remove %s %s\n", removed.Kind, actionId)
	return nil
}

// IncrementRetry bumps the retry count for one entry and persists.
func (self *ActionQueue) IncrementRetry(actionId Id) (int, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.actions, func(action *PendingAction) bool {
		return action.Id == actionId
	})
	if i < 0 {
		return 0, fmt.Errorf("action not found: %s", actionId)
	}

	action := self.actions[i]
	action.RetryCount += 1
	if err := self.persistLocked(); err != nil {
		action.RetryCount -= 1
		return action.RetryCount, fmt.Errorf("increment retry %s: %w", actionId, err)
	}

	glog.V(2).Infof("[q]retry %s %s %d/%d\n", action.Kind, actionId, action.RetryCount, action.MaxRetries)
	return action.RetryCount, nil
}

// Clear empties the queue. Used for an explicit user-triggered reset, not
// automatically.
func (self *ActionQueue) Clear() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	previousActions := self.actions
	self.actions = []*PendingAction{}
	if err := self.persistLocked(); err != nil {
		self.actions = previousActions
		return fmt.Errorf("clear: %w", err)
	}

	glog.Infof("[q]cleared %d actions\n", len(previousActions))
	return nil
}

func (self *ActionQueue) Size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.actions)
}

// Stats returns pending counts per kind and a retry histogram, for the
// diagnostic surface.
func (self *ActionQueue) Stats() map[string]int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	stats := map[string]int{}
	for _, action := range self.actions {
		stats[action.Kind] += 1
		stats[fmt.Sprintf("retries:%d", action.RetryCount)] += 1
	}
	stats["total"] = len(self.actions)
	return stats
}
