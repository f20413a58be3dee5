package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// Record is the local copy of one remote row.
type Record = map[string]any

// EntityState is the authoritative local copy of a remote record plus the
// marker of which fields are speculative (written locally, not yet
// confirmed by the remote store).
type EntityState struct {
	Record      Record
	Speculative map[string]bool
}

func (self *EntityState) clone() *EntityState {
	return &EntityState{
		Record:      copyMap(self.Record),
		Speculative: copyMap(self.Speculative),
	}
}

// State is the in-memory active set, keyed by entity id. Treated as
// immutable: transitions return a new map.
type State = map[string]*EntityState

// Reconcile applies one authoritative row change to local state. A pure
// function: no UI framework, no reconciler instance. Confirmed values win
// for every field except those still marked speculative, which keep the
// local optimistic value until their paired action resolves.
func Reconcile(state State, change RowChange) State {
	entityId, err := rowChangeEntityId(change)
	if err != nil {
		glog.Infof("[rec]drop change = %s\n", err)
		return state
	}

	next := copyMap(state)
	switch change.Op {
	case RowChangeOpDelete:
		delete(next, entityId)
	case RowChangeOpCreate, RowChangeOpUpdate:
		var record Record
		if err := json.Unmarshal(change.Record, &record); err != nil {
			glog.Infof("[rec]drop change %s = %s\n", entityId, err)
			return state
		}
		previous, ok := next[entityId]
		if !ok {
			next[entityId] = &EntityState{
				Record:      record,
				Speculative: map[string]bool{},
			}
			return next
		}
		merged := &EntityState{
			Record:      record,
			Speculative: copyMap(previous.Speculative),
		}
		for field := range previous.Speculative {
			if value, ok := previous.Record[field]; ok {
				merged.Record[field] = value
			} else {
				delete(merged.Record, field)
			}
		}
		next[entityId] = merged
	}
	return next
}

func rowChangeEntityId(change RowChange) (string, error) {
	recordJson := change.Record
	if change.Op == RowChangeOpDelete && 0 < len(change.OldRecord) {
		recordJson = change.OldRecord
	}
	var record Record
	if err := json.Unmarshal(recordJson, &record); err != nil {
		return "", err
	}
	id, ok := record["id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("row change record has no id")
	}
	return id, nil
}

// OptimisticMutation is one in-flight local-first update. The pre-mutation
// snapshot is held until Confirm or Reject; exactly one of the two must be
// called.
type OptimisticMutation struct {
	reconciler *Reconciler
	entityId   string

	// nil when the entity was absent before the mutation
	snapshot *EntityState

	resolveLock sync.Mutex
	resolved    bool
	done        chan struct{}
}

// Confirm discards the snapshot. The mutation is now authoritative; the
// speculative markers for the entity are cleared and the next confirmed
// server value wins.
func (self *OptimisticMutation) Confirm() {
	self.resolve(func() {
		self.reconciler.confirm(self.entityId)
	})
}

// Reject restores the pre-mutation snapshot unchanged.
func (self *OptimisticMutation) Reject(err error) {
	self.resolve(func() {
		glog.Infof("[rec]rollback %s = %s\n", self.entityId, err)
		self.reconciler.rollback(self.entityId, self.snapshot)
	})
}

func (self *OptimisticMutation) resolve(apply func()) {
	self.resolveLock.Lock()
	if self.resolved {
		self.resolveLock.Unlock()
		return
	}
	self.resolved = true
	self.resolveLock.Unlock()

	apply()
	self.reconciler.finish(self.entityId, self)
	close(self.done)
}

// Reconciler owns the in-memory active set. Optimistic mutations on the
// same entity are serialized: a second mutation waits until the first has
// either confirmed or rolled back.
type Reconciler struct {
	stateLock sync.Mutex
	state     State
	mutations map[string]*OptimisticMutation

	stateCallbacks *CallbackList[func(State)]
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		state:          State{},
		mutations:      map[string]*OptimisticMutation{},
		stateCallbacks: NewCallbackList[func(State)](),
	}
}

// AddStateCallback registers a callback invoked with the new state after
// every transition. Returns a disposer.
func (self *Reconciler) AddStateCallback(stateCallback func(State)) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *Reconciler) Get(entityId string) (Record, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entityState, ok := self.state[entityId]
	if !ok {
		return nil, false
	}
	return copyMap(entityState.Record), true
}

func (self *Reconciler) Ids() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.state)
}

// Put seeds or replaces an entity with confirmed server state.
func (self *Reconciler) Put(entityId string, record Record) {
	self.stateLock.Lock()
	next := copyMap(self.state)
	next[entityId] = &EntityState{
		Record:      copyMap(record),
		Speculative: map[string]bool{},
	}
	self.state = next
	self.stateLock.Unlock()

	self.notify()
}

// ApplyChange merges one authoritative row change from the subscription
// manager into local state.
func (self *Reconciler) ApplyChange(change RowChange) {
	self.stateLock.Lock()
	self.state = Reconcile(self.state, change)
	self.stateLock.Unlock()

	self.notify()
}

// ApplyOptimistic applies `mutate` locally before remote confirmation.
// `mutate` receives a copy of the current record (nil if absent) and
// returns the new record, or nil to remove the entity from the active set.
// Blocks until any earlier mutation on the same entity resolves, or ctx is
// done.
func (self *Reconciler) ApplyOptimistic(
	ctx context.Context,
	entityId string,
	mutate func(record Record) Record,
) (*OptimisticMutation, error) {
	for {
		self.stateLock.Lock()
		pending, ok := self.mutations[entityId]
		if !ok {
			break
		}
		self.stateLock.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-pending.done:
		}
	}
	// stateLock held

	var snapshot *EntityState
	var before Record
	if entityState, ok := self.state[entityId]; ok {
		snapshot = entityState.clone()
		before = copyMap(entityState.Record)
	}

	after := mutate(before)

	next := copyMap(self.state)
	if after == nil {
		delete(next, entityId)
	} else {
		speculative := map[string]bool{}
		if snapshot != nil {
			speculative = copyMap(snapshot.Speculative)
		}
		for field, value := range after {
			if snapshot == nil || !equalValues(snapshot.Record[field], value) {
				speculative[field] = true
			}
		}
		for field := range before {
			if _, ok := after[field]; !ok {
				speculative[field] = true
			}
		}
		next[entityId] = &EntityState{
			Record:      after,
			Speculative: speculative,
		}
	}
	self.state = next

	mutation := &OptimisticMutation{
		reconciler: self,
		entityId:   entityId,
		snapshot:   snapshot,
		done:       make(chan struct{}),
	}
	self.mutations[entityId] = mutation
	self.stateLock.Unlock()

	glog.V(2).Infof("[rec]optimistic %s\n", entityId)
	self.notify()
	return mutation, nil
}

func (self *Reconciler) confirm(entityId string) {
	self.stateLock.Lock()
	next := copyMap(self.state)
	if entityState, ok := next[entityId]; ok {
		next[entityId] = &EntityState{
			Record:      copyMap(entityState.Record),
			Speculative: map[string]bool{},
		}
	}
	self.state = next
	self.stateLock.Unlock()

	self.notify()
}

func (self *Reconciler) rollback(entityId string, snapshot *EntityState) {
	self.stateLock.Lock()
	next := copyMap(self.state)
	if snapshot == nil {
		delete(next, entityId)
	} else {
		next[entityId] = snapshot.clone()
	}
	self.state = next
	self.stateLock.Unlock()

	self.notify()
}

func (self *Reconciler) finish(entityId string, mutation *OptimisticMutation) {
	self.stateLock.Lock()
	if self.mutations[entityId] == mutation {
		delete(self.mutations, entityId)
	}
	self.stateLock.Unlock()
}

func (self *Reconciler) notify() {
	self.stateLock.Lock()
	state := copyMap(self.state)
	self.stateLock.Unlock()

	for _, stateCallback := range self.stateCallbacks.Get() {
		HandleError(func() {
			stateCallback(state)
		})
	}
}

func equalValues(a any, b any) bool {
	aJson, aErr := json.Marshal(a)
	bJson, bErr := json.Marshal(b)
	if aErr != nil || bErr != nil {
		return false
	}
	return string(aJson) == string(bJson)
}
