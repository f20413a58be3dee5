package syncengine

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// makes a copy of the list on update so that `Get` is safe to iterate
// while callbacks add or remove themselves
type CallbackList[T any] struct {
	mutex       sync.Mutex
	callbackIds []int
	callbacks   map[int]T
	nextId      int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   map[int]T{},
		nextId:      0,
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbackIds = append(slices.Clone(self.callbackIds), callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	nextCallbackIds := slices.Clone(self.callbackIds)
	nextCallbackIds = slices.Delete(nextCallbackIds, i, i+1)
	self.callbackIds = nextCallbackIds
	delete(self.callbacks, callbackId)
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbackIds)
}

// a one-shot broadcast event. `NotifyChannel` returns a channel that is
// closed on the next `NotifyAll`, at which point a new channel is created.
type Event struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewEvent() *Event {
	return &Event{
		update: make(chan struct{}),
	}
}

func (self *Event) NotifyChannel() chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Event) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := map[K]V{}
	maps.Copy(out, m)
	return out
}
