package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/exp/maps"
)

// MutationFunction performs one remote mutation for a queued action.
// The engine is agnostic to what these functions actually do.
type MutationFunction func(ctx context.Context, payload json.RawMessage) error

// MutationErrorClass partitions remote mutation failures. The sync
// coordinator retries transient failures up to the action's max retries and
// discards permanent failures after a single attempt.
type MutationErrorClass string

const (
	// network/timeout/server-unavailable. retrying can help.
	MutationErrorClassTransient MutationErrorClass = "transient"
	// validation/permission/conflict. retrying cannot help.
	MutationErrorClassPermanent MutationErrorClass = "permanent"
)

type MutationError struct {
	Class  MutationErrorClass
	Reason string
	Cause  error
}

func (self *MutationError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("%s mutation error: %s: %s", self.Class, self.Reason, self.Cause)
	}
	return fmt.Sprintf("%s mutation error: %s", self.Class, self.Reason)
}

func (self *MutationError) Unwrap() error {
	return self.Cause
}

func TransientError(reason string, cause error) *MutationError {
	return &MutationError{
		Class:  MutationErrorClassTransient,
		Reason: reason,
		Cause:  cause,
	}
}

func PermanentError(reason string, cause error) *MutationError {
	return &MutationError{
		Class:  MutationErrorClassPermanent,
		Reason: reason,
		Cause:  cause,
	}
}

// ClassifyError maps an arbitrary error from a mutation function to a class.
// Timeouts, context deadline, and net errors are transient. Unclassified
// errors are also transient, so only mutations that explicitly return a
// `PermanentError` short-circuit the retry loop.
func ClassifyError(err error) MutationErrorClass {
	var mutationErr *MutationError
	if errors.As(err, &mutationErr) {
		return mutationErr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return MutationErrorClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return MutationErrorClassTransient
	}
	// err on the side of retrying. exhaustion will remove the action.
	return MutationErrorClassTransient
}

// MutationRegistry maps `PendingAction.Kind` to the function that executes
// it remotely. The registry is the closed set of action kinds: enqueueing an
// unknown kind is rejected up front rather than at drain time.
type MutationRegistry struct {
	mutex     sync.Mutex
	mutations map[string]MutationFunction
}

func NewMutationRegistry() *MutationRegistry {
	return &MutationRegistry{
		mutations: map[string]MutationFunction{},
	}
}

func (self *MutationRegistry) Register(kind string, mutation MutationFunction) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.mutations[kind]; ok {
		return fmt.Errorf("mutation kind already registered: %s", kind)
	}
	self.mutations[kind] = mutation
	return nil
}

func (self *MutationRegistry) RequireRegister(kind string, mutation MutationFunction) {
	if err := self.Register(kind, mutation); err != nil {
		panic(err)
	}
}

func (self *MutationRegistry) Get(kind string) (MutationFunction, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	mutation, ok := self.mutations[kind]
	return mutation, ok
}

func (self *MutationRegistry) Has(kind string) bool {
	_, ok := self.Get(kind)
	return ok
}

func (self *MutationRegistry) Kinds() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return maps.Keys(self.mutations)
}
