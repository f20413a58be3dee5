package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

type EngineSettings struct {
	// default max retries for queued actions
	MaxRetries int

	NetworkMonitorSettings      *NetworkMonitorSettings
	SyncCoordinatorSettings     *SyncCoordinatorSettings
	SubscriptionManagerSettings *SubscriptionManagerSettings
}

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		MaxRetries:                  DefaultMaxRetries,
		NetworkMonitorSettings:      DefaultNetworkMonitorSettings(),
		SyncCoordinatorSettings:     DefaultSyncCoordinatorSettings(),
		SubscriptionManagerSettings: DefaultSubscriptionManagerSettings(),
	}
}

// Engine wires the five components together: ui action -> optimistic
// update -> durable queue -> drain when online -> confirm or roll back,
// with the subscription manager independently streaming authoritative
// changes into the reconciler.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *EngineSettings

	registry      *MutationRegistry
	queue         *ActionQueue
	monitor       *NetworkMonitor
	coordinator   *SyncCoordinator
	subscriptions *SubscriptionManager
	reconciler    *Reconciler

	stateLock        sync.Mutex
	pendingMutations map[Id]*OptimisticMutation

	removeResultCallback func()
}

func NewEngineWithDefaults(
	ctx context.Context,
	storage Storage,
	registry *MutationRegistry,
	transport ChannelTransport,
) (*Engine, error) {
	return NewEngine(ctx, storage, registry, transport, DefaultEngineSettings())
}

func NewEngine(
	ctx context.Context,
	storage Storage,
	registry *MutationRegistry,
	transport ChannelTransport,
	settings *EngineSettings,
) (*Engine, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	queue, err := NewActionQueue(storage, registry)
	if err != nil {
		cancel()
		return nil, err
	}

	monitor := NewNetworkMonitor(cancelCtx, settings.NetworkMonitorSettings)
	coordinator := NewSyncCoordinator(cancelCtx, queue, registry, monitor, settings.SyncCoordinatorSettings)
	subscriptions := NewSubscriptionManager(cancelCtx, transport, settings.SubscriptionManagerSettings)
	reconciler := NewReconciler()

	engine := &Engine{
		ctx:              cancelCtx,
		cancel:           cancel,
		settings:         settings,
		registry:         registry,
		queue:            queue,
		monitor:          monitor,
		coordinator:      coordinator,
		subscriptions:    subscriptions,
		reconciler:       reconciler,
		pendingMutations: map[Id]*OptimisticMutation{},
	}
	engine.removeResultCallback = coordinator.AddResultCallback(engine.handleResult)

	return engine, nil
}

func (self *Engine) Queue() *ActionQueue {
	return self.queue
}

func (self *Engine) NetworkMonitor() *NetworkMonitor {
	return self.monitor
}

func (self *Engine) Coordinator() *SyncCoordinator {
	return self.coordinator
}

func (self *Engine) Subscriptions() *SubscriptionManager {
	return self.subscriptions
}

func (self *Engine) Reconciler() *Reconciler {
	return self.reconciler
}

// UpdateNetworkStatus feeds one platform connectivity event.
func (self *Engine) UpdateNetworkStatus(status NetworkStatus) {
	self.monitor.Update(status)
}

// ApplyAction applies `mutate` to local state immediately, queues the
// remote mutation durably, and triggers a drain when online. The optimistic
// update is confirmed or rolled back when the queued action resolves.
// `mutate` may be nil for actions with no local-first effect.
func (self *Engine) ApplyAction(
	ctx context.Context,
	entityId string,
	kind string,
	payload any,
	mutate func(record Record) Record,
) (*PendingAction, error) {
	payloadJson, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", kind, err)
	}

	var mutation *OptimisticMutation
	if mutate != nil {
		mutation, err = self.reconciler.ApplyOptimistic(ctx, entityId, mutate)
		if err != nil {
			return nil, err
		}
	}

	// enqueue and registration share the lock so a drain that executes the
	// action immediately cannot report its result before the pairing is
	// visible to handleResult
	self.stateLock.Lock()
	action, err := self.queue.Enqueue(kind, payloadJson, self.settings.MaxRetries)
	if err != nil {
		self.stateLock.Unlock()
		// local persistence failed. the optimistic update cannot resolve,
		// so roll it back and surface the failure.
		if mutation != nil {
			mutation.Reject(err)
		}
		return nil, err
	}
	if mutation != nil {
		self.pendingMutations[action.Id] = mutation
	}
	self.stateLock.Unlock()

	if self.monitor.IsOnline() {
		self.coordinator.TriggerDrain()
	}
	return action, nil
}

func (self *Engine) handleResult(result ActionResult) {
	self.stateLock.Lock()
	mutation, ok := self.pendingMutations[result.Action.Id]
	if ok {
		delete(self.pendingMutations, result.Action.Id)
	}
	self.stateLock.Unlock()

	if !ok {
		return
	}
	if result.Err == nil {
		mutation.Confirm()
	} else {
		glog.Infof("[eng]action failed %s %s = %s\n", result.Action.Kind, result.Action.Id, result.Err)
		mutation.Reject(result.Err)
	}
}

// Watch subscribes to an entity's channel, streaming row changes into the
// reconciler before forwarding events to the caller's listeners.
func (self *Engine) Watch(
	entityId string,
	listeners *ChannelListeners,
	identity *PresenceEntry,
) (func(), error) {
	wrapped := &ChannelListeners{
		OnChange: func(change RowChange) {
			self.reconciler.ApplyChange(change)
			if listeners != nil && listeners.OnChange != nil {
				listeners.OnChange(change)
			}
		},
	}
	if listeners != nil {
		wrapped.OnBroadcast = listeners.OnBroadcast
		wrapped.OnPresence = listeners.OnPresence
		wrapped.OnStatus = listeners.OnStatus
	}
	return self.subscriptions.Subscribe(entityId, wrapped, identity)
}

func (self *Engine) Broadcast(entityId string, event string, payload any) error {
	return self.subscriptions.Broadcast(entityId, event, payload)
}

func (self *Engine) Presence(entityId string) []PresenceEntry {
	return self.subscriptions.Presence(entityId)
}

func (self *Engine) Close() {
	self.removeResultCallback()
	self.subscriptions.Close()
	self.coordinator.Close()
	self.monitor.Close()
	self.cancel()
}
