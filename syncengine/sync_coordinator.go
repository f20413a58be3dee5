package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type CoordinatorState string

const (
	CoordinatorStateIdle     CoordinatorState = "idle"
	CoordinatorStateDraining CoordinatorState = "draining"
)

// ActionResult reports the terminal outcome of one queued action: executed
// (Err nil), or removed after a permanent failure or retry exhaustion.
// Retryable failures that remain queued are not reported.
type ActionResult struct {
	Action *PendingAction
	Err    error
}

type ActionResultFunction = func(result ActionResult)

type DrainSummary struct {
	Executed int
	Retried  int
	Failed   int
}

type SyncCoordinatorSettings struct {
	// periodic drain while online and the queue is non-empty, independent
	// of the network monitor's edge-triggered signal, to recover from
	// false "online" states
	DrainInterval   time.Duration
	MutationTimeout time.Duration
}

func DefaultSyncCoordinatorSettings() *SyncCoordinatorSettings {
	return &SyncCoordinatorSettings{
		DrainInterval:   30 * time.Second,
		MutationTimeout: 10 * time.Second,
	}
}

// SyncCoordinator drains the action queue when online. Idle -> Draining ->
// Idle; never enters Draining if offline, already draining, or the queue is
// empty. Individual action failures never abort the drain: the coordinator
// always processes the full snapshot taken at drain start, skipping anything
// enqueued mid-drain until the next cycle, so no action executes twice
// concurrently.
type SyncCoordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	queue    *ActionQueue
	registry *MutationRegistry
	monitor  *NetworkMonitor
	settings *SyncCoordinatorSettings

	drainTrigger chan struct{}

	stateLock sync.Mutex
	state     CoordinatorState

	resultCallbacks *CallbackList[ActionResultFunction]

	removeOnlineCallback func()
}

func NewSyncCoordinatorWithDefaults(
	ctx context.Context,
	queue *ActionQueue,
	registry *MutationRegistry,
	monitor *NetworkMonitor,
) *SyncCoordinator {
	return NewSyncCoordinator(ctx, queue, registry, monitor, DefaultSyncCoordinatorSettings())
}

func NewSyncCoordinator(
	ctx context.Context,
	queue *ActionQueue,
	registry *MutationRegistry,
	monitor *NetworkMonitor,
	settings *SyncCoordinatorSettings,
) *SyncCoordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	coordinator := &SyncCoordinator{
		ctx:             cancelCtx,
		cancel:          cancel,
		queue:           queue,
		registry:        registry,
		monitor:         monitor,
		settings:        settings,
		drainTrigger:    make(chan struct{}, 1),
		state:           CoordinatorStateIdle,
		resultCallbacks: NewCallbackList[ActionResultFunction](),
	}
	if monitor != nil {
		coordinator.removeOnlineCallback = monitor.AddOnlineCallback(coordinator.TriggerDrain)
	}
	go coordinator.run()
	return coordinator
}

func (self *SyncCoordinator) State() CoordinatorState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// AddResultCallback registers a callback for terminal action outcomes.
// Returns a disposer.
func (self *SyncCoordinator) AddResultCallback(resultCallback ActionResultFunction) func() {
	callbackId := self.resultCallbacks.Add(resultCallback)
	return func() {
		self.resultCallbacks.Remove(callbackId)
	}
}

// TriggerDrain requests a drain cycle. Non-blocking; coalesces with any
// already pending trigger.
func (self *SyncCoordinator) TriggerDrain() {
	select {
	case self.drainTrigger <- struct{}{}:
	default:
	}
}

func (self *SyncCoordinator) run() {
	ticker := time.NewTicker(self.settings.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.drainTrigger:
		case <-ticker.C:
		}
		self.drain()
	}
}

// drain runs one cycle if the guard conditions pass. Guards are not
// failures: offline, already draining, and empty queue all leave the queue
// untouched for the next cycle.
func (self *SyncCoordinator) drain() DrainSummary {
	if self.monitor != nil && !self.monitor.IsOnline() {
		return DrainSummary{}
	}
	if self.queue.Size() == 0 {
		return DrainSummary{}
	}

	self.stateLock.Lock()
	if self.state == CoordinatorStateDraining {
		self.stateLock.Unlock()
		return DrainSummary{}
	}
	self.state = CoordinatorStateDraining
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		self.state = CoordinatorStateIdle
		self.stateLock.Unlock()
	}()

	// snapshot at drain start. FIFO per device.
	snapshot := self.queue.List()
	glog.V(2).Infof("[dr]drain %d actions\n", len(snapshot))

	summary := DrainSummary{}
	for _, action := range snapshot {
		select {
		case <-self.ctx.Done():
			return summary
		default:
		}

		if err := self.execute(action); err == nil {
			summary.Executed += 1
		} else {
			switch ClassifyError(err) {
			case MutationErrorClassPermanent:
				// retrying cannot help
				if removeErr := self.queue.Remove(action.Id); removeErr != nil {
					glog.Infof("[dr]remove failed %s = %s\n", action.Id, removeErr)
				}
				summary.Failed += 1
				glog.Infof("[dr]permanent failure %s %s = %s\n", action.Kind, action.Id, err)
				self.report(ActionResult{Action: action, Err: err})
			default:
				if action.RetryCount >= action.MaxRetries {
					// exhausted. remove and report as permanently failed.
					if removeErr := self.queue.Remove(action.Id); removeErr != nil {
						glog.Infof("[dr]remove failed %s = %s\n", action.Id, removeErr)
					}
					summary.Failed += 1
					glog.Infof("[dr]retries exhausted %s %s = %s\n", action.Kind, action.Id, err)
					self.report(ActionResult{
						Action: action,
						Err:    fmt.Errorf("max retries (%d) reached: %w", action.MaxRetries, err),
					})
				} else {
					// leave queued for the next cycle
					if _, incErr := self.queue.IncrementRetry(action.Id); incErr != nil {
						glog.Infof("[dr]increment retry failed %s = %s\n", action.Id, incErr)
					}
					summary.Retried += 1
					glog.V(2).Infof("[dr]retryable failure %s %s = %s\n", action.Kind, action.Id, err)
				}
			}
			continue
		}

		if err := self.queue.Remove(action.Id); err != nil {
			// the action executed but could not be removed. it will be
			// replayed on the next drain; mutations must be idempotent.
			glog.Infof("[dr]remove after execute failed %s = %s\n", action.Id, err)
			continue
		}
		self.report(ActionResult{Action: action})
	}

	glog.V(2).Infof("[dr]drain done executed=%d retried=%d failed=%d\n",
		summary.Executed, summary.Retried, summary.Failed)
	return summary
}

func (self *SyncCoordinator) execute(action *PendingAction) error {
	mutation, ok := self.registry.Get(action.Kind)
	if !ok {
		return PermanentError(fmt.Sprintf("unknown action kind: %s", action.Kind), nil)
	}

	mutationCtx, mutationCancel := context.WithTimeout(self.ctx, self.settings.MutationTimeout)
	defer mutationCancel()

	return mutation(mutationCtx, action.Payload)
}

func (self *SyncCoordinator) report(result ActionResult) {
	for _, resultCallback := range self.resultCallbacks.Get() {
		// a panicking callback must not abort the drain
		HandleError(func() {
			resultCallback(result)
		})
	}
}

// DrainNow runs one synchronous drain cycle, bypassing the timer. Used by
// the engine right after enqueue while online, and by tests.
func (self *SyncCoordinator) DrainNow() DrainSummary {
	return self.drain()
}

func (self *SyncCoordinator) Close() {
	if self.removeOnlineCallback != nil {
		self.removeOnlineCallback()
	}
	self.cancel()
}
