package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type NetworkTransport string

const (
	NetworkTransportWifi     NetworkTransport = "wifi"
	NetworkTransportCellular NetworkTransport = "cellular"
	NetworkTransportNone     NetworkTransport = "none"
	NetworkTransportUnknown  NetworkTransport = "unknown"
)

type Reachability string

const (
	ReachabilityReachable   Reachability = "reachable"
	ReachabilityUnreachable Reachability = "unreachable"
	ReachabilityUnknown     Reachability = "unknown"
)

// NetworkStatus is recomputed on every platform connectivity event and
// never persisted.
type NetworkStatus struct {
	Online    bool
	Transport NetworkTransport
	Reachable Reachability
}

// Effective connectivity. Absence of a reachability signal is treated as
// "unknown, assume online" so sync is never permanently stalled by a
// missing platform callback.
func (self NetworkStatus) IsOnline() bool {
	if !self.Online {
		return false
	}
	return self.Reachable != ReachabilityUnreachable
}

func UnknownNetworkStatus() NetworkStatus {
	return NetworkStatus{
		Online:    true,
		Transport: NetworkTransportUnknown,
		Reachable: ReachabilityUnknown,
	}
}

type NetworkStatusFunction = func(status NetworkStatus)

// fired once per offline->online transition, after the settle delay
type OnlineFunction = func()

type NetworkMonitorSettings struct {
	// delay after an offline->online edge before signaling, to avoid
	// thrashing sync on flappy links
	SettleTimeout time.Duration
}

func DefaultNetworkMonitorSettings() *NetworkMonitorSettings {
	return &NetworkMonitorSettings{
		SettleTimeout: 2 * time.Second,
	}
}

// NetworkMonitor observes connectivity transitions fed in by the platform
// via `Update`. This component never fails.
type NetworkMonitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *NetworkMonitorSettings

	stateLock sync.Mutex
	status    NetworkStatus
	// bumped only when effective connectivity flips. cancels a pending
	// settle signal when the link goes back offline inside the settle
	// window, while an online transport handoff leaves it armed.
	epoch int

	statusCallbacks *CallbackList[NetworkStatusFunction]
	onlineCallbacks *CallbackList[OnlineFunction]
}

func NewNetworkMonitorWithDefaults(ctx context.Context) *NetworkMonitor {
	return NewNetworkMonitor(ctx, DefaultNetworkMonitorSettings())
}

func NewNetworkMonitor(ctx context.Context, settings *NetworkMonitorSettings) *NetworkMonitor {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &NetworkMonitor{
		ctx:             cancelCtx,
		cancel:          cancel,
		settings:        settings,
		status:          UnknownNetworkStatus(),
		statusCallbacks: NewCallbackList[NetworkStatusFunction](),
		onlineCallbacks: NewCallbackList[OnlineFunction](),
	}
}

func (self *NetworkMonitor) Status() NetworkStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *NetworkMonitor) IsOnline() bool {
	return self.Status().IsOnline()
}

// AddStatusCallback registers a callback for every transition. Returns a
// disposer.
func (self *NetworkMonitor) AddStatusCallback(statusCallback NetworkStatusFunction) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

// AddOnlineCallback registers a callback for settled offline->online edges.
// Returns a disposer.
func (self *NetworkMonitor) AddOnlineCallback(onlineCallback OnlineFunction) func() {
	callbackId := self.onlineCallbacks.Add(onlineCallback)
	return func() {
		self.onlineCallbacks.Remove(callbackId)
	}
}

// Update feeds one platform connectivity event.
func (self *NetworkMonitor) Update(status NetworkStatus) {
	var becameOnline bool
	var epoch int

	self.stateLock.Lock()
	previous := self.status
	self.status = status
	changed := previous != status
	if changed {
		if previous.IsOnline() != status.IsOnline() {
			self.epoch += 1
		}
		epoch = self.epoch
		becameOnline = !previous.IsOnline() && status.IsOnline()
	}
	self.stateLock.Unlock()

	if !changed {
		return
	}

	glog.V(2).Infof("[net]%v -> %v\n", previous, status)

	for _, statusCallback := range self.statusCallbacks.Get() {
		statusCallback(status)
	}

	if becameOnline {
		go self.settleThenSignal(epoch)
	}
}

func (self *NetworkMonitor) settleThenSignal(epoch int) {
	select {
	case <-self.ctx.Done():
		return
	case <-time.After(self.settings.SettleTimeout):
	}

	self.stateLock.Lock()
	stale := epoch != self.epoch || !self.status.IsOnline()
	self.stateLock.Unlock()
	if stale {
		// went offline (or flapped) inside the settle window
		return
	}

	glog.V(2).Infof("[net]online settled\n")
	for _, onlineCallback := range self.onlineCallbacks.Get() {
		onlineCallback()
	}
}

func (self *NetworkMonitor) Close() {
	self.cancel()
}
