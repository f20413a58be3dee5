package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// ChannelListeners are one caller's listeners for a subscribed entity.
// Every Subscribe call's listeners are independently invoked even when the
// underlying channel is shared.
type ChannelListeners struct {
	OnChange    func(change RowChange)
	OnBroadcast func(event string, payload json.RawMessage)
	// invoked with the full presence set after every presence transition
	OnPresence func(entries []PresenceEntry)
	OnStatus   func(status ChannelStatus, err error)
}

type SubscriptionManagerSettings struct {
	// fixed delay before a channel reconnect attempt. retries are
	// unbounded but rate-limited to one in-flight attempt per channel.
	ReconnectTimeout time.Duration
}

func DefaultSubscriptionManagerSettings() *SubscriptionManagerSettings {
	return &SubscriptionManagerSettings{
		ReconnectTimeout: 5 * time.Second,
	}
}

// one logical channel per tracked entity, shared by refcount
type channelSubscription struct {
	topic    string
	identity *PresenceEntry

	refCount  int
	status    ChannelStatus
	listeners *CallbackList[*ChannelListeners]

	transportChannel TransportChannel
	presence         map[string]PresenceEntry
	reconnectTimer   *time.Timer
}

// SubscriptionManager opens and multiplexes one channel per tracked entity,
// dispatching change, broadcast, and presence events to registered
// listeners, and owns reconnect scheduling. Construct one per app session
// and Close it on teardown.
type SubscriptionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport ChannelTransport
	settings  *SubscriptionManagerSettings

	stateLock     sync.Mutex
	subscriptions map[string]*channelSubscription
}

func NewSubscriptionManagerWithDefaults(ctx context.Context, transport ChannelTransport) *SubscriptionManager {
	return NewSubscriptionManager(ctx, transport, DefaultSubscriptionManagerSettings())
}

func NewSubscriptionManager(
	ctx context.Context,
	transport ChannelTransport,
	settings *SubscriptionManagerSettings,
) *SubscriptionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SubscriptionManager{
		ctx:           cancelCtx,
		cancel:        cancel,
		transport:     transport,
		settings:      settings,
		subscriptions: map[string]*channelSubscription{},
	}
}

// Subscribe attaches listeners to the channel for an entity, opening the
// channel on the first call and sharing it afterwards (refcounted). The
// returned handle detaches the listeners and decrements the refcount; it is
// always safe to call, including after UnsubscribeAll.
// If identity is non-nil it is announced as local presence once subscribed
// (the first caller's identity wins for a shared channel).
func (self *SubscriptionManager) Subscribe(
	entityId string,
	listeners *ChannelListeners,
	identity *PresenceEntry,
) (func(), error) {
	topic := MatchTopic(entityId)

	self.stateLock.Lock()
	subscription, ok := self.subscriptions[topic]
	if ok {
		subscription.refCount += 1
		if subscription.identity == nil {
			subscription.identity = identity
		}
		callbackId := subscription.listeners.Add(listeners)
		status := subscription.status
		refCount := subscription.refCount
		self.stateLock.Unlock()

		glog.V(2).Infof("[sub]%s refCount -> %d\n", topic, refCount)

		// late subscribers still learn the current status
		if listeners.OnStatus != nil && status != "" {
			listeners.OnStatus(status, nil)
		}
		return self.unsubscribeHandle(subscription, callbackId), nil
	}

	subscription = &channelSubscription{
		topic:     topic,
		identity:  identity,
		refCount:  1,
		listeners: NewCallbackList[*ChannelListeners](),
		presence:  map[string]PresenceEntry{},
	}
	callbackId := subscription.listeners.Add(listeners)
	self.subscriptions[topic] = subscription
	self.stateLock.Unlock()

	glog.V(2).Infof("[sub]%s open\n", topic)

	if err := self.open(subscription); err != nil {
		self.stateLock.Lock()
		delete(self.subscriptions, topic)
		self.stateLock.Unlock()
		return nil, err
	}
	return self.unsubscribeHandle(subscription, callbackId), nil
}

// open joins the transport channel for a subscription. Called for the first
// subscriber and again on each reconnect attempt.
func (self *SubscriptionManager) open(subscription *channelSubscription) error {
	events := &ChannelEvents{
		OnStatus: func(status ChannelStatus, err error) {
			self.handleStatus(subscription, status, err)
		},
		OnChange: func(change RowChange) {
			self.handleChange(subscription, change)
		},
		OnBroadcast: func(event string, payload json.RawMessage, sender string) {
			self.handleBroadcast(subscription, event, payload)
		},
		OnPresence: func(event PresenceEvent) {
			self.handlePresence(subscription, event)
		},
	}
	transportChannel, err := self.transport.OpenChannel(subscription.topic, events)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	subscription.transportChannel = transportChannel
	self.stateLock.Unlock()
	return nil
}

func (self *SubscriptionManager) unsubscribeHandle(subscription *channelSubscription, callbackId int) func() {
	released := false
	var releaseLock sync.Mutex
	return func() {
		releaseLock.Lock()
		if released {
			releaseLock.Unlock()
			return
		}
		released = true
		releaseLock.Unlock()

		self.release(subscription, callbackId)
	}
}

func (self *SubscriptionManager) release(subscription *channelSubscription, callbackId int) {
	self.stateLock.Lock()
	current, ok := self.subscriptions[subscription.topic]
	if !ok || current != subscription {
		// already torn down by UnsubscribeAll, or replaced by a newer
		// subscription. refcount is authoritative for handle teardown
		// only while the subscription is live.
		self.stateLock.Unlock()
		return
	}

	subscription.listeners.Remove(callbackId)
	subscription.refCount -= 1
	if 0 < subscription.refCount {
		refCount := subscription.refCount
		self.stateLock.Unlock()
		glog.V(2).Infof("[sub]%s refCount -> %d\n", subscription.topic, refCount)
		return
	}

	delete(self.subscriptions, subscription.topic)
	transportChannel := subscription.transportChannel
	subscription.transportChannel = nil
	self.cancelReconnectLocked(subscription)
	self.stateLock.Unlock()

	glog.V(2).Infof("[sub]%s close\n", subscription.topic)
	if transportChannel != nil {
		transportChannel.Close()
	}
}

// Broadcast sends an ephemeral message to the other current subscribers of
// the entity's channel. Fails if no active channel exists for the entity.
func (self *SubscriptionManager) Broadcast(entityId string, event string, payload any) error {
	topic := MatchTopic(entityId)

	self.stateLock.Lock()
	subscription, ok := self.subscriptions[topic]
	var transportChannel TransportChannel
	if ok {
		transportChannel = subscription.transportChannel
	}
	self.stateLock.Unlock()

	if !ok || transportChannel == nil {
		return fmt.Errorf("no active channel for entity: %s", entityId)
	}
	return transportChannel.Send(event, payload)
}

// Presence returns the current presence set for an entity's channel, sorted
// by user id. Empty if there is no active channel.
func (self *SubscriptionManager) Presence(entityId string) []PresenceEntry {
	topic := MatchTopic(entityId)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscription, ok := self.subscriptions[topic]
	if !ok {
		return []PresenceEntry{}
	}
	return presenceEntries(subscription.presence)
}

// RefCount exposes the subscriber count for an entity's channel.
func (self *SubscriptionManager) RefCount(entityId string) int {
	topic := MatchTopic(entityId)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscription, ok := self.subscriptions[topic]
	if !ok {
		return 0
	}
	return subscription.refCount
}

func (self *SubscriptionManager) handleStatus(subscription *channelSubscription, status ChannelStatus, err error) {
	self.stateLock.Lock()
	current, ok := self.subscriptions[subscription.topic]
	if !ok || current != subscription {
		self.stateLock.Unlock()
		return
	}
	subscription.status = status
	identity := subscription.identity
	transportChannel := subscription.transportChannel
	self.stateLock.Unlock()

	switch status {
	case ChannelStatusSubscribed:
		if identity != nil && transportChannel != nil {
			if trackErr := transportChannel.Track(*identity); trackErr != nil {
				glog.Infof("[sub]%s track error = %s\n", subscription.topic, trackErr)
			}
		}
	case ChannelStatusErrored, ChannelStatusTimedOut:
		glog.Infof("[sub]%s %s = %s\n", subscription.topic, status, err)
		self.scheduleReconnect(subscription)
	}

	for _, listeners := range subscription.listeners.Get() {
		if listeners.OnStatus != nil {
			HandleError(func() {
				listeners.OnStatus(status, err)
			})
		}
	}
}

func (self *SubscriptionManager) handleChange(subscription *channelSubscription, change RowChange) {
	for _, listeners := range subscription.listeners.Get() {
		if listeners.OnChange != nil {
			// a panicking listener must not take down the reader
			HandleError(func() {
				listeners.OnChange(change)
			})
		}
	}
}

func (self *SubscriptionManager) handleBroadcast(subscription *channelSubscription, event string, payload json.RawMessage) {
	for _, listeners := range subscription.listeners.Get() {
		if listeners.OnBroadcast != nil {
			HandleError(func() {
				listeners.OnBroadcast(event, payload)
			})
		}
	}
}

func (self *SubscriptionManager) handlePresence(subscription *channelSubscription, event PresenceEvent) {
	self.stateLock.Lock()
	current, ok := self.subscriptions[subscription.topic]
	if !ok || current != subscription {
		self.stateLock.Unlock()
		return
	}
	subscription.presence = applyPresenceEvent(subscription.presence, event)
	entries := presenceEntries(subscription.presence)
	self.stateLock.Unlock()

	glog.V(2).Infof("[sub]%s presence %s -> %d\n", subscription.topic, event.Kind, len(entries))

	for _, listeners := range subscription.listeners.Get() {
		if listeners.OnPresence != nil {
			HandleError(func() {
				listeners.OnPresence(entries)
			})
		}
	}
}

// scheduleReconnect arms a single reconnect attempt after a fixed delay.
// At most one attempt is in flight per channel; a failed reattempt errors
// again through handleStatus, which reschedules.
func (self *SubscriptionManager) scheduleReconnect(subscription *channelSubscription) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	current, ok := self.subscriptions[subscription.topic]
	if !ok || current != subscription {
		return
	}
	if subscription.reconnectTimer != nil {
		// one in-flight attempt per channel. no thundering herd.
		return
	}
	subscription.reconnectTimer = time.AfterFunc(self.settings.ReconnectTimeout, func() {
		self.reconnect(subscription)
	})
}

func (self *SubscriptionManager) reconnect(subscription *channelSubscription) {
	select {
	case <-self.ctx.Done():
		return
	default:
	}

	self.stateLock.Lock()
	current, ok := self.subscriptions[subscription.topic]
	if !ok || current != subscription {
		self.stateLock.Unlock()
		return
	}
	subscription.reconnectTimer = nil
	transportChannel := subscription.transportChannel
	subscription.transportChannel = nil
	self.stateLock.Unlock()

	glog.Infof("[sub]%s reconnect\n", subscription.topic)
	if transportChannel != nil {
		transportChannel.Close()
	}
	if err := self.open(subscription); err != nil {
		glog.Infof("[sub]%s reconnect error = %s\n", subscription.topic, err)
		self.scheduleReconnect(subscription)
	}
}

func (self *SubscriptionManager) cancelReconnectLocked(subscription *channelSubscription) {
	if subscription.reconnectTimer != nil {
		subscription.reconnectTimer.Stop()
		subscription.reconnectTimer = nil
	}
}

// UnsubscribeAll tears down every open channel, ignoring refcounts. Used on
// logout/teardown. Outstanding unsubscribe handles become no-ops.
func (self *SubscriptionManager) UnsubscribeAll() {
	self.stateLock.Lock()
	subscriptions := maps.Values(self.subscriptions)
	self.subscriptions = map[string]*channelSubscription{}
	for _, subscription := range subscriptions {
		self.cancelReconnectLocked(subscription)
	}
	self.stateLock.Unlock()

	for _, subscription := range subscriptions {
		if subscription.transportChannel != nil {
			subscription.transportChannel.Close()
			subscription.transportChannel = nil
		}
		glog.V(2).Infof("[sub]%s close\n", subscription.topic)
	}
}

func (self *SubscriptionManager) Close() {
	self.UnsubscribeAll()
	self.cancel()
}
