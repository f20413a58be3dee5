package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// in-memory ChannelTransport for exercising the manager without a socket
type testTransport struct {
	mutex sync.Mutex

	channels  map[string]*testChannel
	openCount map[string]int
	// when non-nil, OpenChannel fails with this error
	openErr error
}

func newTestTransport() *testTransport {
	return &testTransport{
		channels:  map[string]*testChannel{},
		openCount: map[string]int{},
	}
}

func (self *testTransport) OpenChannel(topic string, events *ChannelEvents) (TransportChannel, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.openCount[topic] += 1
	if self.openErr != nil {
		return nil, self.openErr
	}
	channel := &testChannel{
		topic:  topic,
		events: events,
	}
	self.channels[topic] = channel
	return channel, nil
}

func (self *testTransport) ClientRef() string {
	return "test-client"
}

func (self *testTransport) Close() {
}

func (self *testTransport) channel(topic string) *testChannel {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.channels[topic]
}

func (self *testTransport) opens(topic string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.openCount[topic]
}

type testChannel struct {
	topic  string
	events *ChannelEvents

	mutex   sync.Mutex
	sent    []string
	tracked []PresenceEntry
	closed  bool
}

func (self *testChannel) Send(event string, payload any) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return fmt.Errorf("channel closed: %s", self.topic)
	}
	self.sent = append(self.sent, event)
	return nil
}

func (self *testChannel) Track(entry PresenceEntry) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.tracked = append(self.tracked, entry)
	return nil
}

func (self *testChannel) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.closed = true
}

func (self *testChannel) isClosed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.closed
}

func (self *testChannel) trackedEntries() []PresenceEntry {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]PresenceEntry(nil), self.tracked...)
}

func presenceEntry(userId string) PresenceEntry {
	return PresenceEntry{
		UserId:      userId,
		DisplayName: userId,
		JoinedAt:    time.Now().UTC(),
	}
}

func TestSubscribeRefCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTestTransport()
	manager := NewSubscriptionManagerWithDefaults(ctx, transport)
	defer manager.Close()

	unsubA, err := manager.Subscribe("m1", &ChannelListeners{}, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, manager.RefCount("m1"), 1)
	assert.Equal(t, transport.opens(MatchTopic("m1")), 1)

	// second subscriber shares the channel
	unsubB, err := manager.Subscribe("m1", &ChannelListeners{}, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, manager.RefCount("m1"), 2)
	assert.Equal(t, transport.opens(MatchTopic("m1")), 1)

	channel := transport.channel(MatchTopic("m1"))

	unsubA()
	assert.Equal(t, manager.RefCount("m1"), 1)
	assert.Equal(t, channel.isClosed(), false)

	// idempotent. a second call must not decrement again.
	unsubA()
	assert.Equal(t, manager.RefCount("m1"), 1)

	unsubB()
	assert.Equal(t, manager.RefCount("m1"), 0)
	assert.Equal(t, channel.isClosed(), true)
}

func TestSubscribeFansOutToAllListeners(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTestTransport()
	manager := NewSubscriptionManagerWithDefaults(ctx, transport)
	defer manager.Close()

	changesA := []RowChange{}
	changesB := []RowChange{}
	unsubA, err := manager.Subscribe("m1", &ChannelListeners{
		OnChange: func(change RowChange) {
			changesA = append(changesA, change)
		},
	}, nil)
	assert.Equal(t, err, nil)
	defer unsubA()
	unsubB, err := manager.Subscribe("m1", &ChannelListeners{
		OnChange: func(change RowChange) {
			changesB = append(changesB, change)
		},
	}, nil)
	assert.Equal(t, err, nil)
	defer unsubB()

	channel := transport.channel(MatchTopic("m1"))
	channel.events.OnChange(RowChange{
		Op:     RowChangeOpUpdate,
		Table:  "matches",
		Record: json.RawMessage(`{"id":"m1","score":7}`),
	})

	assert.Equal(t, len(changesA), 1)
	assert.Equal(t, len(changesB), 1)
	assert.Equal(t, changesA[0].Op, RowChangeOpUpdate)
}

func TestSubscribeTracksIdentity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTestTransport()
	manager := NewSubscriptionManagerWithDefaults(ctx, transport)
	defer manager.Close()

	identity := presenceEntry("u1")
	unsub, err := manager.Subscribe("m1", &ChannelListeners{}, &identity)
	assert.Equal(t, err, nil)
	defer unsub()

	channel := transport.channel(MatchTopic("m1"))
	channel.events.OnStatus(ChannelStatusSubscribed, nil)

	tracked := channel.trackedEntries()
	assert.Equal(t, len(tracked), 1)
	assert.Equal(t, tracked[0].UserId, "u1")
}

func TestPresenceSequence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTestTransport()
	manager := NewSubscriptionManagerWithDefaults(ctx, transport)
	defer manager.Close()

	observed := [][]PresenceEntry{}
	unsub, err := manager.Subscribe("m1", &ChannelListeners{
		OnPresence: func(entries []PresenceEntry) {
			observed = append(observed, entries)
		},
	}, nil)
	assert.Equal(t, err, nil)
	defer unsub()

	channel := transport.channel(MatchTopic("m1"))

	// sync {u1,u2}, leave u1, join u3 => {u2,u3}
	channel.events.OnPresence(PresenceEvent{
		Kind:    PresenceEventKindSync,
		Entries: []PresenceEntry{presenceEntry("u1"), presenceEntry("u2")},
	})
	channel.events.OnPresence(PresenceEvent{
		Kind:    PresenceEventKindLeave,
		Entries: []PresenceEntry{presenceEntry("u1")},
	})
	channel.events.OnPresence(PresenceEvent{
		Kind:    PresenceEventKindJoin,
		Entries: []PresenceEntry{presenceEntry("u3")},
	})

	assert.Equal(t, len(observed), 3)
	final := manager.Presence("m1")
	assert.Equal(t, len(final), 2)
	assert.Equal(t, final[0].UserId, "u2")
	assert.Equal(t, final[1].UserId, "u3")
	// every notification carried the full set
	assert.Equal(t, len(observed[0]), 2)
	assert.Equal(t, len(observed[1]), 1)
	assert.Equal(t, len(observed[2]), 2)
}

func TestBroadcastRequiresActiveChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTestTransport()
	manager := NewSubscriptionManagerWithDefaults(ctx, transport)
	defer manager.Close()

	err := manager.Broadcast("m1", "cheer", map[string]any{"emoji": "🔥"})
	assert.NotEqual(t, err, nil)

	unsub, err := manager.Subscribe("m1", &ChannelListeners{}, nil)
	assert.Equal(t, err, nil)
	defer unsub()

	err = manager.Broadcast("m1", "cheer", map[string]any{"emoji": "🔥"})
	assert.Equal(t, err, nil)

	channel := transport.channel(MatchTopic("m1"))
	assert.Equal(t, channel.sent, []string{"cheer"})
}

func TestChannelReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTestTransport()
	manager := NewSubscriptionManager(ctx, transport, &SubscriptionManagerSettings{
		ReconnectTimeout: 10 * time.Millisecond,
	})
	defer manager.Close()

	unsub, err := manager.Subscribe("m1", &ChannelListeners{}, nil)
	assert.Equal(t, err, nil)
	defer unsub()

	topic := MatchTopic("m1")
	first := transport.channel(topic)

	// errored status schedules exactly one reattempt
	first.events.OnStatus(ChannelStatusErrored, fmt.Errorf("socket dropped"))
	first.events.OnStatus(ChannelStatusErrored, fmt.Errorf("socket dropped"))

	deadline := time.Now().Add(2 * time.Second)
	for transport.opens(topic) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, transport.opens(topic), 2)
	assert.Equal(t, first.isClosed(), true)

	// the replacement channel is live and serves the same subscription
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, transport.opens(topic), 2)
	err = manager.Broadcast("m1", "cheer", map[string]any{})
	assert.Equal(t, err, nil)
}

func TestUnsubscribeAll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTestTransport()
	manager := NewSubscriptionManagerWithDefaults(ctx, transport)
	defer manager.Close()

	unsub1, err := manager.Subscribe("m1", &ChannelListeners{}, nil)
	assert.Equal(t, err, nil)
	_, err = manager.Subscribe("m1", &ChannelListeners{}, nil)
	assert.Equal(t, err, nil)
	_, err = manager.Subscribe("m2", &ChannelListeners{}, nil)
	assert.Equal(t, err, nil)

	channel1 := transport.channel(MatchTopic("m1"))
	channel2 := transport.channel(MatchTopic("m2"))

	// ignores refcounts
	manager.UnsubscribeAll()
	assert.Equal(t, manager.RefCount("m1"), 0)
	assert.Equal(t, manager.RefCount("m2"), 0)
	assert.Equal(t, channel1.isClosed(), true)
	assert.Equal(t, channel2.isClosed(), true)

	// stale handles are no-ops
	unsub1()
	assert.Equal(t, manager.RefCount("m1"), 0)

	// fresh subscriptions work after teardown
	unsub, err := manager.Subscribe("m1", &ChannelListeners{}, nil)
	assert.Equal(t, err, nil)
	defer unsub()
	assert.Equal(t, manager.RefCount("m1"), 1)
}

func TestSubscribeOpenFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTestTransport()
	transport.openErr = fmt.Errorf("transport down")
	manager := NewSubscriptionManagerWithDefaults(ctx, transport)
	defer manager.Close()

	_, err := manager.Subscribe("m1", &ChannelListeners{}, nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, manager.RefCount("m1"), 0)

	// recoverable after the transport comes back
	transport.openErr = nil
	unsub, err := manager.Subscribe("m1", &ChannelListeners{}, nil)
	assert.Equal(t, err, nil)
	defer unsub()
	assert.Equal(t, manager.RefCount("m1"), 1)
}
