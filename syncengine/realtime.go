package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// phoenix-style channel protocol over one multiplexed websocket
const (
	realtimeEventJoin          = "phx_join"
	realtimeEventLeave         = "phx_leave"
	realtimeEventReply         = "phx_reply"
	realtimeEventError         = "phx_error"
	realtimeEventClose         = "phx_close"
	realtimeEventHeartbeat     = "heartbeat"
	realtimeEventChange        = "postgres_changes"
	realtimeEventBroadcast     = "broadcast"
	realtimeEventPresence      = "presence"
	realtimeEventPresenceState = "presence_state"
	realtimeEventPresenceDiff  = "presence_diff"

	realtimeHeartbeatTopic = "phoenix"
)

type realtimeMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type realtimeReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

type broadcastEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Sender  string          `json:"sender,omitempty"`
}

type presenceStatePayload struct {
	Entries []PresenceEntry `json:"entries"`
}

type presenceDiffPayload struct {
	Joins  []PresenceEntry `json:"joins"`
	Leaves []PresenceEntry `json:"leaves"`
}

type presenceTrackPayload struct {
	Event string        `json:"event"`
	Entry PresenceEntry `json:"entry"`
}

type RowChangeOp string

const (
	RowChangeOpCreate RowChangeOp = "INSERT"
	RowChangeOpUpdate RowChangeOp = "UPDATE"
	RowChangeOpDelete RowChangeOp = "DELETE"
)

// RowChange is an authoritative row-change event streamed from the remote
// store for a subscribed entity.
type RowChange struct {
	Op        RowChangeOp     `json:"type"`
	Table     string          `json:"table"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

type ChannelStatus string

const (
	ChannelStatusSubscribed ChannelStatus = "subscribed"
	ChannelStatusErrored    ChannelStatus = "errored"
	ChannelStatusTimedOut   ChannelStatus = "timed_out"
	ChannelStatusClosed     ChannelStatus = "closed"
)

// ChannelEvents are the three event classes plus connection status
// transitions delivered for one channel. State is passed by parameter, not
// captured by closure, so reconnection and refcounting stay testable.
type ChannelEvents struct {
	OnStatus    func(status ChannelStatus, err error)
	OnChange    func(change RowChange)
	OnBroadcast func(event string, payload json.RawMessage, sender string)
	OnPresence  func(event PresenceEvent)
}

// TransportChannel is one joined channel.
type TransportChannel interface {
	// Send broadcasts an ephemeral message to the other subscribers of
	// this channel.
	Send(event string, payload any) error
	// Track announces local presence on this channel.
	Track(entry PresenceEntry) error
	Close()
}

// ChannelTransport is the channel-based pub/sub collaborator: row-change
// events, named broadcast events, and presence, multiplexed by topic.
type ChannelTransport interface {
	OpenChannel(topic string, events *ChannelEvents) (TransportChannel, error)
	// ClientRef identifies this client for broadcast echo suppression.
	ClientRef() string
	Close()
}

type Reconnect struct {
	timeout time.Duration
	start   time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
		start:   time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	return time.After(remaining)
}

type WebsocketChannelTransportSettings struct {
	WsHandshakeTimeout time.Duration
	JoinTimeout        time.Duration
	ReconnectTimeout   time.Duration
	HeartbeatTimeout   time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWebsocketChannelTransportSettings() *WebsocketChannelTransportSettings {
	return &WebsocketChannelTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		JoinTimeout:        5 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		HeartbeatTimeout:   15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
	}
}

// WebsocketChannelTransport multiplexes channels over a single websocket.
// The socket is owned by a run loop that redials forever until Close; on
// redial every registered channel is re-joined. Channel-level failures
// (join timeout, phx_error) are surfaced as status transitions and left to
// the subscription manager's reconnect scheduling.
type WebsocketChannelTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url         string
	accessToken string
	clientRef   string

	settings *WebsocketChannelTransportSettings

	stateLock sync.Mutex
	channels  map[string]*websocketChannel
	send      chan *realtimeMessage
	connected bool
	nextRef   int64
}

func NewWebsocketChannelTransportWithDefaults(
	ctx context.Context,
	url string,
	accessToken string,
) *WebsocketChannelTransport {
	return NewWebsocketChannelTransport(ctx, url, accessToken, DefaultWebsocketChannelTransportSettings())
}

func NewWebsocketChannelTransport(
	ctx context.Context,
	url string,
	accessToken string,
	settings *WebsocketChannelTransportSettings,
) *WebsocketChannelTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WebsocketChannelTransport{
		ctx:         cancelCtx,
		cancel:      cancel,
		url:         url,
		accessToken: accessToken,
		clientRef:   NewId().String(),
		settings:    settings,
		channels:    map[string]*websocketChannel{},
		send:        make(chan *realtimeMessage, 32),
	}
	go transport.run()
	return transport
}

func (self *WebsocketChannelTransport) ClientRef() string {
	return self.clientRef
}

func (self *WebsocketChannelTransport) ref() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.nextRef += 1
	return strconv.FormatInt(self.nextRef, 10)
}

func (self *WebsocketChannelTransport) OpenChannel(topic string, events *ChannelEvents) (TransportChannel, error) {
	self.stateLock.Lock()
	if _, ok := self.channels[topic]; ok {
		self.stateLock.Unlock()
		return nil, fmt.Errorf("channel already open for topic: %s", topic)
	}
	channel := &websocketChannel{
		transport: self,
		topic:     topic,
		events:    events,
	}
	self.channels[topic] = channel
	connected := self.connected
	self.stateLock.Unlock()

	if connected {
		self.join(channel)
	}
	return channel, nil
}

func (self *WebsocketChannelTransport) closeChannel(channel *websocketChannel) {
	self.stateLock.Lock()
	current, ok := self.channels[channel.topic]
	if ok && current == channel {
		delete(self.channels, channel.topic)
	}
	connected := self.connected
	self.stateLock.Unlock()

	if !ok || current != channel {
		return
	}

	channel.cancelJoinTimeout()
	if connected {
		// best effort. the server reaps the channel on socket loss anyway.
		self.enqueueSend(&realtimeMessage{
			Topic: channel.topic,
			Event: realtimeEventLeave,
			Ref:   self.ref(),
		})
	}
	channel.status(ChannelStatusClosed, nil)
}

// enqueueSend queues one frame for the writer. Never blocks the caller:
// frames sent against a disconnected socket are ephemeral and would flush
// stale after reconnect, and a full buffer means the writer is stalled.
func (self *WebsocketChannelTransport) enqueueSend(message *realtimeMessage) error {
	self.stateLock.Lock()
	connected := self.connected
	self.stateLock.Unlock()
	if !connected {
		return fmt.Errorf("not connected: %s %s", message.Topic, message.Event)
	}

	select {
	case <-self.ctx.Done():
		return fmt.Errorf("transport closed")
	case self.send <- message:
		return nil
	default:
		return fmt.Errorf("send buffer full: %s %s", message.Topic, message.Event)
	}
}

func (self *WebsocketChannelTransport) join(channel *websocketChannel) {
	joinRef := self.ref()
	channel.setJoinRef(joinRef)

	payload, _ := json.Marshal(map[string]any{
		"access_token": self.accessToken,
	})
	if err := self.enqueueSend(&realtimeMessage{
		Topic:   channel.topic,
		Event:   realtimeEventJoin,
		Payload: payload,
		Ref:     joinRef,
	}); err != nil {
		// the join timeout below surfaces this as a status transition
		glog.Infof("[rt]join send error %s = %s\n", channel.topic, err)
	}
	channel.startJoinTimeout(self.settings.JoinTimeout)
}

func (self *WebsocketChannelTransport) run() {
	defer self.cancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		connect := func() (*websocket.Conn, error) {
			url := fmt.Sprintf("%s?token=%s&ref=%s", self.url, self.accessToken, self.clientRef)
			ws, _, err := dialer.DialContext(self.ctx, url, nil)
			if err != nil {
				return nil, err
			}
			return ws, nil
		}

		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[rt]connect %s", self.clientRef), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			glog.Infof("[rt]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			self.stateLock.Lock()
			self.connected = true
			channels := copyMap(self.channels)
			self.stateLock.Unlock()

			// rejoin every registered channel on each (re)connect
			for _, channel := range channels {
				self.join(channel)
			}

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message := <-self.send:
						data, err := json.Marshal(message)
						if err != nil {
							glog.Infof("[rt]marshal error = %s\n", err)
							continue
						}
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
							// a websocket deadline timeout cannot be recovered
							glog.Infof("[rt]-> error = %s\n", err)
							return
						}
						glog.V(2).Infof("[rt]-> %s %s\n", message.Topic, message.Event)
					case <-time.After(self.settings.HeartbeatTimeout):
						heartbeat := &realtimeMessage{
							Topic: realtimeHeartbeatTopic,
							Event: realtimeEventHeartbeat,
							Ref:   self.ref(),
						}
						data, _ := json.Marshal(heartbeat)
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, data, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[rt]<- error = %s\n", err)
						return
					}

					switch messageType {
					case websocket.TextMessage:
						var message realtimeMessage
						if err := json.Unmarshal(data, &message); err != nil {
							glog.Infof("[rt]<- decode error = %s\n", err)
							continue
						}
						self.dispatch(&message)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}

			self.stateLock.Lock()
			self.connected = false
			channels = copyMap(self.channels)
			self.stateLock.Unlock()

			// drop frames queued against the dead socket so they do not
			// flush stale after reconnect
			drained := false
			for !drained {
				select {
				case <-self.send:
				default:
					drained = true
				}
			}

			// the socket dropped out from under every joined channel
			for _, channel := range channels {
				channel.cancelJoinTimeout()
				channel.status(ChannelStatusErrored, fmt.Errorf("connection lost"))
			}
		}
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		if glog.V(2) {
			Trace(fmt.Sprintf("[rt]run %s", self.clientRef), c)
		} else {
			c()
		}
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *WebsocketChannelTransport) dispatch(message *realtimeMessage) {
	if message.Topic == realtimeHeartbeatTopic {
		return
	}

	self.stateLock.Lock()
	channel, ok := self.channels[message.Topic]
	self.stateLock.Unlock()
	if !ok {
		glog.V(2).Infof("[rt]<- drop %s %s\n", message.Topic, message.Event)
		return
	}

	glog.V(2).Infof("[rt]<- %s %s\n", message.Topic, message.Event)

	switch message.Event {
	case realtimeEventReply:
		if message.Ref != channel.getJoinRef() {
			return
		}
		channel.cancelJoinTimeout()
		var reply realtimeReply
		if err := json.Unmarshal(message.Payload, &reply); err != nil {
			channel.status(ChannelStatusErrored, err)
			return
		}
		if reply.Status == "ok" {
			channel.status(ChannelStatusSubscribed, nil)
		} else {
			channel.status(ChannelStatusErrored, fmt.Errorf("join rejected: %s", reply.Response))
		}
	case realtimeEventError:
		channel.cancelJoinTimeout()
		channel.status(ChannelStatusErrored, fmt.Errorf("channel error: %s", message.Payload))
	case realtimeEventClose:
		channel.cancelJoinTimeout()
		channel.status(ChannelStatusClosed, nil)
	case realtimeEventChange:
		var change RowChange
		if err := json.Unmarshal(message.Payload, &change); err != nil {
			glog.Infof("[rt]<- change decode error = %s\n", err)
			return
		}
		if channel.events.OnChange != nil {
			channel.events.OnChange(change)
		}
	case realtimeEventBroadcast:
		var envelope broadcastEnvelope
		if err := json.Unmarshal(message.Payload, &envelope); err != nil {
			glog.Infof("[rt]<- broadcast decode error = %s\n", err)
			return
		}
		if envelope.Sender == self.clientRef {
			// suppress our own echo
			return
		}
		if channel.events.OnBroadcast != nil {
			channel.events.OnBroadcast(envelope.Event, envelope.Payload, envelope.Sender)
		}
	case realtimeEventPresenceState:
		var state presenceStatePayload
		if err := json.Unmarshal(message.Payload, &state); err != nil {
			glog.Infof("[rt]<- presence decode error = %s\n", err)
			return
		}
		if channel.events.OnPresence != nil {
			channel.events.OnPresence(PresenceEvent{
				Kind:    PresenceEventKindSync,
				Entries: state.Entries,
			})
		}
	case realtimeEventPresenceDiff:
		var diff presenceDiffPayload
		if err := json.Unmarshal(message.Payload, &diff); err != nil {
			glog.Infof("[rt]<- presence decode error = %s\n", err)
			return
		}
		if channel.events.OnPresence != nil {
			if 0 < len(diff.Joins) {
				channel.events.OnPresence(PresenceEvent{
					Kind:    PresenceEventKindJoin,
					Entries: diff.Joins,
				})
			}
			if 0 < len(diff.Leaves) {
				channel.events.OnPresence(PresenceEvent{
					Kind:    PresenceEventKindLeave,
					Entries: diff.Leaves,
				})
			}
		}
	}
}

func (self *WebsocketChannelTransport) Close() {
	self.cancel()
}

type websocketChannel struct {
	transport *WebsocketChannelTransport
	topic     string
	events    *ChannelEvents

	stateLock sync.Mutex
	joinRef   string
	joinTimer *time.Timer
	closed    bool
}

func (self *websocketChannel) setJoinRef(joinRef string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.joinRef = joinRef
}

func (self *websocketChannel) getJoinRef() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.joinRef
}

func (self *websocketChannel) startJoinTimeout(timeout time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.joinTimer != nil {
		self.joinTimer.Stop()
	}
	self.joinTimer = time.AfterFunc(timeout, func() {
		self.status(ChannelStatusTimedOut, fmt.Errorf("join timeout: %s", self.topic))
	})
}

func (self *websocketChannel) cancelJoinTimeout() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.joinTimer != nil {
		self.joinTimer.Stop()
		self.joinTimer = nil
	}
}

func (self *websocketChannel) status(status ChannelStatus, err error) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	if status == ChannelStatusClosed {
		self.closed = true
	}
	self.stateLock.Unlock()

	if self.events.OnStatus != nil {
		self.events.OnStatus(status, err)
	}
}

func (self *websocketChannel) Send(event string, payload any) error {
	self.stateLock.Lock()
	closed := self.closed
	self.stateLock.Unlock()
	if closed {
		return fmt.Errorf("channel closed: %s", self.topic)
	}

	payloadJson, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	envelope, err := json.Marshal(broadcastEnvelope{
		Event:   event,
		Payload: payloadJson,
		Sender:  self.transport.clientRef,
	})
	if err != nil {
		return err
	}
	return self.transport.enqueueSend(&realtimeMessage{
		Topic:   self.topic,
		Event:   realtimeEventBroadcast,
		Payload: envelope,
		Ref:     self.transport.ref(),
	})
}

func (self *websocketChannel) Track(entry PresenceEntry) error {
	self.stateLock.Lock()
	closed := self.closed
	self.stateLock.Unlock()
	if closed {
		return fmt.Errorf("channel closed: %s", self.topic)
	}

	payload, err := json.Marshal(presenceTrackPayload{
		Event: "track",
		Entry: entry,
	})
	if err != nil {
		return err
	}
	return self.transport.enqueueSend(&realtimeMessage{
		Topic:   self.topic,
		Event:   realtimeEventPresence,
		Payload: payload,
		Ref:     self.transport.ref(),
	})
}

func (self *websocketChannel) Close() {
	self.transport.closeChannel(self)
}
