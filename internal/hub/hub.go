// Package hub fans per-server console lines and lifecycle states out to
// any number of subscribers. Producers never block: a subscriber that
// stops draining its queue is dropped instead.
package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/craftplane/craftplane/internal/registry"
	"github.com/craftplane/craftplane/pkg/ring"
)

const (
	DefaultRingSize  = 1000
	DefaultQueueSize = 256
)

type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system"
)

type LogLine struct {
	ServerID string    `json:"server_id"`
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	Stream   Stream    `json:"stream"`
	Text     string    `json:"text"`
}

type Topic string

const (
	TopicLogs  Topic = "logs"
	TopicState Topic = "state"
)

type EventType string

const (
	EventBacklog EventType = "backlog"
	EventLog     EventType = "log"
	EventState   EventType = "state"
)

type Event struct {
	Type  EventType
	Logs  []LogLine
	Log   *LogLine
	State registry.State
}

// Drop reasons observable on a subscription's Done channel.
const (
	ReasonSlowConsumer = "SlowConsumer"
	ReasonClosed       = "Closed"
)

type Subscription struct {
	ID string

	events chan Event
	done   chan struct{}

	dropOnce sync.Once
	reason   string
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done is closed when the hub drops or closes the subscription.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Reason reports why the subscription ended. Valid after Done is closed.
func (s *Subscription) Reason() string {
	return s.reason
}

func (s *Subscription) drop(reason string) {
	s.dropOnce.Do(func() {
		s.reason = reason
		close(s.done)
	})
}

type serverTopics struct {
	ring      *ring.Buffer[LogLine]
	seq       uint64
	lastState registry.State
	hasState  bool

	logSubs   map[string]*Subscription
	stateSubs map[string]*Subscription
}

type Hub struct {
	logger    *zap.Logger
	ringSize  int
	queueSize int

	mu      sync.Mutex
	servers map[string]*serverTopics
}

func New(logger *zap.Logger) *Hub {
	return NewSized(logger, DefaultRingSize, DefaultQueueSize)
}

func NewSized(logger *zap.Logger, ringSize, queueSize int) *Hub {
	return &Hub{
		logger:    logger,
		ringSize:  ringSize,
		queueSize: queueSize,
		servers:   make(map[string]*serverTopics),
	}
}

func (h *Hub) topicsLocked(serverID string) *serverTopics {
	st, ok := h.servers[serverID]
	if !ok {
		st = &serverTopics{
			ring:      ring.New[LogLine](h.ringSize),
			logSubs:   make(map[string]*Subscription),
			stateSubs: make(map[string]*Subscription),
		}
		h.servers[serverID] = st
	}

	return st
}

// PublishLog appends one console line to the server's ring and delivers it
// to every log subscriber. Returns the sequenced line.
func (h *Hub) PublishLog(serverID string, stream Stream, text string) LogLine {
	h.mu.Lock()
	st := h.topicsLocked(serverID)
	st.seq++
	line := LogLine{
		ServerID: serverID,
		Seq:      st.seq,
		Time:     time.Now(),
		Stream:   stream,
		Text:     text,
	}
	st.ring.Append(line)
	subs := snapshot(st.logSubs)
	h.mu.Unlock()

	for _, sub := range subs {
		h.deliver(serverID, TopicLogs, sub, Event{Type: EventLog, Log: &line})
	}

	return line
}

// PublishState records the last observed state and delivers the change to
// every state subscriber.
func (h *Hub) PublishState(serverID string, state registry.State) {
	h.mu.Lock()
	st := h.topicsLocked(serverID)
	st.lastState = state
	st.hasState = true
	subs := snapshot(st.stateSubs)
	h.mu.Unlock()

	for _, sub := range subs {
		h.deliver(serverID, TopicState, sub, Event{Type: EventState, State: state})
	}
}

// Subscribe registers a delivery queue on (serverID, topic). The first
// event a logs subscriber receives is the ring snapshot as one backlog
// event; a state subscriber immediately receives the last observed state
// when one exists.
func (h *Hub) Subscribe(serverID string, topic Topic) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		events: make(chan Event, h.queueSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.topicsLocked(serverID)

	switch topic {
	case TopicLogs:
		// Snapshot and registration share the critical section with
		// PublishLog, so every ring line reaches the subscriber exactly
		// once: in this backlog or as a later live event.
		sub.events <- Event{Type: EventBacklog, Logs: st.ring.Snapshot()}
		st.logSubs[sub.ID] = sub
	case TopicState:
		if st.hasState {
			sub.events <- Event{Type: EventState, State: st.lastState}
		}
		st.stateSubs[sub.ID] = sub
	}

	return sub
}

func (h *Hub) Unsubscribe(serverID string, topic Topic, subID string) {
	h.mu.Lock()
	st, ok := h.servers[serverID]
	var sub *Subscription
	if ok {
		switch topic {
		case TopicLogs:
			sub = st.logSubs[subID]
			delete(st.logSubs, subID)
		case TopicState:
			sub = st.stateSubs[subID]
			delete(st.stateSubs, subID)
		}
	}
	h.mu.Unlock()

	if sub != nil {
		sub.drop(ReasonClosed)
	}
}

// Backlog returns the current ring snapshot without subscribing.
func (h *Hub) Backlog(serverID string) []LogLine {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.servers[serverID]
	if !ok {
		return nil
	}

	return st.ring.Snapshot()
}

func (h *Hub) LastState(serverID string) (registry.State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.servers[serverID]
	if !ok || !st.hasState {
		return "", false
	}

	return st.lastState, true
}

// ResetLogs clears the ring at the start of a new supervisor entry so a
// fresh run does not replay the previous run's console.
func (h *Hub) ResetLogs(serverID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.servers[serverID]
	if !ok {
		return
	}
	st.ring = ring.New[LogLine](h.ringSize)
}

// Release drops all subscribers and book-keeping for a deleted server.
func (h *Hub) Release(serverID string) {
	h.mu.Lock()
	st, ok := h.servers[serverID]
	delete(h.servers, serverID)
	h.mu.Unlock()

	if !ok {
		return
	}

	for _, sub := range st.logSubs {
		sub.drop(ReasonClosed)
	}
	for _, sub := range st.stateSubs {
		sub.drop(ReasonClosed)
	}
}

func (h *Hub) deliver(serverID string, topic Topic, sub *Subscription, event Event) {
	select {
	case sub.events <- event:
	default:
		// Queue full. Drop the slow consumer instead of blocking the
		// supervisor's reader.
		h.mu.Lock()
		if st, ok := h.servers[serverID]; ok {
			switch topic {
			case TopicLogs:
				delete(st.logSubs, sub.ID)
			case TopicState:
				delete(st.stateSubs, sub.ID)
			}
		}
		h.mu.Unlock()

		sub.drop(ReasonSlowConsumer)

		h.logger.Warn("dropped slow subscriber",
			zap.String("server_id", serverID),
			zap.String("topic", string(topic)),
			zap.String("subscription_id", sub.ID),
		)
	}
}

func snapshot(subs map[string]*Subscription) []*Subscription {
	out := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub)
	}

	return out
}
