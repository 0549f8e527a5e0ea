// Package progress streams provisioning session events to subscribers.
// Sessions are short-lived: once a terminal event is published the session
// is torn down, but its outcome stays queryable for a grace window so a
// client that reconnects right after completion still learns the result.
package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/craftplane/craftplane/internal/apierr"
)

const (
	// Queue depth per subscriber; a consumer this far behind is dropped.
	queueSize = 256

	// How long a finished session's outcome remains subscribable.
	terminalRetention = time.Minute
)

type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

type Event struct {
	Type    EventType `json:"type"`
	Step    string    `json:"step,omitempty"`
	Percent int       `json:"percent"`
	Message string    `json:"message,omitempty"`
	Current int       `json:"current,omitempty"`
	Total   int       `json:"total,omitempty"`

	// ServerID is set on completion events so the client can navigate to
	// the provisioned server.
	ServerID string `json:"server_id,omitempty"`

	// Kind names the failure class on error events.
	Kind apierr.Kind `json:"kind,omitempty"`
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

type session struct {
	mu   sync.Mutex
	subs map[string]*Subscription
	last *Event
}

type Channel struct {
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session

	terminal *ttlcache.Cache[string, Event]
}

func New(logger *zap.Logger) *Channel {
	terminal := ttlcache.New(
		ttlcache.WithTTL[string, Event](terminalRetention),
		ttlcache.WithDisableTouchOnHit[string, Event](),
	)
	go terminal.Start()

	return &Channel{
		logger:   logger,
		sessions: make(map[string]*session),
		terminal: terminal,
	}
}

// Open registers a new live session.
func (c *Channel) Open(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sessions[sessionID]; !ok {
		c.sessions[sessionID] = &session{subs: make(map[string]*Subscription)}
	}
}

// Publish fans a progress event out to the session's subscribers. Events
// for unknown sessions are dropped: the session may have finished between
// the producer's last check and this call.
func (c *Channel) Publish(sessionID string, event Event) {
	if event.Type == "" {
		event.Type = EventProgress
	}

	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("progress event for unknown session dropped",
			zap.String("session_id", sessionID))

		return
	}

	sess.mu.Lock()
	sess.last = &event
	subs := make([]*Subscription, 0, len(sess.subs))
	for _, sub := range sess.subs {
		subs = append(subs, sub)
	}
	sess.mu.Unlock()

	for _, sub := range subs {
		c.deliver(sess, sub, event)
	}
}

// Complete publishes the terminal success event and tears the session down.
func (c *Channel) Complete(sessionID, serverID string) {
	c.finish(sessionID, Event{
		Type:     EventComplete,
		Percent:  100,
		ServerID: serverID,
	})
}

// Fail publishes the terminal failure event and tears the session down.
func (c *Channel) Fail(sessionID string, err error) {
	pub := apierr.Public(err)
	c.finish(sessionID, Event{
		Type:    EventError,
		Kind:    pub.Kind,
		Message: pub.Message,
	})
}

func (c *Channel) finish(sessionID string, event Event) {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()

	c.terminal.Set(sessionID, event, ttlcache.DefaultTTL)

	if !ok {
		return
	}

	sess.mu.Lock()
	subs := make([]*Subscription, 0, len(sess.subs))
	for _, sub := range sess.subs {
		subs = append(subs, sub)
	}
	sess.subs = make(map[string]*Subscription)
	sess.mu.Unlock()

	for _, sub := range subs {
		c.deliver(sess, sub, event)
		sub.drop(ReasonClosed)
	}
}

// Subscribe attaches to a session. Live sessions replay their most recent
// event so a late subscriber sees the current position immediately;
// recently finished sessions yield a single terminal event on an already
// closed subscription.
func (c *Channel) Subscribe(sessionID string) (*Subscription, error) {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	c.mu.Unlock()

	if ok {
		sub := &Subscription{
			ID:     uuid.NewString(),
			events: make(chan Event, queueSize),
			done:   make(chan struct{}),
		}

		sess.mu.Lock()
		sess.subs[sub.ID] = sub
		if sess.last != nil {
			sub.events <- *sess.last
		}
		sess.mu.Unlock()

		return sub, nil
	}

	if item := c.terminal.Get(sessionID); item != nil {
		sub := &Subscription{
			ID:     uuid.NewString(),
			events: make(chan Event, 1),
			done:   make(chan struct{}),
		}
		sub.events <- item.Value()
		sub.drop(ReasonClosed)

		return sub, nil
	}

	return nil, apierr.New(apierr.UnknownSession, "provisioning session %s does not exist", sessionID)
}

// Unsubscribe detaches one subscriber from a live session.
func (c *Channel) Unsubscribe(sessionID, subID string) {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	sub, ok := sess.subs[subID]
	delete(sess.subs, subID)
	sess.mu.Unlock()

	if ok {
		sub.drop(ReasonClosed)
	}
}

func (c *Channel) deliver(sess *session, sub *Subscription, event Event) {
	select {
	case sub.events <- event:
	default:
		sess.mu.Lock()
		delete(sess.subs, sub.ID)
		sess.mu.Unlock()

		sub.drop(ReasonSlowConsumer)

		c.logger.Warn("dropping slow progress subscriber", zap.String("subscription_id", sub.ID))
	}
}

func (c *Channel) Close() {
	c.terminal.Stop()
}
