// Package memory is an in-process transport. A Bus plays the relay; each
// participant gets its own Client. Frames travel through the same hub and
// wire encoding the relay uses, so the session code sees identical traffic.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"

	"collabsync/internal/hub"
	"collabsync/internal/model"
	"collabsync/internal/transport"
	"collabsync/internal/wire"
)

var (
	ErrInjected = errors.New("injected subscribe failure")
	ErrDropped  = errors.New("connection dropped")
)

type Bus struct {
	hub *hub.Hub

	mu             sync.Mutex
	failSubscribes int
	attempts       int
	subs           map[*subscription]struct{}
}

func NewBus() *Bus {
	return &Bus{hub: hub.New(), subs: make(map[*subscription]struct{})}
}

// FailNextSubscribes makes the next n Subscribe calls on any client fail.
func (b *Bus) FailNextSubscribes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSubscribes = n
}

// SubscribeAttempts counts Subscribe calls, failed ones included.
func (b *Bus) SubscribeAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Active returns the number of live subscriptions.
func (b *Bus) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Drop disconnects every subscription of sessionID as a network failure
// would: remaining members see the participants leave and each dropped
// subscriber is told its connection went down.
func (b *Bus) Drop(sessionID string) {
	b.mu.Lock()
	var dropped []*subscription
	for s := range b.subs {
		if s.sessionID == sessionID {
			dropped = append(dropped, s)
			delete(b.subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range dropped {
		b.detach(s)
		if s.handlers.OnConnectionChange != nil {
			s.handlers.OnConnectionChange(false, ErrDropped)
		}
	}
}

func (b *Bus) detach(s *subscription) {
	if b.hub.Leave(s.conn) {
		b.broadcastLeave(s.sessionID, s.conn.ParticipantID)
	}
}

func (b *Bus) broadcastLeave(sessionID, participantID string) {
	env, err := model.NewEnvelope(model.KindLeave, sessionID, participantID, model.LeaveEvent{ID: participantID})
	if err != nil {
		return
	}
	b.broadcast(env)
}

func (b *Bus) broadcast(env model.Envelope) {
	env.Seq = b.hub.NextSeq(env.SessionID)
	frame, err := wire.EventFrame(wire.EventBroadcast, env)
	if err != nil {
		glog.Warningf("[memory]encode %s: %s\n", env.Kind, err)
		return
	}
	for _, id := range b.hub.Broadcast(env.SessionID, frame) {
		b.broadcastLeave(env.SessionID, id)
	}
}

// Client returns a transport adapter acting as participantID.
func (b *Bus) Client(participantID string) *Client {
	return &Client{bus: b, participantID: participantID, subs: make(map[string]*subscription)}
}

type Client struct {
	bus           *Bus
	participantID string

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	sessionID string
	conn      *hub.Connection
	handlers  transport.Handlers
}

func (s *subscription) SessionID() string { return s.sessionID }

type frameWriter struct {
	handlers transport.Handlers
}

func (w *frameWriter) Write(message []byte) error {
	if err := transport.Dispatch(message, w.handlers); err != nil {
		glog.Warningf("[memory]discard frame: %s\n", err)
	}
	return nil
}

func (w *frameWriter) Close() error { return nil }

func (c *Client) Subscribe(ctx context.Context, sessionID string, h transport.Handlers) (transport.Subscription, error) {
	c.bus.mu.Lock()
	c.bus.attempts++
	if c.bus.failSubscribes > 0 {
		c.bus.failSubscribes--
		c.bus.mu.Unlock()
		return nil, ErrInjected
	}
	c.bus.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &subscription{
		sessionID: sessionID,
		handlers:  h,
		conn: &hub.Connection{
			SessionID:     sessionID,
			ParticipantID: c.participantID,
			Writer:        &frameWriter{handlers: h},
		},
	}
	snapshot := c.bus.hub.Join(s.conn)

	c.mu.Lock()
	if old := c.subs[sessionID]; old != nil {
		c.bus.forget(old)
		c.bus.detach(old)
	}
	c.subs[sessionID] = s
	c.mu.Unlock()

	c.bus.mu.Lock()
	c.bus.subs[s] = struct{}{}
	c.bus.mu.Unlock()

	if h.OnSnapshot != nil {
		h.OnSnapshot(snapshot)
	}
	return s, nil
}

func (b *Bus) forget(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

func (c *Client) live(sessionID string) (*subscription, error) {
	c.mu.Lock()
	s := c.subs[sessionID]
	c.mu.Unlock()
	if s == nil {
		return nil, transport.ErrNotConnected
	}
	c.bus.mu.Lock()
	_, ok := c.bus.subs[s]
	c.bus.mu.Unlock()
	if !ok {
		return nil, transport.ErrNotConnected
	}
	return s, nil
}

func (c *Client) Publish(sessionID string, kind model.EventKind, payload any) error {
	if _, err := c.live(sessionID); err != nil {
		return err
	}
	env, err := model.NewEnvelope(kind, sessionID, c.participantID, payload)
	if err != nil {
		return err
	}
	c.bus.broadcast(env)
	return nil
}

func (c *Client) TrackPresence(sessionID string, p model.Participant) error {
	if _, err := c.live(sessionID); err != nil {
		return err
	}
	p.ID = c.participantID
	c.bus.hub.Track(sessionID, p)
	env, err := model.NewEnvelope(model.KindPresence, sessionID, c.participantID, model.PresenceEvent{Participant: p})
	if err != nil {
		return err
	}
	c.bus.broadcast(env)
	return nil
}

func (c *Client) Unsubscribe(sub transport.Subscription) error {
	s, ok := sub.(*subscription)
	if !ok {
		return errors.New("memory: foreign subscription")
	}
	c.mu.Lock()
	if c.subs[s.sessionID] == s {
		delete(c.subs, s.sessionID)
	}
	c.mu.Unlock()

	c.bus.mu.Lock()
	_, live := c.bus.subs[s]
	delete(c.bus.subs, s)
	c.bus.mu.Unlock()
	if live {
		c.bus.detach(s)
	}
	return nil
}
