// Package session is the public face of the collaboration core. A Session
// joins one collaboration room through a transport, keeps the presence table
// and the annotation store reconciled with the other participants, and
// reports every change to an Observer.
//
// All state is owned by a single goroutine per session. Public methods post
// work to its mailbox and return without waiting; transport and timer
// callbacks do the same. Accessors read snapshots the goroutine publishes
// after each change.
package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"collabsync/internal/annotation"
	"collabsync/internal/clock"
	"collabsync/internal/model"
	"collabsync/internal/presence"
	"collabsync/internal/supervisor"
	"collabsync/internal/throttle"
	"collabsync/internal/transport"
)

var (
	ErrClosed           = errors.New("session closed")
	ErrNotConnected     = transport.ErrNotConnected
	ErrRetriesExhausted = supervisor.ErrRetriesExhausted
	ErrInvalidSelection = errors.New("selection end before start")
	ErrEmptyEmoji       = errors.New("empty emoji")
	ErrInvalidView      = errors.New("negative page")
)

// DefaultPresenceTTL is three missed heartbeats.
const DefaultPresenceTTL = 3 * supervisor.DefaultHeartbeat

type Identity struct {
	ID        string
	Name      string
	Email     string
	AvatarURL string
}

type Config struct {
	SessionID string
	Local     Identity
	// Windows sets the throttle window per event kind. Kinds without a
	// window are published immediately.
	Windows    map[model.EventKind]time.Duration
	Supervisor supervisor.Config
	// PresenceTTL evicts remote participants that have been silent for
	// longer. Zero disables eviction.
	PresenceTTL time.Duration
}

func DefaultConfig(sessionID string, local Identity) Config {
	return Config{
		SessionID:   sessionID,
		Local:       local,
		Windows:     throttle.DefaultWindows(),
		Supervisor:  supervisor.DefaultConfig(),
		PresenceTTL: DefaultPresenceTTL,
	}
}

type options struct {
	clock clock.Clock
	newID func() string
	seed  int64
}

type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDFunc overrides the generator of comment and reply ids.
func WithIDFunc(f func() string) Option {
	return func(o *options) { o.newID = f }
}

// WithSeed fixes the seed of the color picker and the backoff jitter.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

type Session struct {
	cfg       Config
	transport transport.Adapter
	observer  Observer
	clock     clock.Clock

	queue     *mailbox
	done      chan struct{}
	attempts  sync.WaitGroup
	closeOnce sync.Once
	closing   atomic.Bool
	closeErr  error

	participants atomic.Pointer[[]model.Participant]
	comments     atomic.Pointer[[]model.Comment]
	outbox       atomic.Pointer[[]model.OutgoingEvent]
	state        atomic.Pointer[model.ConnectionState]

	// Owned by the session goroutine.
	table  *presence.Table
	store  *annotation.Store
	gate   *throttle.Gate
	sup    *supervisor.Supervisor
	sub    transport.Subscription
	cancel context.CancelFunc
	lost   error
	gen    uint64
	opened bool
	closed bool
}

// New builds a session for cfg over t. The session does not connect until
// Open is called, and Close must be called to release it.
func New(cfg Config, t transport.Adapter, obs Observer, opts ...Option) *Session {
	o := options{
		clock: clock.Real(),
		seed:  time.Now().UnixNano(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if obs == nil {
		obs = NopObserver{}
	}
	var storeOpts []annotation.Option
	if o.newID != nil {
		storeOpts = append(storeOpts, annotation.WithIDFunc(o.newID))
	}

	s := &Session{
		cfg:       cfg,
		transport: t,
		observer:  obs,
		clock:     o.clock,
		queue:     newMailbox(),
		done:      make(chan struct{}),
		table:     presence.NewTable(cfg.Local.ID, o.seed),
		store:     annotation.New(storeOpts...),
	}
	s.gate = throttle.New(o.clock, cfg.Windows, func(kind model.EventKind, payload any) {
		s.queue.Enqueue(func() {
			if !s.closed {
				s.publish(kind, payload)
			}
		})
	})
	s.sup = supervisor.New(cfg.Supervisor, o.clock, func(f func()) { s.queue.Enqueue(f) }, supervisor.Hooks{
		Connect:     s.connect,
		Heartbeat:   s.heartbeat,
		StateChange: s.stateChanged,
		Exhausted: func(err error) {
			s.notify(func(o Observer) { o.OnError(err) })
		},
	}, supervisor.WithRand(rand.New(rand.NewSource(o.seed))))

	local := model.Participant{
		ID:         cfg.Local.ID,
		Name:       cfg.Local.Name,
		Email:      cfg.Local.Email,
		AvatarURL:  cfg.Local.AvatarURL,
		Online:     true,
		LastActive: s.now(),
	}
	s.table.ApplyDelta(local.ID, presence.DeltaFrom(local))
	s.refreshParticipants()
	s.refreshComments()
	initial := model.StateDisconnected
	s.state.Store(&initial)

	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.done)
	for {
		if f, ok := s.queue.TryDequeue(); ok {
			f()
			continue
		}
		if s.queue.Closed() {
			return
		}
		<-s.queue.Wait()
	}
}

// do posts f unless the session is closing.
func (s *Session) do(f func()) error {
	if s.closing.Load() {
		return ErrClosed
	}
	ok := s.queue.Enqueue(func() {
		if !s.closed {
			f()
		}
	})
	if !ok {
		return ErrClosed
	}
	return nil
}

// Open starts connecting. Progress is reported through
// OnConnectionStateChange. Opening twice is a no-op.
func (s *Session) Open() error {
	return s.do(func() {
		if s.opened {
			return
		}
		s.opened = true
		glog.Infof("[session]%s: open as %s\n", s.cfg.SessionID, s.cfg.Local.ID)
		s.sup.Start()
	})
}

// Close stops every timer, releases the transport subscription and waits
// for the session goroutine and any in-flight connect attempt. It is
// idempotent. A closed session cannot be reopened.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.queue.Enqueue(s.shutdown)
		<-s.done
		s.attempts.Wait()
	})
	return s.closeErr
}

func (s *Session) shutdown() {
	s.gate.Stop()
	s.sup.Stop()
	s.closed = true
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.sub != nil {
		s.closeErr = s.unsubscribe(s.sub)
		s.sub = nil
	}
	glog.Infof("[session]%s: closed\n", s.cfg.SessionID)
	s.queue.Close()
}

func (s *Session) MoveCursor(x, y float64) error {
	return s.do(func() {
		ts := s.now()
		cur := model.Cursor{X: x, Y: y, TS: ts}
		s.table.ApplyDelta(s.cfg.Local.ID, presence.Delta{Cursor: &cur, LastActive: &ts})
		s.refreshParticipants()
		s.gate.Submit(model.KindCursor, model.CursorEvent{X: x, Y: y, TS: ts})
	})
}

func (s *Session) UpdateSelection(start, end int, blockID string) error {
	if end < start {
		return ErrInvalidSelection
	}
	return s.do(func() {
		ts := s.now()
		sel := model.Selection{Start: start, End: end, BlockID: blockID, TS: ts}
		s.table.ApplyDelta(s.cfg.Local.ID, presence.Delta{Selection: &sel, LastActive: &ts})
		s.refreshParticipants()
		s.gate.Submit(model.KindSelection, model.SelectionEvent{Start: start, End: end, BlockID: blockID, TS: ts})
	})
}

// UpdateView shares the block, page and scroll position the local
// participant is looking at. Like cursor moves, bursts are throttled.
func (s *Session) UpdateView(blockID string, page int, position float64) error {
	if page < 0 {
		return ErrInvalidView
	}
	return s.do(func() {
		ts := s.now()
		v := model.View{BlockID: blockID, Page: page, Position: position, TS: ts}
		s.table.ApplyDelta(s.cfg.Local.ID, presence.Delta{View: &v, LastActive: &ts})
		s.refreshParticipants()
		s.gate.Submit(model.KindView, model.ViewEvent{BlockID: blockID, Page: page, Position: position, TS: ts})
	})
}

// AddComment returns the new comment at once. It shows up in Comments as
// pending until the transport echoes it back.
func (s *Session) AddComment(anchor, body string) (model.Comment, error) {
	if s.closing.Load() {
		return model.Comment{}, ErrClosed
	}
	now := s.now()
	c := model.Comment{
		ID:        s.store.NewID(),
		AuthorID:  s.cfg.Local.ID,
		Anchor:    anchor,
		Body:      body,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    model.CommentPending,
	}
	err := s.do(func() {
		stored, ok := s.store.InsertLocal(c)
		if !ok {
			return
		}
		s.refreshComments()
		s.notify(func(o Observer) { o.OnCommentAdded(stored) })
		s.publish(model.KindComment, commentEvent(stored))
	})
	if err != nil {
		return model.Comment{}, err
	}
	return c, nil
}

func (s *Session) ResolveComment(id string) error {
	return s.do(func() {
		if !s.known(id) {
			return
		}
		res := s.store.Resolve(s.cfg.Local.ID, id, s.now())
		if !res.Changed {
			return
		}
		ev := model.ResolveEvent{
			CommentID:  id,
			ResolverID: s.cfg.Local.ID,
			TS:         res.Comment.ResolvedAt,
		}
		s.store.Track(ev)
		s.refreshComments()
		s.notify(func(o Observer) { o.OnCommentResolved(res.Comment) })
		s.publish(model.KindResolve, ev)
	})
}

// React adds (add=true) or withdraws the local participant's emoji on a
// comment.
func (s *Session) React(id, emoji string, add bool) error {
	if emoji == "" {
		return ErrEmptyEmoji
	}
	return s.do(func() {
		if !s.known(id) {
			return
		}
		ts := s.now()
		res := s.store.React(id, emoji, s.cfg.Local.ID, add, ts)
		if !res.Changed {
			return
		}
		ev := model.ReactionEvent{
			CommentID: id,
			Emoji:     emoji,
			ActorID:   s.cfg.Local.ID,
			Add:       add,
			TS:        ts,
		}
		s.store.Track(ev)
		s.refreshComments()
		s.notify(func(o Observer) { o.OnReaction(id, emoji, s.cfg.Local.ID, add) })
		s.publish(model.KindReaction, ev)
	})
}

// EditComment replaces the body of a comment the local participant wrote.
// Edits to someone else's comment are ignored.
func (s *Session) EditComment(id, body string) error {
	return s.do(func() {
		if !s.known(id) {
			return
		}
		ev := model.EditEvent{CommentID: id, EditorID: s.cfg.Local.ID, Body: body, TS: s.now()}
		res := s.store.ApplyEdit(ev)
		if !res.Changed {
			return
		}
		s.store.Track(ev)
		s.refreshComments()
		s.notify(func(o Observer) { o.OnCommentUpdated(res.Comment) })
		s.publish(model.KindEdit, ev)
	})
}

func (s *Session) Reply(commentID, body string) (model.Reply, error) {
	if s.closing.Load() {
		return model.Reply{}, ErrClosed
	}
	ev := model.ReplyEvent{
		ID:        s.store.NewID(),
		CommentID: commentID,
		AuthorID:  s.cfg.Local.ID,
		Body:      body,
		TS:        s.now(),
	}
	err := s.do(func() {
		if !s.known(commentID) {
			return
		}
		res := s.store.ApplyReply(ev)
		if !res.Changed {
			return
		}
		s.store.Track(ev)
		s.refreshComments()
		s.notify(func(o Observer) { o.OnReplyAdded(commentID, ev.Reply()) })
		s.publish(model.KindReply, ev)
	})
	if err != nil {
		return model.Reply{}, err
	}
	return ev.Reply(), nil
}

// Reconnect re-arms a session whose connection state is failed. In any
// other state it does nothing.
func (s *Session) Reconnect() error {
	return s.do(func() {
		if s.opened {
			s.sup.Reconnect()
		}
	})
}

// Participants returns everyone in the session, the local participant
// included, in table order.
func (s *Session) Participants() []model.Participant {
	list := *s.participants.Load()
	out := make([]model.Participant, len(list))
	for i, p := range list {
		out[i] = p.Clone()
	}
	return out
}

// Comments returns every comment in receipt order.
func (s *Session) Comments() []model.Comment {
	list := *s.comments.Load()
	out := make([]model.Comment, len(list))
	for i, c := range list {
		out[i] = c.Clone()
	}
	return out
}

// Outbox returns the local resolves, reactions, replies and edits whose echo
// has not arrived yet, oldest first.
func (s *Session) Outbox() []model.OutgoingEvent {
	return append([]model.OutgoingEvent(nil), *s.outbox.Load()...)
}

func (s *Session) ConnectionState() model.ConnectionState {
	return *s.state.Load()
}

func (s *Session) connect() {
	s.release()
	s.gen++
	s.lost = nil
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	h := s.handlers(gen)

	s.attempts.Add(1)
	go func() {
		defer s.attempts.Done()
		sub, err := s.transport.Subscribe(ctx, s.cfg.SessionID, h)
		posted := s.queue.Enqueue(func() { s.attemptDone(gen, sub, err) })
		if !posted && sub != nil {
			s.unsubscribe(sub)
		}
	}()
}

func (s *Session) attemptDone(gen uint64, sub transport.Subscription, err error) {
	if s.closed || gen != s.gen {
		if sub != nil {
			s.unsubscribe(sub)
		}
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if err == nil && s.lost != nil {
		s.unsubscribe(sub)
		err = s.lost
	}
	if err != nil {
		glog.Warningf("[session]%s: subscribe: %s\n", s.cfg.SessionID, err)
		s.sup.ConnectFailed(err)
		return
	}
	s.sub = sub
	s.sup.Connected()
}

func (s *Session) live(gen uint64) bool {
	return !s.closed && gen == s.gen
}

func (s *Session) handlers(gen uint64) transport.Handlers {
	return transport.Handlers{
		OnSnapshot: func(list []model.Participant) {
			s.queue.Enqueue(func() {
				if s.live(gen) {
					s.applySnapshot(list)
				}
			})
		},
		OnEvent: func(env model.Envelope) {
			s.queue.Enqueue(func() {
				if s.live(gen) {
					s.applyEnvelope(env)
				}
			})
		},
		OnConnectionChange: func(up bool, err error) {
			if up {
				return
			}
			s.queue.Enqueue(func() {
				if !s.live(gen) {
					return
				}
				if s.sub == nil {
					// still waiting for Subscribe to return
					s.lost = err
					return
				}
				s.sup.Dropped(err)
			})
		},
	}
}

func (s *Session) release() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.sub != nil {
		s.unsubscribe(s.sub)
		s.sub = nil
	}
}

func (s *Session) unsubscribe(sub transport.Subscription) error {
	if err := s.transport.Unsubscribe(sub); err != nil {
		glog.Warningf("[session]%s: unsubscribe: %s\n", s.cfg.SessionID, err)
		return err
	}
	return nil
}

func (s *Session) stateChanged(prev, next model.ConnectionState) {
	s.state.Store(&next)
	glog.Infof("[session]%s: %s -> %s\n", s.cfg.SessionID, prev, next)

	if next == model.StateFailed {
		if n := s.store.MarkStale(); n > 0 {
			glog.Warningf("[session]%s: %d local writes left unconfirmed\n", s.cfg.SessionID, n)
			s.refreshComments()
		}
	}
	s.notify(func(o Observer) { o.OnConnectionStateChange(next) })

	if next == model.StateConnected {
		s.announce()
		for _, c := range s.store.Unconfirmed() {
			s.publish(model.KindComment, commentEvent(c))
		}
		for _, out := range s.store.Outbox() {
			s.publish(out.Kind, out.Event)
		}
	}
}

func (s *Session) heartbeat() {
	s.announce()
	evicted := s.table.Sweep(s.clock.Now(), s.cfg.PresenceTTL)
	if len(evicted) == 0 {
		return
	}
	s.refreshParticipants()
	for _, id := range evicted {
		glog.V(1).Infof("[session]%s: evicted idle participant %s\n", s.cfg.SessionID, id)
		id := id
		s.notify(func(o Observer) { o.OnParticipantLeave(id) })
	}
}

// announce refreshes the local presence entry and tracks it.
func (s *Session) announce() {
	now := s.now()
	online := true
	p, _ := s.table.ApplyDelta(s.cfg.Local.ID, presence.Delta{Online: &online, LastActive: &now})
	s.refreshParticipants()
	if s.sub == nil {
		return
	}
	if err := s.transport.TrackPresence(s.cfg.SessionID, p); err != nil {
		s.transportError("track presence", err)
	}
}

func (s *Session) publish(kind model.EventKind, payload any) {
	if s.sub == nil {
		glog.V(2).Infof("[session]%s: not connected, %s not sent\n", s.cfg.SessionID, kind)
		return
	}
	if err := s.transport.Publish(s.cfg.SessionID, kind, payload); err != nil {
		s.transportError("publish "+string(kind), err)
	}
}

// transportError logs err. A transport that lost its connection is treated
// as a drop, handled on a later turn of the mailbox.
func (s *Session) transportError(op string, err error) {
	glog.Warningf("[session]%s: %s: %s\n", s.cfg.SessionID, op, err)
	if !errors.Is(err, transport.ErrNotConnected) {
		return
	}
	gen := s.gen
	s.queue.Enqueue(func() {
		if s.live(gen) {
			s.sup.Dropped(err)
		}
	})
}

func (s *Session) applySnapshot(list []model.Participant) {
	changes := s.table.ApplySnapshot(list)
	s.refreshParticipants()
	for _, id := range changes.Left {
		if id == s.cfg.Local.ID {
			continue
		}
		id := id
		s.notify(func(o Observer) { o.OnParticipantLeave(id) })
	}
	for _, id := range changes.Joined {
		if id == s.cfg.Local.ID {
			continue
		}
		if p, ok := s.table.Get(id); ok {
			s.notify(func(o Observer) { o.OnParticipantJoin(p) })
		}
	}
}

func (s *Session) applyEnvelope(env model.Envelope) {
	if env.SenderID == "" {
		glog.Warningf("[session]%s: discard %s event without sender\n", s.cfg.SessionID, env.Kind)
		return
	}
	if env.SessionID != "" && env.SessionID != s.cfg.SessionID {
		glog.Warningf("[session]%s: discard event for session %s\n", s.cfg.SessionID, env.SessionID)
		return
	}
	v, err := env.CheckSender()
	if err != nil {
		glog.Warningf("[session]%s: discard event from %s: %s\n", s.cfg.SessionID, env.SenderID, err)
		return
	}
	glog.V(2).Infof("[session]%s: %s from %s seq=%d\n", s.cfg.SessionID, env.Kind, env.SenderID, env.Seq)

	self := env.SenderID == s.cfg.Local.ID
	switch e := v.(type) {
	case model.CursorEvent:
		if self {
			return
		}
		cur := model.Cursor{X: e.X, Y: e.Y, TS: e.TS}
		s.applyPresence(env.SenderID, presence.Delta{Cursor: &cur})
	case model.SelectionEvent:
		if self {
			return
		}
		sel := model.Selection{Start: e.Start, End: e.End, BlockID: e.BlockID, TS: e.TS}
		s.applyPresence(env.SenderID, presence.Delta{Selection: &sel})
	case model.ViewEvent:
		if self {
			return
		}
		view := model.View{BlockID: e.BlockID, Page: e.Page, Position: e.Position, TS: e.TS}
		s.applyPresence(env.SenderID, presence.Delta{View: &view})
	case model.PresenceEvent:
		if self {
			return
		}
		s.applyPresence(env.SenderID, presence.DeltaFrom(e.Participant))
	case model.LeaveEvent:
		if e.ID == s.cfg.Local.ID {
			return
		}
		if s.table.Remove(e.ID) {
			s.refreshParticipants()
			s.notify(func(o Observer) { o.OnParticipantLeave(e.ID) })
		}
	case model.CommentEvent:
		res := s.store.ApplyRemoteComment(e.Comment())
		if res.Added || res.Confirmed {
			s.refreshComments()
		}
		if res.Added {
			s.notify(func(o Observer) { o.OnCommentAdded(res.Comment) })
		}
		for _, r := range res.Replayed {
			s.applied(r.Event, r.Result)
		}
	case model.ResolveEvent:
		s.applied(e, s.store.ApplyResolve(e))
	case model.ReactionEvent:
		s.applied(e, s.store.ApplyReaction(e))
	case model.ReplyEvent:
		s.applied(e, s.store.ApplyReply(e))
	case model.EditEvent:
		s.applied(e, s.store.ApplyEdit(e))
	}
	if self && s.store.Ack(v) {
		s.refreshComments()
	}
}

// applyPresence merges d into a remote participant, stamping the local
// receive time as its last activity.
func (s *Session) applyPresence(id string, d presence.Delta) {
	now := s.now()
	d.LastActive = &now
	p, change := s.table.ApplyDelta(id, d)
	s.refreshParticipants()
	if change.Joined {
		s.notify(func(o Observer) { o.OnParticipantJoin(p) })
	}
	if change.CursorMoved {
		s.notify(func(o Observer) { o.OnCursorMove(p) })
	}
	if change.SelectionChanged {
		s.notify(func(o Observer) { o.OnSelectionChange(p) })
	}
	if change.ViewChanged {
		s.notify(func(o Observer) { o.OnViewChange(p) })
	}
}

func (s *Session) applied(ev any, res annotation.Result) {
	if !res.Changed {
		return
	}
	s.refreshComments()
	switch e := ev.(type) {
	case model.ResolveEvent:
		s.notify(func(o Observer) { o.OnCommentResolved(res.Comment) })
	case model.ReactionEvent:
		s.notify(func(o Observer) { o.OnReaction(e.CommentID, e.Emoji, e.ActorID, e.Add) })
	case model.ReplyEvent:
		s.notify(func(o Observer) { o.OnReplyAdded(e.CommentID, e.Reply()) })
	case model.EditEvent:
		s.notify(func(o Observer) { o.OnCommentUpdated(res.Comment) })
	}
}

func (s *Session) known(id string) bool {
	if _, ok := s.store.Get(id); ok {
		return true
	}
	glog.Warningf("[session]%s: unknown comment %s\n", s.cfg.SessionID, id)
	return false
}

// notify runs one observer callback. A panicking observer is logged and
// does not take the session down.
func (s *Session) notify(f func(Observer)) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[session]%s: observer panic: %v\n", s.cfg.SessionID, r)
		}
	}()
	f(s.observer)
}

func (s *Session) refreshParticipants() {
	list := s.table.List()
	s.participants.Store(&list)
}

func (s *Session) refreshComments() {
	list := s.store.List()
	s.comments.Store(&list)
	out := s.store.Outbox()
	s.outbox.Store(&out)
}

func (s *Session) now() int64 {
	return s.clock.Now().UnixMilli()
}

func commentEvent(c model.Comment) model.CommentEvent {
	return model.CommentEvent{
		ID:       c.ID,
		AuthorID: c.AuthorID,
		Anchor:   c.Anchor,
		Body:     c.Body,
		TS:       c.CreatedAt,
	}
}
