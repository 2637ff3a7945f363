// Package annotation keeps the threaded comments of a collaboration session.
// Comments are only ever appended or patched by broadcast events; there is
// no snapshot. Every apply operation is idempotent so duplicated deliveries
// and the echo of a local optimistic write are harmless.
//
// Local writes stay unconfirmed until their echo arrives: comments carry a
// status, and resolves, reactions, replies and edits wait in an outbox that
// is re-published after every reconnect.
package annotation

import (
	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"collabsync/internal/model"
)

const (
	maxParkedPerComment = 64
	maxParkedTotal      = 1024
)

// Result describes what an apply call did to the store.
type Result struct {
	Comment model.Comment
	// Changed is false for duplicates and other no-ops.
	Changed bool
	// Parked is true when the target comment is unknown and the event was
	// held back until the comment arrives.
	Parked bool
}

// CommentResult is returned by ApplyRemoteComment.
type CommentResult struct {
	Comment   model.Comment
	Added     bool
	Confirmed bool
	// Replayed holds the parked events applied once the comment arrived, in
	// arrival order, each paired with its outcome.
	Replayed []Replayed
}

type Replayed struct {
	Event  any
	Result Result
}

type Store struct {
	newID func() string

	order []string
	byID  map[string]*model.Comment

	parked      map[string][]any
	parkedTotal int

	outbox   map[string]*outgoing
	outOrder []string
}

type outgoing struct {
	kind      model.EventKind
	commentID string
	event     any
	status    model.CommentStatus
}

type Option func(*Store)

// WithIDFunc overrides the generator used for client-side comment ids.
func WithIDFunc(f func() string) Option {
	return func(s *Store) { s.newID = f }
}

func New(opts ...Option) *Store {
	s := &Store{
		newID:  func() string { return ulid.Make().String() },
		byID:   make(map[string]*model.Comment),
		parked: make(map[string][]any),
		outbox: make(map[string]*outgoing),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewID returns a fresh client-generated identifier. It reads no store
// state and may be called from any goroutine.
func (s *Store) NewID() string { return s.newID() }

// InsertLocal inserts a locally built comment as pending. It returns false
// and the stored comment when the id is already known.
func (s *Store) InsertLocal(c model.Comment) (model.Comment, bool) {
	if existing, ok := s.byID[c.ID]; ok {
		return existing.Clone(), false
	}
	stored := c.Clone()
	stored.Status = model.CommentPending
	if stored.UpdatedAt == 0 {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.insert(&stored)
	return stored.Clone(), true
}

// ApplyRemoteComment inserts c unless a comment with the same id already
// exists. The echo of a local pending or stale comment confirms it.
func (s *Store) ApplyRemoteComment(c model.Comment) CommentResult {
	if existing, ok := s.byID[c.ID]; ok {
		res := CommentResult{Comment: existing.Clone()}
		if existing.Status != model.CommentConfirmed {
			existing.Status = model.CommentConfirmed
			res.Comment = existing.Clone()
			res.Confirmed = true
		}
		return res
	}

	stored := c.Clone()
	stored.Status = model.CommentConfirmed
	if stored.UpdatedAt == 0 {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.insert(&stored)

	res := CommentResult{Added: true}
	if events := s.parked[c.ID]; len(events) > 0 {
		delete(s.parked, c.ID)
		s.parkedTotal -= len(events)
		for _, ev := range events {
			res.Replayed = append(res.Replayed, Replayed{Event: ev, Result: s.apply(ev)})
		}
	}
	res.Comment = s.byID[c.ID].Clone()
	return res
}

// Resolve marks comment id resolved by resolverID. Resolving twice with the
// same resolver is a no-op; a different resolver overwrites the resolver
// fields in arrival order.
func (s *Store) Resolve(resolverID, id string, at int64) Result {
	return s.ApplyResolve(model.ResolveEvent{CommentID: id, ResolverID: resolverID, TS: at})
}

// React adds or removes actorID from the reactors of emoji on comment id.
func (s *Store) React(id, emoji, actorID string, add bool, at int64) Result {
	return s.ApplyReaction(model.ReactionEvent{CommentID: id, Emoji: emoji, ActorID: actorID, Add: add, TS: at})
}

func (s *Store) ApplyResolve(ev model.ResolveEvent) Result {
	c, ok := s.byID[ev.CommentID]
	if !ok {
		return s.park(ev.CommentID, ev)
	}
	if c.Resolved && c.ResolvedBy == ev.ResolverID {
		return Result{Comment: c.Clone()}
	}
	c.Resolved = true
	c.ResolvedBy = ev.ResolverID
	c.ResolvedAt = ev.TS
	if ev.TS > c.UpdatedAt {
		c.UpdatedAt = ev.TS
	}
	return Result{Comment: c.Clone(), Changed: true}
}

func (s *Store) ApplyReaction(ev model.ReactionEvent) Result {
	c, ok := s.byID[ev.CommentID]
	if !ok {
		return s.park(ev.CommentID, ev)
	}
	actors := c.Reactions[ev.Emoji]
	_, present := actors[ev.ActorID]
	if ev.Add == present {
		return Result{Comment: c.Clone()}
	}
	if ev.Add {
		if c.Reactions == nil {
			c.Reactions = make(map[string]map[string]struct{})
		}
		if actors == nil {
			actors = make(map[string]struct{})
			c.Reactions[ev.Emoji] = actors
		}
		actors[ev.ActorID] = struct{}{}
	} else {
		delete(actors, ev.ActorID)
		if len(actors) == 0 {
			delete(c.Reactions, ev.Emoji)
		}
	}
	return Result{Comment: c.Clone(), Changed: true}
}

// ApplyEdit replaces the body of a comment. Only the author may edit; the
// last edit to arrive wins and repeating it is a no-op.
func (s *Store) ApplyEdit(ev model.EditEvent) Result {
	c, ok := s.byID[ev.CommentID]
	if !ok {
		return s.park(ev.CommentID, ev)
	}
	if ev.EditorID != c.AuthorID {
		glog.Warningf("[annotation]drop edit of %s by non-author %s\n", c.ID, ev.EditorID)
		return Result{Comment: c.Clone()}
	}
	if c.Body == ev.Body {
		return Result{Comment: c.Clone()}
	}
	c.Body = ev.Body
	c.EditedAt = ev.TS
	if ev.TS > c.UpdatedAt {
		c.UpdatedAt = ev.TS
	}
	return Result{Comment: c.Clone(), Changed: true}
}

// ApplyReply appends a reply to its comment, ignoring replies already seen.
func (s *Store) ApplyReply(ev model.ReplyEvent) Result {
	c, ok := s.byID[ev.CommentID]
	if !ok {
		return s.park(ev.CommentID, ev)
	}
	for _, r := range c.Replies {
		if r.ID == ev.ID {
			return Result{Comment: c.Clone()}
		}
	}
	c.Replies = append(c.Replies, ev.Reply())
	if ev.TS > c.UpdatedAt {
		c.UpdatedAt = ev.TS
	}
	return Result{Comment: c.Clone(), Changed: true}
}

func (s *Store) apply(ev any) Result {
	switch e := ev.(type) {
	case model.ResolveEvent:
		return s.ApplyResolve(e)
	case model.ReactionEvent:
		return s.ApplyReaction(e)
	case model.ReplyEvent:
		return s.ApplyReply(e)
	case model.EditEvent:
		return s.ApplyEdit(e)
	}
	return Result{}
}

func (s *Store) park(commentID string, ev any) Result {
	if s.parkedTotal >= maxParkedTotal {
		glog.Warningf("[annotation]drop event for unknown comment %s: parking full\n", commentID)
		return Result{}
	}
	queue := s.parked[commentID]
	if len(queue) >= maxParkedPerComment {
		glog.Warningf("[annotation]drop oldest parked event for comment %s\n", commentID)
		queue = queue[1:]
		s.parkedTotal--
	}
	s.parked[commentID] = append(queue, ev)
	s.parkedTotal++
	glog.V(2).Infof("[annotation]parked %T for unknown comment %s\n", ev, commentID)
	return Result{Parked: true}
}

// Parked returns the number of events waiting for their comment.
func (s *Store) Parked() int { return s.parkedTotal }

// MarkStale flags every pending local comment and outbox entry as stale
// and returns how many were flagged.
func (s *Store) MarkStale() int {
	n := 0
	for _, id := range s.order {
		if c := s.byID[id]; c.Status == model.CommentPending {
			c.Status = model.CommentStale
			n++
		}
	}
	for _, key := range s.outOrder {
		if o := s.outbox[key]; o.status == model.CommentPending {
			o.status = model.CommentStale
			n++
		}
	}
	return n
}

// outboxKey identifies a local event so that a later write with the same
// identity replaces it: one entry per reply, per resolver, per editor and
// per (emoji, actor) reaction.
func outboxKey(ev any) (key string, kind model.EventKind, commentID string) {
	switch e := ev.(type) {
	case model.ResolveEvent:
		return "resolve|" + e.CommentID + "|" + e.ResolverID, model.KindResolve, e.CommentID
	case model.ReactionEvent:
		return "reaction|" + e.CommentID + "|" + e.Emoji + "|" + e.ActorID, model.KindReaction, e.CommentID
	case model.ReplyEvent:
		return "reply|" + e.ID, model.KindReply, e.CommentID
	case model.EditEvent:
		return "edit|" + e.CommentID + "|" + e.EditorID, model.KindEdit, e.CommentID
	}
	return "", "", ""
}

// Track records a local event in the outbox until Ack sees its echo.
func (s *Store) Track(ev any) {
	key, kind, commentID := outboxKey(ev)
	if key == "" {
		return
	}
	o, ok := s.outbox[key]
	if !ok {
		o = &outgoing{kind: kind, commentID: commentID}
		s.outbox[key] = o
		s.outOrder = append(s.outOrder, key)
	}
	o.event = ev
	o.status = model.CommentPending
}

// Ack clears the outbox entry ev confirms. An echo of an older write that
// was since replaced (a reaction toggled back, an edit rewritten) confirms
// nothing.
func (s *Store) Ack(ev any) bool {
	key, _, _ := outboxKey(ev)
	o, ok := s.outbox[key]
	if !ok {
		return false
	}
	switch e := ev.(type) {
	case model.ReactionEvent:
		if o.event.(model.ReactionEvent).Add != e.Add {
			return false
		}
	case model.EditEvent:
		if o.event.(model.EditEvent).Body != e.Body {
			return false
		}
	}
	delete(s.outbox, key)
	for i, k := range s.outOrder {
		if k == key {
			s.outOrder = append(s.outOrder[:i], s.outOrder[i+1:]...)
			break
		}
	}
	return true
}

// Outbox lists unconfirmed local events in the order they were first made.
func (s *Store) Outbox() []model.OutgoingEvent {
	out := make([]model.OutgoingEvent, 0, len(s.outOrder))
	for _, key := range s.outOrder {
		o := s.outbox[key]
		out = append(out, model.OutgoingEvent{Kind: o.kind, CommentID: o.commentID, Event: o.event, Status: o.status})
	}
	return out
}

// Unconfirmed returns local comments whose echo has not arrived, in receipt
// order.
func (s *Store) Unconfirmed() []model.Comment {
	var out []model.Comment
	for _, id := range s.order {
		if c := s.byID[id]; c.Status != model.CommentConfirmed {
			out = append(out, c.Clone())
		}
	}
	return out
}

func (s *Store) Get(id string) (model.Comment, bool) {
	c, ok := s.byID[id]
	if !ok {
		return model.Comment{}, false
	}
	return c.Clone(), true
}

// List returns every comment in receipt order.
func (s *Store) List() []model.Comment {
	out := make([]model.Comment, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

func (s *Store) Len() int { return len(s.order) }

func (s *Store) insert(c *model.Comment) {
	s.byID[c.ID] = c
	s.order = append(s.order, c.ID)
}
