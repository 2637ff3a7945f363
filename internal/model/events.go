package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownKind  = errors.New("unknown event kind")
	ErrForeignActor = errors.New("event identity does not match sender")
)

type CursorEvent struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	TS int64   `json:"ts"`
}

type SelectionEvent struct {
	Start   int    `json:"start"`
	End     int    `json:"end"`
	BlockID string `json:"blockId"`
	TS      int64  `json:"ts"`
}

type CommentEvent struct {
	ID       string `json:"id"`
	AuthorID string `json:"authorId"`
	Anchor   string `json:"anchor"`
	Body     string `json:"body"`
	TS       int64  `json:"ts"`
}

type ResolveEvent struct {
	CommentID  string `json:"commentId"`
	ResolverID string `json:"resolverId"`
	TS         int64  `json:"ts"`
}

type ReactionEvent struct {
	CommentID string `json:"commentId"`
	Emoji     string `json:"emoji"`
	ActorID   string `json:"actorId"`
	Add       bool   `json:"add"`
	TS        int64  `json:"ts"`
}

type ReplyEvent struct {
	ID        string `json:"id"`
	CommentID string `json:"commentId"`
	AuthorID  string `json:"authorId"`
	Body      string `json:"body"`
	TS        int64  `json:"ts"`
}

type EditEvent struct {
	CommentID string `json:"commentId"`
	EditorID  string `json:"editorId"`
	Body      string `json:"body"`
	TS        int64  `json:"ts"`
}

type ViewEvent struct {
	BlockID  string  `json:"blockId"`
	Page     int     `json:"page"`
	Position float64 `json:"position"`
	TS       int64   `json:"ts"`
}

type PresenceEvent struct {
	Participant Participant `json:"participant"`
}

type LeaveEvent struct {
	ID string `json:"id"`
}

func (e CommentEvent) Comment() Comment {
	return Comment{
		ID:        e.ID,
		AuthorID:  e.AuthorID,
		Anchor:    e.Anchor,
		Body:      e.Body,
		CreatedAt: e.TS,
		UpdatedAt: e.TS,
	}
}

func (e ReplyEvent) Reply() Reply {
	return Reply{ID: e.ID, AuthorID: e.AuthorID, Body: e.Body, CreatedAt: e.TS}
}

// NewEnvelope encodes payload into an envelope of the given kind.
func NewEnvelope(kind EventKind, sessionID, senderID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Envelope{Kind: kind, SessionID: sessionID, SenderID: senderID, Payload: raw}, nil
}

// Decode parses the envelope payload into the struct matching its kind and
// validates the fields every consumer relies on.
func (e Envelope) Decode() (any, error) {
	var (
		v   any
		err error
	)
	switch e.Kind {
	case KindCursor:
		var p CursorEvent
		err = json.Unmarshal(e.Payload, &p)
		v = p
	case KindSelection:
		var p SelectionEvent
		err = json.Unmarshal(e.Payload, &p)
		if err == nil && p.End < p.Start {
			err = errors.New("selection end before start")
		}
		v = p
	case KindComment:
		var p CommentEvent
		err = json.Unmarshal(e.Payload, &p)
		if err == nil && (p.ID == "" || p.AuthorID == "") {
			err = errors.New("comment missing id or author")
		}
		v = p
	case KindResolve:
		var p ResolveEvent
		err = json.Unmarshal(e.Payload, &p)
		if err == nil && (p.CommentID == "" || p.ResolverID == "") {
			err = errors.New("resolve missing comment or resolver")
		}
		v = p
	case KindReaction:
		var p ReactionEvent
		err = json.Unmarshal(e.Payload, &p)
		if err == nil && (p.CommentID == "" || p.Emoji == "" || p.ActorID == "") {
			err = errors.New("reaction missing comment, emoji or actor")
		}
		v = p
	case KindReply:
		var p ReplyEvent
		err = json.Unmarshal(e.Payload, &p)
		if err == nil && (p.ID == "" || p.CommentID == "" || p.AuthorID == "") {
			err = errors.New("reply missing id, comment or author")
		}
		v = p
	case KindEdit:
		var p EditEvent
		err = json.Unmarshal(e.Payload, &p)
		if err == nil && (p.CommentID == "" || p.EditorID == "") {
			err = errors.New("edit missing comment or editor")
		}
		v = p
	case KindView:
		var p ViewEvent
		err = json.Unmarshal(e.Payload, &p)
		if err == nil && p.Page < 0 {
			err = errors.New("negative view page")
		}
		v = p
	case KindPresence:
		var p PresenceEvent
		err = json.Unmarshal(e.Payload, &p)
		if err == nil && p.Participant.ID == "" {
			err = errors.New("presence missing participant id")
		}
		v = p
	case KindLeave:
		var p LeaveEvent
		err = json.Unmarshal(e.Payload, &p)
		if err == nil && p.ID == "" {
			err = errors.New("leave missing id")
		}
		v = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Kind, err)
	}
	return v, nil
}

// ActorOf returns the participant a decoded event claims to act for.
// Events that carry no identity report false; for the others the identity
// must equal the envelope sender.
func ActorOf(ev any) (string, bool) {
	switch e := ev.(type) {
	case CommentEvent:
		return e.AuthorID, true
	case ResolveEvent:
		return e.ResolverID, true
	case ReactionEvent:
		return e.ActorID, true
	case ReplyEvent:
		return e.AuthorID, true
	case EditEvent:
		return e.EditorID, true
	case PresenceEvent:
		return e.Participant.ID, true
	case LeaveEvent:
		return e.ID, true
	}
	return "", false
}

// CheckSender decodes e and verifies that the identity inside the payload
// is the sender stamped on the envelope.
func (e Envelope) CheckSender() (any, error) {
	v, err := e.Decode()
	if err != nil {
		return nil, err
	}
	if actor, ok := ActorOf(v); ok && actor != e.SenderID {
		return nil, fmt.Errorf("%w: %s acts for %q but was sent by %q", ErrForeignActor, e.Kind, actor, e.SenderID)
	}
	return v, nil
}
