package model

import "encoding/json"

type Cursor struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	TS int64   `json:"ts"`
}

type Selection struct {
	Start   int    `json:"start"`
	End     int    `json:"end"`
	BlockID string `json:"blockId"`
	TS      int64  `json:"ts"`
}

// View is the shared viewing position of a participant: the block it
// looks at, the page within it and a media or scroll position.
type View struct {
	BlockID  string  `json:"blockId"`
	Page     int     `json:"page"`
	Position float64 `json:"position"`
	TS       int64   `json:"ts"`
}

type Participant struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Email      string     `json:"email,omitempty"`
	AvatarURL  string     `json:"avatarUrl,omitempty"`
	Color      string     `json:"color,omitempty"`
	Cursor     *Cursor    `json:"cursor,omitempty"`
	Selection  *Selection `json:"selection,omitempty"`
	View       *View      `json:"view,omitempty"`
	Online     bool       `json:"online"`
	LastActive int64      `json:"lastActive"`
}

// Clone returns a copy that shares no pointers with p.
func (p Participant) Clone() Participant {
	if p.Cursor != nil {
		c := *p.Cursor
		p.Cursor = &c
	}
	if p.Selection != nil {
		s := *p.Selection
		p.Selection = &s
	}
	if p.View != nil {
		v := *p.View
		p.View = &v
	}
	return p
}

type CommentStatus string

const (
	CommentConfirmed CommentStatus = "confirmed"
	CommentPending   CommentStatus = "pending"
	CommentStale     CommentStatus = "stale"
)

type Reply struct {
	ID        string `json:"id"`
	AuthorID  string `json:"authorId"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"createdAt"`
}

type Comment struct {
	ID         string                         `json:"id"`
	AuthorID   string                         `json:"authorId"`
	Anchor     string                         `json:"anchor"`
	Body       string                         `json:"body"`
	CreatedAt  int64                          `json:"createdAt"`
	UpdatedAt  int64                          `json:"updatedAt"`
	Resolved   bool                           `json:"resolved"`
	ResolvedBy string                         `json:"resolvedBy,omitempty"`
	ResolvedAt int64                          `json:"resolvedAt,omitempty"`
	EditedAt   int64                          `json:"editedAt,omitempty"`
	Replies    []Reply                        `json:"replies,omitempty"`
	Reactions  map[string]map[string]struct{} `json:"-"`
	Status     CommentStatus                  `json:"status"`
}

// Clone deep-copies replies and reaction sets.
func (c Comment) Clone() Comment {
	if c.Replies != nil {
		c.Replies = append([]Reply(nil), c.Replies...)
	}
	if c.Reactions != nil {
		reactions := make(map[string]map[string]struct{}, len(c.Reactions))
		for emoji, actors := range c.Reactions {
			set := make(map[string]struct{}, len(actors))
			for id := range actors {
				set[id] = struct{}{}
			}
			reactions[emoji] = set
		}
		c.Reactions = reactions
	}
	return c
}

// ReactionCount is the number of distinct actors that reacted with emoji.
func (c Comment) ReactionCount(emoji string) int {
	return len(c.Reactions[emoji])
}

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

type EventKind string

const (
	KindCursor    EventKind = "cursor"
	KindSelection EventKind = "selection"
	KindComment   EventKind = "comment"
	KindResolve   EventKind = "resolve"
	KindReaction  EventKind = "reaction"
	KindReply     EventKind = "reply"
	KindEdit      EventKind = "edit"
	KindView      EventKind = "view"
	KindPresence  EventKind = "presence"
	KindLeave     EventKind = "leave"
)

// Envelope is one event as it travels between participants. Seq is stamped
// by the relay per room and only used for diagnostics.
type Envelope struct {
	Kind      EventKind       `json:"kind"`
	SessionID string          `json:"sessionId"`
	SenderID  string          `json:"senderId"`
	Seq       int64           `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// OutgoingEvent is a local resolve, reaction, reply or edit whose echo has
// not come back from the transport yet. Status is pending, or stale once
// the connection failed for good.
type OutgoingEvent struct {
	Kind      EventKind     `json:"kind"`
	CommentID string        `json:"commentId"`
	Event     any           `json:"event"`
	Status    CommentStatus `json:"status"`
}
