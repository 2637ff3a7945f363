// Package transport defines the publish/subscribe channel a collaboration
// session runs on. Implementations are constructed explicitly and injected
// per session; delivery is at-least-once with no ordering across senders.
package transport

import (
	"context"
	"errors"

	"collabsync/internal/model"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrClosed       = errors.New("transport closed")
)

type Handlers struct {
	// OnSnapshot receives the full presence list of the session, on
	// subscribe and after every server-side resync.
	OnSnapshot func([]model.Participant)
	// OnEvent receives every broadcast envelope, presence deltas included.
	OnEvent func(model.Envelope)
	// OnConnectionChange reports the subscription going down (up=false)
	// after a successful subscribe. err carries the cause when known.
	OnConnectionChange func(up bool, err error)
}

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	SessionID() string
}

type Adapter interface {
	// Subscribe binds h to sessionID. It blocks until the subscription is
	// established or fails; ctx bounds the attempt.
	Subscribe(ctx context.Context, sessionID string, h Handlers) (Subscription, error)
	// Publish broadcasts payload under kind. It does not wait for delivery.
	Publish(sessionID string, kind model.EventKind, payload any) error
	// TrackPresence announces or refreshes the local participant.
	TrackPresence(sessionID string, p model.Participant) error
	Unsubscribe(sub Subscription) error
}
