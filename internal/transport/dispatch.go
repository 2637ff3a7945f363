package transport

import (
	"errors"
	"fmt"

	"collabsync/internal/model"
	"collabsync/internal/wire"
)

// RemoteError is an error event sent by the relay.
type RemoteError struct {
	Message string `json:"message"`
}

func (e *RemoteError) Error() string { return "relay: " + e.Message }

// Dispatch decodes one engine message frame and routes it to h. Frames that
// are not socket events are ignored. A malformed frame yields an error and
// reaches no handler.
func Dispatch(frame []byte, h Handlers) error {
	typ, body, err := wire.SplitFrame(frame)
	if err != nil {
		return err
	}
	if typ != wire.EngineMessage || body == "" || body[0] != byte(wire.SocketEvent) {
		return nil
	}
	pkt, err := wire.ParseEvent(body)
	if err != nil {
		return fmt.Errorf("parse event: %w", err)
	}

	switch pkt.Event {
	case wire.EventPresenceSync:
		var list []model.Participant
		if err := pkt.DecodeArg(0, &list); err != nil {
			return fmt.Errorf("decode presence-sync: %w", err)
		}
		if h.OnSnapshot != nil {
			h.OnSnapshot(list)
		}
	case wire.EventBroadcast:
		var env model.Envelope
		if err := pkt.DecodeArg(0, &env); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if env.Kind == "" {
			return errors.New("decode event: missing kind")
		}
		if h.OnEvent != nil {
			h.OnEvent(env)
		}
	case wire.EventError:
		var remote RemoteError
		if err := pkt.DecodeArg(0, &remote); err != nil {
			return fmt.Errorf("decode error event: %w", err)
		}
		return &remote
	}
	return nil
}
