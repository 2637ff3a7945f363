package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"collabsync/internal/model"
	"collabsync/internal/transport"
)

type recorder struct {
	mu        sync.Mutex
	snapshots [][]model.Participant
	events    []model.Envelope
	downs     []error
}

func (r *recorder) handlers() transport.Handlers {
	return transport.Handlers{
		OnSnapshot: func(list []model.Participant) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.snapshots = append(r.snapshots, list)
		},
		OnEvent: func(env model.Envelope) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, env)
		},
		OnConnectionChange: func(up bool, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if !up {
				r.downs = append(r.downs, err)
			}
		},
	}
}

func (r *recorder) kinds() []model.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventKind, 0, len(r.events))
	for _, env := range r.events {
		out = append(out, env.Kind)
	}
	return out
}

func TestBus_PublishReachesEveryMemberIncludingSender(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	ra, rb := &recorder{}, &recorder{}
	a, b := bus.Client("a"), bus.Client("b")
	_, err := a.Subscribe(ctx, "doc", ra.handlers())
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "doc", rb.handlers())
	require.NoError(t, err)

	require.NoError(t, a.Publish("doc", model.KindCursor, model.CursorEvent{X: 1, Y: 2, TS: 5}))

	require.Equal(t, []model.EventKind{model.KindCursor}, ra.kinds())
	require.Equal(t, []model.EventKind{model.KindCursor}, rb.kinds())

	ev, err := rb.events[0].Decode()
	require.NoError(t, err)
	require.Equal(t, model.CursorEvent{X: 1, Y: 2, TS: 5}, ev)
	require.Equal(t, "a", rb.events[0].SenderID)
	require.EqualValues(t, 1, rb.events[0].Seq)
}

func TestBus_SnapshotOnSubscribe(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	a := bus.Client("a")
	_, err := a.Subscribe(ctx, "doc", (&recorder{}).handlers())
	require.NoError(t, err)
	require.NoError(t, a.TrackPresence("doc", model.Participant{Name: "Ada", Online: true}))

	rb := &recorder{}
	_, err = bus.Client("b").Subscribe(ctx, "doc", rb.handlers())
	require.NoError(t, err)

	require.Len(t, rb.snapshots, 1)
	require.Len(t, rb.snapshots[0], 1)
	require.Equal(t, "a", rb.snapshots[0][0].ID)
	require.Equal(t, "Ada", rb.snapshots[0][0].Name)
}

func TestBus_UnsubscribeBroadcastsLeave(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	a, b := bus.Client("a"), bus.Client("b")
	sub, err := a.Subscribe(ctx, "doc", (&recorder{}).handlers())
	require.NoError(t, err)
	rb := &recorder{}
	_, err = b.Subscribe(ctx, "doc", rb.handlers())
	require.NoError(t, err)

	require.NoError(t, a.Unsubscribe(sub))
	require.Equal(t, []model.EventKind{model.KindLeave}, rb.kinds())
	require.Equal(t, 1, bus.Active())

	require.ErrorIs(t, a.Publish("doc", model.KindCursor, model.CursorEvent{X: 1}), transport.ErrNotConnected)
	require.NoError(t, a.Unsubscribe(sub))
}

func TestBus_FailNextSubscribes(t *testing.T) {
	bus := NewBus()
	bus.FailNextSubscribes(2)
	a := bus.Client("a")

	for i := 0; i < 2; i++ {
		_, err := a.Subscribe(context.Background(), "doc", transport.Handlers{})
		require.True(t, errors.Is(err, ErrInjected))
	}
	_, err := a.Subscribe(context.Background(), "doc", transport.Handlers{})
	require.NoError(t, err)
	require.Equal(t, 3, bus.SubscribeAttempts())
}

func TestBus_DropNotifiesSubscribers(t *testing.T) {
	bus := NewBus()
	ra := &recorder{}
	a := bus.Client("a")
	_, err := a.Subscribe(context.Background(), "doc", ra.handlers())
	require.NoError(t, err)

	bus.Drop("doc")
	require.Len(t, ra.downs, 1)
	require.ErrorIs(t, ra.downs[0], ErrDropped)
	require.Equal(t, 0, bus.Active())
	require.ErrorIs(t, a.Publish("doc", model.KindCursor, model.CursorEvent{X: 1}), transport.ErrNotConnected)
}

func TestBus_CancelledContext(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := bus.Client("a").Subscribe(ctx, "doc", transport.Handlers{})
	require.ErrorIs(t, err, context.Canceled)
}
