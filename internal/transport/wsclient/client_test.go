package wsclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"collabsync/internal/auth"
	"collabsync/internal/model"
	"collabsync/internal/relay"
	"collabsync/internal/session"
	"collabsync/internal/transport"
)

var tokenConfig = auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}

func startRelay(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle(updatesPath, relay.NewServer(relay.Deps{TokenConfig: tokenConfig}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func newClient(t *testing.T, baseURL, participant string) *Client {
	t.Helper()
	tok, err := auth.CreateToken(auth.Grant{ParticipantID: participant, Name: participant}, tokenConfig)
	require.NoError(t, err)
	c, err := New(baseURL, tok)
	require.NoError(t, err)
	return c
}

type sink struct {
	mu        sync.Mutex
	snapshots [][]model.Participant
	events    []model.Envelope
	downs     []error
}

func (s *sink) handlers() transport.Handlers {
	return transport.Handlers{
		OnSnapshot: func(list []model.Participant) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.snapshots = append(s.snapshots, list)
		},
		OnEvent: func(env model.Envelope) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.events = append(s.events, env)
		},
		OnConnectionChange: func(up bool, err error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.downs = append(s.downs, err)
		},
	}
}

func (s *sink) find(kind model.EventKind, sender string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, env := range s.events {
		if env.Kind == kind && env.SenderID == sender {
			return true
		}
	}
	return false
}

func (s *sink) counts() (snapshots, downs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots), len(s.downs)
}

func TestUpdatesURL(t *testing.T) {
	got, err := updatesURL("https://relay.example.com/base/")
	require.NoError(t, err)
	require.Equal(t, "wss://relay.example.com/base/v1/updates/?EIO=4&transport=websocket", got)

	_, err = updatesURL("ftp://relay.example.com")
	require.Error(t, err)
}

func TestClient_PublishReachesOtherSubscriber(t *testing.T) {
	base := startRelay(t)
	ada, bob := newClient(t, base, "ada"), newClient(t, base, "bob")
	var adaSink, bobSink sink

	subA, err := ada.Subscribe(context.Background(), "doc-1", adaSink.handlers())
	require.NoError(t, err)
	subB, err := bob.Subscribe(context.Background(), "doc-1", bobSink.handlers())
	require.NoError(t, err)
	require.Equal(t, "doc-1", subB.SessionID())

	require.Eventually(t, func() bool {
		n, _ := bobSink.counts()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ada.TrackPresence("doc-1", model.Participant{ID: "ada", Name: "Ada"}))
	require.NoError(t, ada.Publish("doc-1", model.KindCursor, model.CursorEvent{X: 1, Y: 2, TS: 3}))
	require.Eventually(t, func() bool {
		return bobSink.find(model.KindPresence, "ada") && bobSink.find(model.KindCursor, "ada")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ada.Unsubscribe(subA))
	require.Eventually(t, func() bool {
		return bobSink.find(model.KindLeave, "ada")
	}, 2*time.Second, 10*time.Millisecond)

	_, downs := adaSink.counts()
	require.Zero(t, downs, "unsubscribe must not report a connection loss")
	require.ErrorIs(t, ada.Publish("doc-1", model.KindCursor, model.CursorEvent{}), transport.ErrNotConnected)
	require.NoError(t, bob.Unsubscribe(subB))
}

func TestClient_SubscribeRejected(t *testing.T) {
	base := startRelay(t)
	c, err := New(base, "not-a-token")
	require.NoError(t, err)

	_, err = c.Subscribe(context.Background(), "doc-1", transport.Handlers{})
	var remote *transport.RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	require.Equal(t, "Invalid authentication token", remote.Message)
}

func TestClient_SubscribeHonoursContext(t *testing.T) {
	// A server that upgrades but never sends the open packet.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	c, err := New(srv.URL, "tok")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.Subscribe(ctx, "doc-1", transport.Handlers{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_ReportsConnectionLoss(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"x","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`))
		_, _, _ = ws.ReadMessage()
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`40{"sid":"x"}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`42["presence-sync",[]]`))
		_ = ws.Close()
	}))
	defer srv.Close()

	c, err := New(srv.URL, "tok")
	require.NoError(t, err)
	var s sink
	_, err = c.Subscribe(context.Background(), "doc-1", s.handlers())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, downs := s.counts()
		return downs == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, c.TrackPresence("doc-1", model.Participant{}), transport.ErrNotConnected)
}

type commentWatcher struct {
	session.NopObserver
	mu    sync.Mutex
	added []model.Comment
}

func (w *commentWatcher) OnCommentAdded(c model.Comment) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.added = append(w.added, c)
}

func (w *commentWatcher) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.added)
}

func TestClient_SessionsOverRelay(t *testing.T) {
	base := startRelay(t)
	adaID := session.Identity{ID: "ada", Name: "Ada"}
	bobID := session.Identity{ID: "bob", Name: "Bob"}

	ada := session.New(session.DefaultConfig("doc-1", adaID), newClient(t, base, "ada"), session.NopObserver{})
	defer ada.Close()
	var watcher commentWatcher
	bob := session.New(session.DefaultConfig("doc-1", bobID), newClient(t, base, "bob"), &watcher)
	defer bob.Close()

	require.NoError(t, ada.Open())
	require.NoError(t, bob.Open())
	require.Eventually(t, func() bool {
		return ada.ConnectionState() == model.StateConnected && bob.ConnectionState() == model.StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(bob.Participants()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	c, err := ada.AddComment("para-1", "hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return watcher.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, bob.Comments(), 1)
	require.Equal(t, c.ID, bob.Comments()[0].ID)
}
