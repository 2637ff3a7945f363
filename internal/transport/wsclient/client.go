// Package wsclient is the transport adapter that reaches a relay over a
// websocket. Every subscription owns one socket.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"collabsync/internal/model"
	"collabsync/internal/transport"
	"collabsync/internal/wire"
)

const (
	updatesPath      = "/v1/updates/"
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

var ErrHandshake = errors.New("relay handshake failed")

type Option func(*Client)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

type Client struct {
	endpoint string
	token    string
	dialer   *websocket.Dialer

	mu    sync.Mutex
	socks map[string]*socket
}

// New returns an adapter for the relay at baseURL (http, https, ws or wss)
// that authenticates with token.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	endpoint, err := updatesURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		endpoint: endpoint,
		token:    token,
		dialer:   websocket.DefaultDialer,
		socks:    make(map[string]*socket),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func updatesURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + updatesPath
	u.RawQuery = url.Values{"EIO": {"4"}, "transport": {"websocket"}}.Encode()
	return u.String(), nil
}

type socket struct {
	sessionID string
	ws        *websocket.Conn
	handlers  transport.Handlers

	sendMu  sync.Mutex
	closing atomic.Bool
	done    chan struct{}
}

func (s *socket) SessionID() string { return s.sessionID }

func (s *socket) write(frame []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, frame)
}

func (s *socket) emit(event string, args ...any) error {
	frame, err := wire.EventFrame(event, args...)
	if err != nil {
		return err
	}
	return s.write(frame)
}

type connectAuth struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
}

func (c *Client) Subscribe(ctx context.Context, sessionID string, h transport.Handlers) (transport.Subscription, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	s := &socket{sessionID: sessionID, ws: ws, handlers: h, done: make(chan struct{})}

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	err = c.handshake(s)
	if !stop() || err != nil {
		_ = ws.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	c.mu.Lock()
	old := c.socks[sessionID]
	c.socks[sessionID] = s
	c.mu.Unlock()
	if old != nil {
		old.shutdown()
	}

	go c.readLoop(s)
	return s, nil
}

// handshake waits for the engine open packet, sends the connect packet with
// the join credentials and waits for the relay to accept it.
func (c *Client) handshake(s *socket) error {
	if err := s.ws.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	opened := false
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		typ, body, err := wire.SplitFrame(data)
		if err != nil {
			continue
		}
		switch {
		case typ == wire.EngineOpen && !opened:
			opened = true
			packet, err := wire.BuildConnect("/", connectAuth{Token: c.token, SessionID: s.sessionID})
			if err != nil {
				return err
			}
			if err := s.write(wire.Message(packet)); err != nil {
				return err
			}
		case typ == wire.EnginePing:
			_ = s.write([]byte{byte(wire.EnginePong)})
		case typ == wire.EngineMessage && opened && body != "" && body[0] == byte(wire.SocketConnect):
			return s.ws.SetReadDeadline(time.Time{})
		case typ == wire.EngineMessage && opened:
			if err := transport.Dispatch(data, transport.Handlers{}); err != nil {
				return err
			}
		case typ == wire.EngineClose:
			return fmt.Errorf("%w: closed by relay", ErrHandshake)
		}
	}
}

func (c *Client) readLoop(s *socket) {
	defer close(s.done)
	var cause error
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			cause = err
			break
		}
		typ, _, err := wire.SplitFrame(data)
		if err != nil {
			continue
		}
		if typ == wire.EnginePing {
			if err := s.write([]byte{byte(wire.EnginePong)}); err != nil {
				cause = err
				break
			}
			continue
		}
		if typ == wire.EngineClose {
			cause = errors.New("closed by relay")
			break
		}
		if err := transport.Dispatch(data, s.handlers); err != nil {
			var remote *transport.RemoteError
			if errors.As(err, &remote) {
				glog.Warningf("[wsclient]%s: %s\n", s.sessionID, remote)
				continue
			}
			glog.V(2).Infof("[wsclient]discard frame: %s\n", err)
		}
	}
	_ = s.ws.Close()

	c.mu.Lock()
	if c.socks[s.sessionID] == s {
		delete(c.socks, s.sessionID)
	}
	c.mu.Unlock()

	if s.closing.Load() {
		return
	}
	glog.Infof("[wsclient]%s: connection lost: %s\n", s.sessionID, cause)
	if s.handlers.OnConnectionChange != nil {
		s.handlers.OnConnectionChange(false, cause)
	}
}

func (c *Client) live(sessionID string) (*socket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.socks[sessionID]
	if s == nil || s.closing.Load() {
		return nil, transport.ErrNotConnected
	}
	return s, nil
}

// Publish sends payload to the relay. The relay stamps the sender identity.
func (c *Client) Publish(sessionID string, kind model.EventKind, payload any) error {
	s, err := c.live(sessionID)
	if err != nil {
		return err
	}
	env, err := model.NewEnvelope(kind, sessionID, "", payload)
	if err != nil {
		return err
	}
	return s.emit(wire.EventPublish, env)
}

func (c *Client) TrackPresence(sessionID string, p model.Participant) error {
	s, err := c.live(sessionID)
	if err != nil {
		return err
	}
	return s.emit(wire.EventTrack, p)
}

func (c *Client) Unsubscribe(sub transport.Subscription) error {
	s, ok := sub.(*socket)
	if !ok {
		return errors.New("wsclient: foreign subscription")
	}
	c.mu.Lock()
	if c.socks[s.sessionID] == s {
		delete(c.socks, s.sessionID)
	}
	c.mu.Unlock()
	s.shutdown()
	return nil
}

// shutdown announces the leave and closes the socket without reporting a
// connection loss.
func (s *socket) shutdown() {
	if s.closing.Swap(true) {
		return
	}
	_ = s.emit(wire.EventLeave)
	_ = s.ws.Close()
	<-s.done
}
