package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"collabsync/internal/hub"
	"collabsync/internal/metrics"
	"collabsync/internal/wire"
)

const (
	pingInterval = 25 * time.Second
	pingTimeout  = 20 * time.Second
	writeTimeout = 10 * time.Second
)

// conn is one relay socket. It is the hub writer for its room membership.
type conn struct {
	ws      *websocket.Conn
	sid     string
	limiter *rate.Limiter
	metrics *metrics.Metrics

	connected atomic.Bool
	member    *hub.Connection

	sendMu sync.Mutex

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, limiter *rate.Limiter, m *metrics.Metrics) *conn {
	return &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		limiter:    limiter,
		metrics:    m,
		nextPingAt: time.Now().Add(pingInterval),
		done:       make(chan struct{}),
	}
}

func (c *conn) Write(message []byte) error {
	if err := c.writeFrame(message); err != nil {
		c.metrics.ObserveDropped(metrics.ReasonWriteFailed)
		return err
	}
	return nil
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.ws.Close()
	})
	return nil
}

func (c *conn) writeFrame(frame []byte) error {
	if c.closed.Load() {
		return websocket.ErrCloseSent
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *conn) writeEvent(event string, args ...any) error {
	frame, err := wire.EventFrame(event, args...)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

func (c *conn) writeError(msg string) error {
	return c.writeEvent(wire.EventError, map[string]string{"message": msg})
}

func (c *conn) readLoop(onMessage func([]byte)) {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(data)
	}
}

// pingLoop sends an engine ping every pingInterval and closes the socket
// when a pong does not arrive within pingTimeout.
func (c *conn) pingLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.pingMu.Lock()
			if c.awaitingPong {
				expired := now.Sub(c.pingSentAt) > pingTimeout
				c.pingMu.Unlock()
				if expired {
					_ = c.Close()
					return
				}
				continue
			}
			due := !now.Before(c.nextPingAt)
			if due {
				c.awaitingPong = true
				c.pingSentAt = now
				c.nextPingAt = now.Add(pingInterval)
			}
			c.pingMu.Unlock()
			if due {
				_ = c.writeFrame([]byte{byte(wire.EnginePing)})
			}
		}
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}
