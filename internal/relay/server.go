// Package relay is the websocket fan-out server collaboration sessions
// connect to. It speaks the engine.io / socket.io subset in package wire,
// keeps authoritative presence per room in a hub and stamps every relayed
// envelope with the sender identity taken from its join token.
package relay

import (
	"encoding/json"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"collabsync/internal/auth"
	"collabsync/internal/hub"
	"collabsync/internal/metrics"
	"collabsync/internal/model"
	"collabsync/internal/wire"
)

const maxPayload int64 = 1000000

type Deps struct {
	Hub         *hub.Hub
	TokenConfig auth.TokenConfig
	Metrics     *metrics.Metrics

	// Inbound events allowed per socket. Zero disables the limit.
	EventsPerSecond float64
	EventBurst      int
}

type Server struct {
	hub         *hub.Hub
	tokenConfig auth.TokenConfig
	metrics     *metrics.Metrics
	eventRate   rate.Limit
	eventBurst  int

	upgrader websocket.Upgrader
}

func NewServer(deps Deps) *Server {
	s := &Server{
		hub:         deps.Hub,
		tokenConfig: deps.TokenConfig,
		metrics:     deps.Metrics,
		eventRate:   rate.Inf,
		eventBurst:  deps.EventBurst,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if s.hub == nil {
		s.hub = hub.New()
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if deps.EventsPerSecond > 0 {
		s.eventRate = rate.Limit(deps.EventsPerSecond)
	}
	if s.eventBurst <= 0 {
		s.eventBurst = 1
	}
	return s
}

func (s *Server) Hub() *hub.Hub { return s.hub }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(2).Infof("[relay]upgrade: %s\n", err)
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws, rate.NewLimiter(s.eventRate, s.eventBurst), s.metrics)
	s.metrics.Sockets.Inc()
	defer s.disconnect(c)

	open, _ := json.Marshal(wire.OpenInfo{
		SID:          c.sid,
		Upgrades:     []string{},
		PingInterval: int(pingInterval.Milliseconds()),
		PingTimeout:  int(pingTimeout.Milliseconds()),
		MaxPayload:   maxPayload,
	})
	if err := c.writeFrame(append([]byte{byte(wire.EngineOpen)}, open...)); err != nil {
		return
	}

	go c.pingLoop()
	c.readLoop(func(msg []byte) {
		s.handleMessage(c, msg)
	})
}

func (s *Server) disconnect(c *conn) {
	s.leave(c)
	_ = c.Close()
	s.metrics.Sockets.Dec()
	s.metrics.Rooms.Set(float64(s.hub.Rooms()))
}

func (s *Server) leave(c *conn) {
	if c.member == nil {
		return
	}
	if s.hub.Leave(c.member) {
		glog.V(2).Infof("[relay]%s left %s\n", c.member.ParticipantID, c.member.SessionID)
		s.broadcastLeave(c.member.SessionID, c.member.ParticipantID)
	}
}

func (s *Server) handleMessage(c *conn, msg []byte) {
	typ, body, err := wire.SplitFrame(msg)
	if err != nil {
		return
	}
	switch typ {
	case wire.EnginePong:
		c.markPong()
	case wire.EngineMessage:
		s.handleSocketPayload(c, body)
	case wire.EngineClose:
		_ = c.Close()
	}
}

type connectAuth struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleSocketPayload(c *conn, payload string) {
	if payload == "" {
		return
	}
	switch wire.SocketPacketType(payload[0]) {
	case wire.SocketConnect:
		s.handleConnect(c, payload)
	case wire.SocketEvent:
		s.handleEvent(c, payload)
	}
}

func (s *Server) reject(c *conn, msg string) {
	glog.V(2).Infof("[relay]reject %s: %s\n", c.sid, msg)
	_ = c.writeError(msg)
	_ = c.Close()
}

func (s *Server) handleConnect(c *conn, payload string) {
	if c.connected.Load() {
		return
	}

	_, rest := wire.ParseOptionalNamespace(payload[1:])
	if rest == "" {
		s.reject(c, "Missing auth")
		return
	}
	var authObj connectAuth
	if err := json.Unmarshal([]byte(rest), &authObj); err != nil {
		s.reject(c, "Invalid auth")
		return
	}
	if authObj.Token == "" {
		s.reject(c, "Missing token")
		return
	}
	if authObj.SessionID == "" {
		s.reject(c, "Missing sessionId")
		return
	}
	claims, err := auth.VerifyToken(authObj.Token, s.tokenConfig)
	if err != nil {
		s.reject(c, "Invalid authentication token")
		return
	}
	if !claims.Allows(authObj.SessionID) {
		s.reject(c, auth.ErrWrongSession.Error())
		return
	}

	ack, err := wire.BuildConnect("/", map[string]string{"sid": c.sid})
	if err != nil || c.writeFrame(wire.Message(ack)) != nil {
		_ = c.Close()
		return
	}

	c.member = &hub.Connection{
		SessionID:     authObj.SessionID,
		ParticipantID: claims.ParticipantID(),
		Writer:        c,
	}
	c.connected.Store(true)
	snapshot := s.hub.Join(c.member)
	s.metrics.Rooms.Set(float64(s.hub.Rooms()))
	glog.V(2).Infof("[relay]%s joined %s\n", c.member.ParticipantID, c.member.SessionID)

	if err := c.writeEvent(wire.EventPresenceSync, snapshot); err != nil {
		_ = c.Close()
	}
}

func (s *Server) handleEvent(c *conn, payload string) {
	if !c.connected.Load() {
		return
	}
	pkt, err := wire.ParseEvent(payload)
	if err != nil {
		s.metrics.ObserveDropped(metrics.ReasonMalformed)
		return
	}
	if pkt.Event == wire.EventPing {
		if pkt.ID != nil {
			if ack, err := wire.BuildAck(pkt.Namespace, *pkt.ID); err == nil {
				_ = c.writeFrame(wire.Message(ack))
			}
		}
		return
	}
	if !c.limiter.Allow() {
		s.metrics.ObserveDropped(metrics.ReasonRateLimited)
		return
	}

	switch pkt.Event {
	case wire.EventTrack:
		var p model.Participant
		if err := pkt.DecodeArg(0, &p); err != nil {
			s.metrics.ObserveDropped(metrics.ReasonMalformed)
			return
		}
		s.track(c, p)
	case wire.EventPublish:
		var env model.Envelope
		if err := pkt.DecodeArg(0, &env); err != nil {
			s.metrics.ObserveDropped(metrics.ReasonMalformed)
			return
		}
		s.publish(c, env)
	case wire.EventLeave:
		s.leave(c)
		_ = c.Close()
	default:
		s.metrics.ObserveDropped(metrics.ReasonUnknown)
	}
}

func (s *Server) track(c *conn, p model.Participant) {
	p.ID = c.member.ParticipantID
	p.Online = true
	if !s.hub.Track(c.member.SessionID, p) {
		return
	}
	env, err := model.NewEnvelope(model.KindPresence, c.member.SessionID, p.ID, model.PresenceEvent{Participant: p})
	if err != nil {
		return
	}
	s.broadcast(env)
}

// publish relays a client envelope. Presence and leave are relay-owned
// kinds and are refused. The payload must decode for its kind and may only
// act for the authenticated sender.
func (s *Server) publish(c *conn, env model.Envelope) {
	if env.Kind == model.KindPresence || env.Kind == model.KindLeave {
		s.metrics.ObserveDropped(metrics.ReasonUnknown)
		return
	}
	env.SessionID = c.member.SessionID
	env.SenderID = c.member.ParticipantID
	if _, err := env.CheckSender(); err != nil {
		glog.V(2).Infof("[relay]drop from %s: %s\n", env.SenderID, err)
		s.metrics.ObserveDropped(metrics.ReasonMalformed)
		return
	}
	s.broadcast(env)
}

func (s *Server) broadcastLeave(sessionID, participantID string) {
	env, err := model.NewEnvelope(model.KindLeave, sessionID, participantID, model.LeaveEvent{ID: participantID})
	if err != nil {
		return
	}
	s.broadcast(env)
}

func (s *Server) broadcast(env model.Envelope) {
	env.Seq = s.hub.NextSeq(env.SessionID)
	frame, err := wire.EventFrame(wire.EventBroadcast, env)
	if err != nil {
		glog.Warningf("[relay]encode %s: %s\n", env.Kind, err)
		return
	}
	s.metrics.ObserveRelayed(string(env.Kind))
	for _, id := range s.hub.Broadcast(env.SessionID, frame) {
		s.broadcastLeave(env.SessionID, id)
	}
}
