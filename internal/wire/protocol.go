// Package wire implements the subset of engine.io / socket.io framing spoken
// between the relay and its clients: an engine packet type byte, optionally
// followed by a socket packet type, namespace, ack id and a JSON array.
package wire

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

type EnginePacketType byte

const (
	EngineOpen    EnginePacketType = '0'
	EngineClose   EnginePacketType = '1'
	EnginePing    EnginePacketType = '2'
	EnginePong    EnginePacketType = '3'
	EngineMessage EnginePacketType = '4'
)

type SocketPacketType byte

const (
	SocketConnect      SocketPacketType = '0'
	SocketDisconnect   SocketPacketType = '1'
	SocketEvent        SocketPacketType = '2'
	SocketAck          SocketPacketType = '3'
	SocketConnectError SocketPacketType = '4'
)

// Event names exchanged with the relay.
const (
	EventPresenceSync = "presence-sync"
	EventBroadcast    = "event"
	EventTrack        = "track"
	EventPublish      = "publish"
	EventLeave        = "leave"
	EventPing         = "ping"
	EventError        = "error"
)

var (
	ErrEmptyPacket   = errors.New("empty packet")
	ErrNotEvent      = errors.New("not an event packet")
	ErrNotAck        = errors.New("not an ack packet")
	ErrInvalidEvent  = errors.New("invalid event payload")
	ErrMissingAckID  = errors.New("missing ack id")
	ErrMissingEvent  = errors.New("missing event name")
	ErrInvalidName   = errors.New("invalid event name")
	ErrInvalidAckArg = errors.New("invalid ack payload")
)

// OpenInfo is the body of the engine open packet.
type OpenInfo struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}

func ParseOptionalNamespace(s string) (namespace string, rest string) {
	if !strings.HasPrefix(s, "/") {
		return "/", s
	}
	comma := strings.IndexByte(s, ',')
	if comma == -1 {
		return "/", s
	}
	return s[:comma], s[comma+1:]
}

func parseOptionalIDPrefix(s string) (id *int, rest string) {
	i := 0
	for i < len(s) {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		i++
	}
	if i == 0 {
		return nil, s
	}
	v, err := strconv.Atoi(s[:i])
	if err != nil {
		return nil, s
	}
	return &v, s[i:]
}

type EventPacket struct {
	Namespace string
	ID        *int
	Event     string
	Args      []json.RawMessage
}

// ParseEvent parses a socket event packet (without the engine prefix).
func ParseEvent(payload string) (EventPacket, error) {
	if payload == "" {
		return EventPacket{}, ErrEmptyPacket
	}
	if payload[0] != byte(SocketEvent) {
		return EventPacket{}, ErrNotEvent
	}

	ns, rest := ParseOptionalNamespace(payload[1:])
	id, rest := parseOptionalIDPrefix(rest)
	if !strings.HasPrefix(rest, "[") {
		return EventPacket{}, ErrInvalidEvent
	}

	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(rest), &arr); err != nil {
		return EventPacket{}, err
	}
	if len(arr) == 0 {
		return EventPacket{}, ErrMissingEvent
	}
	var eventName string
	if err := json.Unmarshal(arr[0], &eventName); err != nil {
		return EventPacket{}, ErrInvalidName
	}

	return EventPacket{Namespace: ns, ID: id, Event: eventName, Args: arr[1:]}, nil
}

// DecodeArg unmarshals argument i of the event into v.
func (p EventPacket) DecodeArg(i int, v any) error {
	if i >= len(p.Args) {
		return ErrInvalidEvent
	}
	return json.Unmarshal(p.Args[i], v)
}

type AckPacket struct {
	Namespace string
	ID        int
	Args      []json.RawMessage
}

func ParseAck(payload string) (AckPacket, error) {
	if payload == "" {
		return AckPacket{}, ErrEmptyPacket
	}
	if payload[0] != byte(SocketAck) {
		return AckPacket{}, ErrNotAck
	}

	ns, rest := ParseOptionalNamespace(payload[1:])
	id, rest := parseOptionalIDPrefix(rest)
	if id == nil {
		return AckPacket{}, ErrMissingAckID
	}
	if !strings.HasPrefix(rest, "[") {
		return AckPacket{}, ErrInvalidAckArg
	}

	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(rest), &arr); err != nil {
		return AckPacket{}, err
	}
	return AckPacket{Namespace: ns, ID: *id, Args: arr}, nil
}

func writeNamespace(b *strings.Builder, namespace string) {
	if namespace != "" && namespace != "/" {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
}

func BuildEvent(namespace string, id *int, event string, args ...any) (string, error) {
	arr := make([]any, 0, 1+len(args))
	arr = append(arr, event)
	arr = append(arr, args...)
	data, err := json.Marshal(arr)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte(byte(SocketEvent))
	writeNamespace(&b, namespace)
	if id != nil {
		b.WriteString(strconv.Itoa(*id))
	}
	b.Write(data)
	return b.String(), nil
}

// BuildConnect builds a connect packet; data is the auth object sent by
// clients or the {"sid": ...} reply sent by the relay.
func BuildConnect(namespace string, data any) (string, error) {
	var b strings.Builder
	b.WriteByte(byte(SocketConnect))
	writeNamespace(&b, namespace)
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return "", err
		}
		b.Write(raw)
	}
	return b.String(), nil
}

func BuildAck(namespace string, id int, args ...any) (string, error) {
	if args == nil {
		args = make([]any, 0)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte(byte(SocketAck))
	writeNamespace(&b, namespace)
	b.WriteString(strconv.Itoa(id))
	b.Write(data)
	return b.String(), nil
}

// Message wraps a socket packet in an engine message frame.
func Message(packet string) []byte {
	return []byte(string(EngineMessage) + packet)
}

// EventFrame builds a complete engine frame carrying a default-namespace event.
func EventFrame(event string, args ...any) ([]byte, error) {
	packet, err := BuildEvent("/", nil, event, args...)
	if err != nil {
		return nil, err
	}
	return Message(packet), nil
}

// SplitFrame separates the engine packet type from its body.
func SplitFrame(frame []byte) (EnginePacketType, string, error) {
	if len(frame) == 0 {
		return 0, "", ErrEmptyPacket
	}
	return EnginePacketType(frame[0]), string(frame[1:]), nil
}
