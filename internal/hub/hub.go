// Package hub tracks the connections and the authoritative presence of every
// collaboration room and fans messages out to them.
package hub

import (
	"sync"

	"collabsync/internal/model"
)

type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	SessionID     string
	ParticipantID string
	Writer        Writer
}

type room struct {
	conns    map[*Connection]struct{}
	refs     map[string]int
	order    []string
	presence map[string]model.Participant
	seq      int64
}

type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

func New() *Hub {
	return &Hub{rooms: make(map[string]*room)}
}

// Join registers conn in its room and returns the room's presence snapshot.
func (h *Hub) Join(conn *Connection) []model.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.rooms[conn.SessionID]
	if r == nil {
		r = &room{
			conns:    make(map[*Connection]struct{}),
			refs:     make(map[string]int),
			presence: make(map[string]model.Participant),
		}
		h.rooms[conn.SessionID] = r
	}
	if _, ok := r.conns[conn]; !ok {
		r.conns[conn] = struct{}{}
		r.refs[conn.ParticipantID]++
	}
	return r.snapshotLocked()
}

// Leave unregisters conn. It reports whether this was the participant's last
// connection in the room, in which case its presence is removed too.
func (h *Hub) Leave(conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(conn)
}

func (h *Hub) leaveLocked(conn *Connection) bool {
	r := h.rooms[conn.SessionID]
	if r == nil {
		return false
	}
	if _, ok := r.conns[conn]; !ok {
		return false
	}
	delete(r.conns, conn)

	left := false
	r.refs[conn.ParticipantID]--
	if r.refs[conn.ParticipantID] <= 0 {
		delete(r.refs, conn.ParticipantID)
		if _, tracked := r.presence[conn.ParticipantID]; tracked {
			delete(r.presence, conn.ParticipantID)
			for i, id := range r.order {
				if id == conn.ParticipantID {
					r.order = append(r.order[:i], r.order[i+1:]...)
					break
				}
			}
		}
		left = true
	}
	if len(r.conns) == 0 {
		delete(h.rooms, conn.SessionID)
	}
	return left
}

// Track upserts p into the presence of sessionID. The room keeps
// first-seen order.
func (h *Hub) Track(sessionID string, p model.Participant) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.rooms[sessionID]
	if r == nil {
		return false
	}
	if _, ok := r.presence[p.ID]; !ok {
		r.order = append(r.order, p.ID)
	}
	r.presence[p.ID] = p.Clone()
	return true
}

func (h *Hub) Snapshot(sessionID string) []model.Participant {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := h.rooms[sessionID]
	if r == nil {
		return []model.Participant{}
	}
	return r.snapshotLocked()
}

func (r *room) snapshotLocked() []model.Participant {
	out := make([]model.Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.presence[id].Clone())
	}
	return out
}

// NextSeq returns the next per-room sequence number.
func (h *Hub) NextSeq(sessionID string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[sessionID]
	if r == nil {
		return 0
	}
	r.seq++
	return r.seq
}

// Broadcast writes message to every connection of sessionID. Connections
// whose write fails are closed and removed; the ids of participants that
// lost their last connection are returned.
func (h *Hub) Broadcast(sessionID string, message []byte) []string {
	h.mu.RLock()
	r := h.rooms[sessionID]
	if r == nil {
		h.mu.RUnlock()
		return nil
	}
	conns := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
		}
	}

	var left []string
	for _, c := range failed {
		_ = c.Writer.Close()
		if h.Leave(c) {
			left = append(left, c.ParticipantID)
		}
	}
	return left
}

func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, r := range h.rooms {
		n += len(r.conns)
	}
	return n
}
