// Package throttle coalesces high-frequency local events (cursor moves,
// selection and viewport changes) so that at most one value per kind is published per
// window. The newest value in a window wins; older ones are dropped.
package throttle

import (
	"sync"
	"time"

	"collabsync/internal/clock"
	"collabsync/internal/model"
)

const (
	DefaultCursorWindow    = 50 * time.Millisecond
	DefaultSelectionWindow = 100 * time.Millisecond
	DefaultViewWindow      = 100 * time.Millisecond
)

type PublishFunc func(kind model.EventKind, payload any)

type Gate struct {
	clock   clock.Clock
	windows map[model.EventKind]time.Duration
	publish PublishFunc

	mu      sync.Mutex
	stopped bool
	slots   map[model.EventKind]*slot
}

type slot struct {
	timer   clock.Timer
	payload any
}

// DefaultWindows returns the per-kind windows used when none are configured.
func DefaultWindows() map[model.EventKind]time.Duration {
	return map[model.EventKind]time.Duration{
		model.KindCursor:    DefaultCursorWindow,
		model.KindSelection: DefaultSelectionWindow,
		model.KindView:      DefaultViewWindow,
	}
}

func New(c clock.Clock, windows map[model.EventKind]time.Duration, publish PublishFunc) *Gate {
	if windows == nil {
		windows = DefaultWindows()
	}
	return &Gate{
		clock:   c,
		windows: windows,
		publish: publish,
		slots:   make(map[model.EventKind]*slot),
	}
}

// Submit records payload as the latest value for kind. Kinds without a
// configured window are published straight through.
func (g *Gate) Submit(kind model.EventKind, payload any) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	window, throttled := g.windows[kind]
	if !throttled || window <= 0 {
		g.mu.Unlock()
		g.publish(kind, payload)
		return
	}

	s := g.slots[kind]
	if s != nil {
		s.payload = payload
		g.mu.Unlock()
		return
	}
	s = &slot{payload: payload}
	g.slots[kind] = s
	s.timer = g.clock.AfterFunc(window, func() { g.flush(kind, s) })
	g.mu.Unlock()
}

func (g *Gate) flush(kind model.EventKind, s *slot) {
	g.mu.Lock()
	if g.stopped || g.slots[kind] != s {
		g.mu.Unlock()
		return
	}
	delete(g.slots, kind)
	payload := s.payload
	g.mu.Unlock()

	g.publish(kind, payload)
}

// Pending reports the number of open windows.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}

// Stop cancels every open window and drops the values waiting in them.
// The gate ignores submissions afterwards.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	for kind, s := range g.slots {
		s.timer.Stop()
		delete(g.slots, kind)
	}
}
