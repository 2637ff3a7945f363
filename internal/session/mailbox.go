package session

import "sync"

// mailbox is an unbounded FIFO of work for the session goroutine.
//
// Enqueue never blocks, so transport and timer callbacks can post from any
// goroutine without waiting on the actor. The 1-buffered signal channel
// coalesces wakeups.
type mailbox struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		items:  make([]func(), 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends f. It returns false once the mailbox is closed.
func (m *mailbox) Enqueue(f func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.items = append(m.items, f)

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front item without blocking.
func (m *mailbox) TryDequeue() (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		return nil, false
	}
	f := m.items[0]
	m.items[0] = nil
	if len(m.items) == 1 {
		m.items = m.items[:0]
	} else {
		m.items = m.items[1:]
	}
	return f, true
}

// Wait returns the wakeup channel. It is closed when the mailbox closes.
func (m *mailbox) Wait() <-chan struct{} {
	return m.signal
}

func (m *mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close rejects further items. Items already queued can still be dequeued.
func (m *mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.signal)
}

func (m *mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
