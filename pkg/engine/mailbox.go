package engine

import "sync"

// mailbox is an unbounded FIFO of events.
//
// Posting never blocks. After close, posted events are dropped.
type mailbox struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) post(ev event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.events = append(m.events, ev)
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// take returns all events posted so far.
func (m *mailbox) take() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := m.events
	m.events = nil
	return evs
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.events = nil
}
