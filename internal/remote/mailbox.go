package remote

import "sync"

// mailbox is an unbounded FIFO feeding one stream's writer goroutine, so
// queue operations never block on a slow socket.
type mailbox struct {
	mu     sync.Mutex
	msgs   []any
	closed bool
	signal chan struct{} // buffered, size 1
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// push appends msg. Returns false after close.
func (m *mailbox) push(msg any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.msgs = append(m.msgs, msg)
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// next blocks until a message is available. Returns false once the
// mailbox is closed; messages still queued at close are dropped.
func (m *mailbox) next() (any, bool) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, false
		}
		if len(m.msgs) > 0 {
			msg := m.msgs[0]
			m.msgs[0] = nil
			m.msgs = m.msgs[1:]
			m.mu.Unlock()
			return msg, true
		}
		m.mu.Unlock()
		<-m.signal
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.msgs = nil
	close(m.signal)
}
