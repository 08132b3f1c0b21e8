package dashboard

import (
	"sync"

	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

// Mailbox holds at most one undelivered snapshot. A newer snapshot
// replaces an unread older one; older or equal sequences are discarded.
type Mailbox struct {
	ch      chan *types.DashboardSnapshot
	mu      sync.Mutex
	lastSeq uint64
	closed  bool
	onDrop  func()
}

func newMailbox(onDrop func()) *Mailbox {
	return &Mailbox{
		ch:     make(chan *types.DashboardSnapshot, 1),
		onDrop: onDrop,
	}
}

// C returns the delivery channel. It is closed on unsubscribe.
func (m *Mailbox) C() <-chan *types.DashboardSnapshot { return m.ch }

// Put offers snap without blocking and reports whether it was accepted.
func (m *Mailbox) Put(snap *types.DashboardSnapshot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || snap.Sequence <= m.lastSeq {
		return false
	}
	select {
	case <-m.ch:
		if m.onDrop != nil {
			m.onDrop()
		}
	default:
	}
	// Put is the only sender and holds mu, so the slot is free here
	m.ch <- snap
	m.lastSeq = snap.Sequence
	return true
}

func (m *Mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}
