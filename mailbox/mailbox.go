// Package mailbox provides the default FIFO smtp4j.DeliverySink: an
// in-memory queue with a blocking reader, matching the "typically a
// concurrent queue with a blocking reader" collaborator description from
// the core's concurrency model. Embedding tests that don't care about
// custom delivery semantics wire this in directly; smtp4j.Server's own
// ReadMessages/MessageReader cover the common case without one.
package mailbox

import (
	"container/list"
	"context"
	"sync"

	"github.com/imario42/smtp4j"
)

// Mailbox is a totally-ordered FIFO queue of delivered messages. It
// implements smtp4j.DeliverySink and never rejects a message.
type Mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  *list.List
	closed bool
}

// New returns an empty Mailbox.
func New() *Mailbox {
	m := &Mailbox{queue: list.New()}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Deliver appends msg to the tail of the queue and wakes one blocked
// reader, if any. After Close, msg is dropped instead of queued. It never
// returns an error: rejecting deliveries is the
// concern of a Firewall or a wrapping DeliverySink, not the mailbox.
func (m *Mailbox) Deliver(ctx context.Context, msg *smtp4j.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.queue.PushBack(msg)
	m.cond.Signal()
	return nil
}

var _ smtp4j.DeliverySink = (*Mailbox)(nil)

// Take removes and returns the oldest message, blocking until one is
// available or the mailbox is closed (in which case ok is false).
func (m *Mailbox) Take() (msg *smtp4j.Message, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.queue.Len() == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.queue.Len() == 0 {
		return nil, false
	}
	front := m.queue.Remove(m.queue.Front())
	return front.(*smtp4j.Message), true
}

// Drain returns every message currently queued without blocking.
func (m *Mailbox) Drain() []*smtp4j.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*smtp4j.Message, 0, m.queue.Len())
	for e := m.queue.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*smtp4j.Message))
	}
	m.queue.Init()
	return out
}

// Len reports the number of messages currently queued.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// Close wakes every blocked Take call, which then return ok=false. Double
// invocation is a no-op.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.cond.Broadcast()
}
