package kernel

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// Messages
// =============================================================================

// MessageKind distinguishes user payloads from kernel notifications.
type MessageKind uint8

const (
	// MessageUser carries an opaque payload from another process.
	MessageUser MessageKind = iota
	// MessageExit is delivered to a trapping process when a linked peer dies.
	MessageExit
	// MessageDown is delivered to a monitoring process when its target dies.
	MessageDown
)

func (k MessageKind) String() string {
	switch k {
	case MessageExit:
		return "exit"
	case MessageDown:
		return "down"
	default:
		return "user"
	}
}

// Message is an immutable value once enqueued.
type Message struct {
	ID      string      `json:"id"`
	Kind    MessageKind `json:"kind"`
	From    PID         `json:"from"`
	Payload []byte      `json:"payload,omitempty"`
	Reason  ExitReason  `json:"reason,omitempty"`
	SentAt  time.Time   `json:"sent_at"`
}

// =============================================================================
// Mailbox
// =============================================================================

// Mailbox is a FIFO queue with any number of producers and a single consumer.
// Enqueue never blocks; a bounded mailbox rejects user messages at capacity
// instead. Exit and down signals are not counted against the capacity and
// are always accepted while the mailbox is open.
type Mailbox struct {
	mu       sync.Mutex
	items    []Message
	head     int
	users    int
	capacity int
	closed   bool
	notify   chan struct{}
}

// NewMailbox creates a mailbox. A capacity of zero means unbounded.
func NewMailbox(capacity int) *Mailbox {
	return &Mailbox{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue appends msg. It returns ErrMailboxFull when a user message finds
// the mailbox at capacity and ErrMailboxClosed once the owner has terminated.
func (m *Mailbox) Enqueue(msg Message) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMailboxClosed
	}
	if msg.Kind == MessageUser {
		if m.capacity > 0 && m.users >= m.capacity {
			m.mu.Unlock()
			return ErrMailboxFull
		}
		m.users++
	}
	m.items = append(m.items, msg)
	m.mu.Unlock()

	m.signal()
	return nil
}

func (m *Mailbox) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// TryReceive pops the oldest message without blocking.
func (m *Mailbox) TryReceive() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.head == len(m.items) {
		return Message{}, false
	}
	msg := m.items[m.head]
	m.items[m.head] = Message{}
	m.head++
	if msg.Kind == MessageUser {
		m.users--
	}
	m.compact()
	return msg, true
}

// compact reclaims the consumed prefix. Caller holds mu.
func (m *Mailbox) compact() {
	switch {
	case m.head == len(m.items):
		m.items = m.items[:0]
		m.head = 0
	case m.head >= 32 && m.head*2 >= len(m.items):
		n := copy(m.items, m.items[m.head:])
		clear(m.items[n:])
		m.items = m.items[:n]
		m.head = 0
	}
}

// Receive blocks until a message arrives, the mailbox closes or ctx is done.
// It is meant for external receivers such as ports; processes running on
// the scheduler use TryReceive and report WaitingOnMailbox instead.
func (m *Mailbox) Receive(ctx context.Context) (Message, error) {
	for {
		if msg, ok := m.TryReceive(); ok {
			return msg, nil
		}
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return Message{}, ErrMailboxClosed
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-m.notify:
		}
	}
}

// Len returns the number of pending messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items) - m.head
}

// IsEmpty reports whether no message is pending.
func (m *Mailbox) IsEmpty() bool {
	return m.Len() == 0
}

// Snapshot returns a copy of the pending messages in order without removing them.
func (m *Mailbox) Snapshot() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.items)-m.head)
	copy(out, m.items[m.head:])
	return out
}

// Drain removes the first n pending messages. It is used after a snapshot
// of those messages has been committed elsewhere.
func (m *Mailbox) Drain(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pending := len(m.items) - m.head; n > pending {
		n = pending
	}
	for _, msg := range m.items[m.head : m.head+n] {
		if msg.Kind == MessageUser {
			m.users--
		}
	}
	clear(m.items[m.head : m.head+n])
	m.head += n
	m.compact()
}

// Restore puts msgs in front of anything already queued, preserving order
// on both sides.
func (m *Mailbox) Restore(msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	m.mu.Lock()
	pending := m.items[m.head:]
	items := make([]Message, 0, len(msgs)+len(pending))
	items = append(items, msgs...)
	items = append(items, pending...)
	for _, msg := range msgs {
		if msg.Kind == MessageUser {
			m.users++
		}
	}
	m.items = items
	m.head = 0
	m.mu.Unlock()
	m.signal()
}

// Close rejects further messages and wakes any blocked receiver.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

// Closed reports whether the mailbox has been closed.
func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
