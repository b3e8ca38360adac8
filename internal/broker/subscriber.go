package broker

import (
	"sync"

	"github.com/google/uuid"
)

// Subscriber is the delivery path for one observer connection: a
// bounded mailbox the broker enqueues into and the transport layer
// drains.
//
// Enqueue never blocks the broker. When the mailbox fills, everything
// queued is dropped and replaced by a single resync marker; the
// subscriber is then muted until the transport completes the handshake
// via Broker.CompleteResync, after which delivery restarts from the
// fresh snapshot that call returned.
type Subscriber struct {
	id string
	ch chan Message

	mu        sync.Mutex
	resyncing bool
	closed    bool
}

func newSubscriber(queueSize int) *Subscriber {
	return &Subscriber{
		id: uuid.NewString(),
		ch: make(chan Message, queueSize),
	}
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string {
	return s.id
}

// Messages returns the channel the transport layer reads from. It is
// closed when the subscriber is removed from the broker.
func (s *Subscriber) Messages() <-chan Message {
	return s.ch
}

// Enqueue appends a message to the mailbox without blocking.
//
// On overflow the pending messages are discarded and a single
// resync_required marker takes their place. While a resync is pending,
// further messages are dropped outright; the snapshot sent after
// Resume() covers them.
func (s *Subscriber) Enqueue(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.resyncing {
		return
	}

	if len(s.ch) < cap(s.ch) {
		// Enqueue is serialized by s.mu and the consumer only ever
		// makes room, so this send cannot block.
		s.ch <- msg
		return
	}

	// Overflow: flush everything this subscriber hasn't read and leave
	// only the marker.
	for {
		select {
		case <-s.ch:
		default:
			s.resyncing = true
			s.ch <- Message{Type: MessageTypeResync, Timestamp: msg.Timestamp}
			return
		}
	}
}

// Resume re-arms the mailbox after a resync. The broker calls it while
// holding its own lock, atomically with building the snapshot that
// completes the handshake.
func (s *Subscriber) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncing = false
}

// close shuts the mailbox. Called by the broker with the subscriber
// already removed from the active set.
func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
