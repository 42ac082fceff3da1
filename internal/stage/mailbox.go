package stage

import "sync"

// message is one unit of mailbox work. Exactly one of the two function
// fields is set:
//
//   - resume is set when this message wakes an already-parked handler
//     goroutine (a promise-form RequestAsync reply, or a callback-form
//     completion). The executor invokes it inline, without spawning a new
//     goroutine, because the goroutine doing the real work already exists.
//   - fresh is set for everything that starts a brand-new handler
//     invocation: a Route-message dispatch, a Timer-tick, or an
//     Async-block post. The executor spawns a goroutine for it.
//
// Either way the executor waits on the stage's turn channel until the
// invocation running as a result of this message either suspends again or
// finishes, preserving "at most one handler per stage runs at any instant."
type message struct {
	resume func()
	fresh  func()
}

// mailbox is a FIFO queue that is logically unbounded (per §4.9's
// back-pressure note: "Stage mailboxes are unbounded logically but
// measured") but backed by a growable slice rather than a fixed-capacity
// channel, so a burst of traffic never blocks a producer.
type mailbox struct {
	mu     sync.Mutex
	queue  []*message
	signal chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// push enqueues m. Returns false if the mailbox has been closed (the stage
// is gone); callers must treat that as "drop the message."
func (mb *mailbox) push(m *message) bool {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return false
	}
	mb.queue = append(mb.queue, m)
	mb.mu.Unlock()

	select {
	case mb.signal <- struct{}{}:
	default:
	}
	return true
}

func (mb *mailbox) pop() (*message, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if len(mb.queue) == 0 {
		return nil, false
	}
	m := mb.queue[0]
	mb.queue[0] = nil
	mb.queue = mb.queue[1:]
	return m, true
}

func (mb *mailbox) len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.queue)
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.queue = nil
	mb.mu.Unlock()
}
