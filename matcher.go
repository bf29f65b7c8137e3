package tagnet

import (
	"sync"
	"time"
)

// completionQueueSize is the ring capacity for queued completions; overflow
// spills into a slice so completions are never dropped.
const completionQueueSize = 4096

// inboundMsg is a message that arrived before a matching receive was posted.
type inboundMsg struct {
	parts [][]byte
	multi bool
}

// postedRecv is a receive waiting for a matching message. owner identifies
// the connection that posted it so teardown can cancel it.
type postedRecv struct {
	op    *Op
	buf   []byte
	multi bool
	owner Conn
}

// matcher implements worker-level tag matching and the completion queue
// shared by the bundled transport engines. Tag matching, not submission
// order, determines pairing; within one tag, messages match receives in
// arrival order.
type matcher struct {
	mu         sync.Mutex
	unexpected map[Tag][]*inboundMsg
	posted     map[Tag][]*postedRecv
	comp       *RingBuffer[Completion]
	overflow   []Completion
	notify     chan struct{}
	shutdown   chan struct{}
	once       sync.Once
}

func newMatcher() *matcher {
	return &matcher{
		unexpected: make(map[Tag][]*inboundMsg),
		posted:     make(map[Tag][]*postedRecv),
		comp:       NewRingBuffer[Completion](completionQueueSize),
		notify:     make(chan struct{}, 1),
		shutdown:   make(chan struct{}),
	}
}

// complete queues a resolution for the progress engine to deliver.
func (m *matcher) complete(op *Op, n int, data [][]byte, err error) {
	c := Completion{Op: op, N: n, Data: data, Err: err}
	if !m.comp.Enqueue(c) {
		m.mu.Lock()
		m.overflow = append(m.overflow, c)
		m.mu.Unlock()
	}

	m.poke()
}

// poke wakes a blocked wait without queuing a completion, used when delayed
// submissions need a progress tick.
func (m *matcher) poke() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// deliver hands an arrived message to a posted receive, or queues it as
// unexpected. The matched receive's completion carries the copied payload;
// the multi-ness of message and receive must agree.
func (m *matcher) deliver(tag Tag, parts [][]byte, multi bool) {
	m.mu.Lock()
	queue := m.posted[tag]
	if len(queue) == 0 {
		m.unexpected[tag] = append(m.unexpected[tag], &inboundMsg{parts: parts, multi: multi})
		m.mu.Unlock()

		return
	}
	pr := queue[0]
	if len(queue) == 1 {
		delete(m.posted, tag)
	} else {
		m.posted[tag] = queue[1:]
	}
	m.mu.Unlock()

	m.resolveMatch(pr, &inboundMsg{parts: parts, multi: multi})
}

// post registers a receive, matching it immediately against a queued message
// when one is waiting.
func (m *matcher) post(pr *postedRecv, tag Tag) {
	m.mu.Lock()
	queue := m.unexpected[tag]
	if len(queue) == 0 {
		m.posted[tag] = append(m.posted[tag], pr)
		m.mu.Unlock()

		return
	}
	msg := queue[0]
	if len(queue) == 1 {
		delete(m.unexpected, tag)
	} else {
		m.unexpected[tag] = queue[1:]
	}
	m.mu.Unlock()

	m.resolveMatch(pr, msg)
}

func (m *matcher) resolveMatch(pr *postedRecv, msg *inboundMsg) {
	if pr.multi {
		m.complete(pr.op, totalLen(msg.parts), msg.parts, nil)

		return
	}

	payload := msg.parts[0]
	if len(payload) > len(pr.buf) {
		m.complete(pr.op, 0, nil, ErrTruncated)

		return
	}
	n := copy(pr.buf, payload)
	m.complete(pr.op, n, nil, nil)
}

// probe reports whether a message matching tag has arrived and is not yet
// claimed by a posted receive.
func (m *matcher) probe(tag Tag) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.unexpected[tag]) > 0
}

// cancelOwner resolves every receive posted by owner with err. Queued
// unexpected messages are left deliverable: receives posted for messages
// that already arrived may still succeed.
func (m *matcher) cancelOwner(owner Conn, err error) {
	m.mu.Lock()
	var victims []*postedRecv
	for tag, queue := range m.posted {
		kept := queue[:0]
		for _, pr := range queue {
			if pr.owner == owner {
				victims = append(victims, pr)
			} else {
				kept = append(kept, pr)
			}
		}
		if len(kept) == 0 {
			delete(m.posted, tag)
		} else {
			m.posted[tag] = kept
		}
	}
	m.mu.Unlock()

	for _, pr := range victims {
		m.complete(pr.op, 0, nil, err)
	}
}

// wait blocks until completions are ready, the timeout expires or the
// matcher shuts down.
func (m *matcher) wait(timeout time.Duration) WaitState {
	if m.pending() {
		return WaitReady
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-m.notify:
		return WaitReady
	case <-m.shutdown:
		return WaitShutdown
	case <-t.C:
		return WaitTimeout
	}
}

func (m *matcher) pending() bool {
	if m.comp.Len() > 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.overflow) > 0
}

// drain removes and returns every queued completion.
func (m *matcher) drain() []Completion {
	var out []Completion
	for {
		c, ok := m.comp.Dequeue()
		if !ok {
			break
		}
		out = append(out, c)
	}

	m.mu.Lock()
	if len(m.overflow) > 0 {
		out = append(out, m.overflow...)
		m.overflow = nil
	}
	m.mu.Unlock()

	return out
}

// close wakes blocked waiters with WaitShutdown.
func (m *matcher) close() {
	m.once.Do(func() { close(m.shutdown) })
}

// streamWaiter is a stream receive waiting for the next ordered message.
type streamWaiter struct {
	op  *Op
	buf []byte
}

// streamBox is the per-connection ordered, untagged message queue used by
// the handshake transfers.
type streamBox struct {
	mu      sync.Mutex
	m       *matcher
	queue   [][]byte
	waiters []streamWaiter
	failed  error
}

func newStreamBox(m *matcher) *streamBox {
	return &streamBox{m: m}
}

// push delivers one inbound stream message, satisfying the oldest waiter or
// queuing the payload.
func (s *streamBox) push(payload []byte) {
	s.mu.Lock()
	if len(s.waiters) == 0 {
		s.queue = append(s.queue, payload)
		s.mu.Unlock()

		return
	}
	w := s.waiters[0]
	s.waiters = s.waiters[1:]
	s.mu.Unlock()

	s.resolve(w, payload)
}

// pop posts a stream receive, satisfying it from the queue when a message is
// already waiting.
func (s *streamBox) pop(op *Op, buf []byte) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		// Already-arrived messages are served even after a failure; only an
		// empty queue rejects.
		if s.failed != nil {
			err := s.failed
			s.mu.Unlock()
			s.m.complete(op, 0, nil, err)

			return
		}
		s.waiters = append(s.waiters, streamWaiter{op: op, buf: buf})
		s.mu.Unlock()

		return
	}
	payload := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	s.resolve(streamWaiter{op: op, buf: buf}, payload)
}

func (s *streamBox) resolve(w streamWaiter, payload []byte) {
	if len(payload) > len(w.buf) {
		s.m.complete(w.op, 0, nil, ErrTruncated)

		return
	}
	n := copy(w.buf, payload)
	s.m.complete(w.op, n, nil, nil)
}

// fail resolves every waiter with err and rejects future pops. Queued
// messages stay deliverable until then.
func (s *streamBox) fail(err error) {
	s.mu.Lock()
	if s.failed == nil {
		s.failed = err
	}
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, w := range waiters {
		s.m.complete(w.op, 0, nil, err)
	}
}

func totalLen(parts [][]byte) int {
	n := 0
	for _, p := range parts {
		n += len(p)
	}

	return n
}
