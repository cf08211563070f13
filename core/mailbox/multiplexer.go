package mailbox

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/chipsenkbeil/distant/core/log"
	"github.com/chipsenkbeil/distant/core/proto"
)

// sender is the half of a transport a Multiplexer writes requests to.
// core/transport's Transport, ReadHalf/WriteHalf and even a bare in-memory
// stub all satisfy it for tests.
type sender interface {
	Send(env *proto.Envelope) error
}

// receiver is the half of a transport a Multiplexer's dispatch loop reads
// responses from.
type receiver interface {
	Receive() (*proto.Envelope, error)
}

// Multiplexer sits above a transport and routes inbound responses to the
// mailbox whose outstanding request id matches the response's OriginID
// (spec.md section 4.3). One Multiplexer owns exactly one receiver's
// dispatch loop; a WriteHalf may be shared with other senders since Send
// is safe for concurrent use by construction (core/transport.WriteHalf).
type Multiplexer struct {
	write  sender
	read   receiver
	tag    string
	logger *logging.Logger

	mu     sync.Mutex
	routes map[uint64]*Mailbox
	closed bool

	nextID uint64
}

// New constructs a Multiplexer and starts its dispatch loop in the
// background. The loop runs until read.Receive returns an error (including
// io.EOF on clean close), at which point every outstanding mailbox is
// closed so blocked Next() calls return.
func New(read receiver, write sender, tag string, logBackend *log.Backend) *Multiplexer {
	m := &Multiplexer{
		write:  write,
		read:   read,
		tag:    tag,
		logger: logBackend.GetLogger("mailbox"),
		routes: make(map[uint64]*Mailbox),
	}
	go m.dispatch()
	return m
}

// Mail allocates a fresh request id if req.ID is zero, records a route
// entry before the request is ever written to the wire (so a response
// arriving before Mail returns is still routed correctly, per spec.md
// section 4.3's lifecycle note), sends the request, and returns the
// mailbox. On a send failure the route entry is torn down and the error
// is returned to the caller.
func (m *Multiplexer) Mail(req *proto.Envelope) (*Mailbox, error) {
	if req.ID == 0 {
		req.ID = atomic.AddUint64(&m.nextID, 1)
	}
	mb := newMailbox(req.ID, m)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("mailbox: multiplexer is closed")
	}
	m.routes[req.ID] = mb
	m.mu.Unlock()

	if err := m.write.Send(req); err != nil {
		m.removeRoute(req.ID, mb)
		return nil, err
	}
	return mb, nil
}

// Fire sends req with no mailbox: a fire-and-forget request whose
// responses, if any, are dropped by the dispatcher with a log line
// (spec.md section 4.3).
func (m *Multiplexer) Fire(req *proto.Envelope) error {
	if req.ID == 0 {
		req.ID = atomic.AddUint64(&m.nextID, 1)
	}
	return m.write.Send(req)
}

// removeRoute deletes id's route entry iff it still points at mb (guards
// against a late removeRoute racing a newer mailbox that reused the id,
// which cannot happen with the monotonic counter above but keeps the
// operation safe if callers ever supply their own ids).
func (m *Multiplexer) removeRoute(id uint64, mb *Mailbox) {
	m.mu.Lock()
	if cur, ok := m.routes[id]; ok && cur == mb {
		delete(m.routes, id)
	}
	m.mu.Unlock()
}

// dispatch is the internal loop described in spec.md section 4.3: for
// each inbound response, look up OriginID; if a mailbox exists, push the
// response into it (blocking if full); if none exists, log and discard.
// A receive/decrypt failure is fatal to the whole multiplexer: every
// mailbox is closed and the loop exits without attempting to
// resynchronize the stream.
func (m *Multiplexer) dispatch() {
	for {
		env, err := m.read.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				m.logger.Debugf("%s: dispatch loop exiting cleanly (EOF)", m.tag)
			} else {
				m.logger.Errorf("%s: dispatch loop fatal receive error: %v", m.tag, err)
			}
			m.closeAll()
			return
		}

		m.mu.Lock()
		mb, ok := m.routes[env.OriginID]
		m.mu.Unlock()
		if !ok {
			m.logger.Warningf("%s: dropping response with no route: origin_id=%d", m.tag, env.OriginID)
			continue
		}
		if !mb.push(env) {
			m.logger.Debugf("%s: dropping response for closed mailbox: origin_id=%d", m.tag, env.OriginID)
		}
	}
}

// closeAll tears down every outstanding mailbox, used both when the
// transport closes and as the terminal step of dispatch's error path.
func (m *Multiplexer) closeAll() {
	m.mu.Lock()
	routes := m.routes
	m.routes = make(map[uint64]*Mailbox)
	m.closed = true
	m.mu.Unlock()

	for _, mb := range routes {
		mb.closeFromDispatcher()
	}
}
