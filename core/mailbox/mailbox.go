// Package mailbox implements the request/response multiplexer (C3): a
// per-connection map from request id to mailbox, so many concurrent
// logical operations can share one transport with correct demultiplexing.
// See spec.md section 4.3.
package mailbox

import (
	"sync"

	"github.com/chipsenkbeil/distant/core/proto"
)

// mailboxCapacity bounds the queue of responses a single outstanding
// request may accumulate before the dispatcher blocks delivering more
// (spec.md section 5, "Backpressure").
const mailboxCapacity = 64

// Mailbox is a bounded, ordered queue of responses bound to a single
// outstanding request id (spec.md section 3). It is owned by the caller
// that created it via Multiplexer.Mail; the multiplexer holds only a weak
// route entry pointing back at it.
type Mailbox struct {
	id        uint64
	mux       *Multiplexer
	data      chan *proto.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newMailbox(id uint64, mux *Multiplexer) *Mailbox {
	return &Mailbox{
		id:   id,
		mux:  mux,
		data: make(chan *proto.Envelope, mailboxCapacity),
		done: make(chan struct{}),
	}
}

// ID returns the request id this mailbox is routed from.
func (mb *Mailbox) ID() uint64 { return mb.id }

// Next awaits the next response. It returns ok == false once the mailbox
// has been closed (by the caller or by the dispatcher) and fully drained
// of any responses queued before closing — matching spec.md's ordering
// guarantee that already-enqueued responses are delivered before the
// stream ends.
func (mb *Mailbox) Next() (*proto.Envelope, bool) {
	// Prefer already-buffered data over observing done, so a close that
	// races with pending deliveries never reorders ahead of them.
	select {
	case env := <-mb.data:
		return env, true
	default:
	}
	select {
	case env := <-mb.data:
		return env, true
	case <-mb.done:
		select {
		case env := <-mb.data:
			return env, true
		default:
			return nil, false
		}
	}
}

// Close signals that the caller is done with this mailbox: its route
// entry is removed from the multiplexer and any blocked or future Next
// calls drain remaining buffered responses, then return false. Safe to
// call more than once or concurrently with the dispatcher closing it.
func (mb *Mailbox) Close() {
	mb.mux.removeRoute(mb.id, mb)
	mb.closeOnce.Do(func() { close(mb.done) })
}

// push delivers env to this mailbox, blocking if the queue is full and the
// mailbox has not been closed (spec.md section 5: the dispatcher blocks
// rather than drops when a mailbox is full). It reports whether the
// delivery happened; false means the mailbox was closed concurrently and
// the response should be logged as dropped by the caller.
func (mb *Mailbox) push(env *proto.Envelope) bool {
	select {
	case mb.data <- env:
		return true
	case <-mb.done:
		return false
	}
}

// closeFromDispatcher closes a mailbox without touching the route table —
// used when the dispatcher is tearing down every mailbox at once and
// already owns (and is replacing) the whole route map.
func (mb *Mailbox) closeFromDispatcher() {
	mb.closeOnce.Do(func() { close(mb.done) })
}
