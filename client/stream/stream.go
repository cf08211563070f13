// Package stream implements the shared machinery behind the client-side
// streaming operation drivers (C5): search and watch sessions both
// instantiate this same lifecycle with a Config describing their event,
// start-acknowledgement and terminal-marker message kinds. See spec.md
// section 4.5.
package stream

import (
	"errors"
	"sync"

	charmlog "github.com/charmbracelet/log"
	"gopkg.in/eapache/channels.v1"

	"github.com/chipsenkbeil/distant/core/errs"
	"github.com/chipsenkbeil/distant/core/mailbox"
	"github.com/chipsenkbeil/distant/core/proto"
)

// outQueueSize bounds the consumer-facing channel Next() reads from
// (spec.md section 4.5.1 step 3: "an internal bounded channel exposed to
// the caller as the event stream").
const outQueueSize = 32

// Config parametrizes Start for a concrete streaming operation.
type Config struct {
	// Request is the envelope submitted through the mailbox multiplexer.
	Request *proto.Envelope
	// IsEvent reports whether kind is this operation's streaming-event
	// message type (search results / watch changes).
	IsEvent func(kind string) bool
	// ParseStart attempts to read the start acknowledgement's
	// server-assigned operation id out of env; ok is false if env is not
	// this operation's start ack.
	ParseStart func(env *proto.Envelope) (opID uint64, ok bool)
	// IsTerminal reports whether env is the terminal marker for opID.
	IsTerminal func(env *proto.Envelope, opID uint64) bool
	// Cancel builds the cancellation request envelope for opID.
	Cancel func(opID uint64) *proto.Envelope
}

// Driver is the generic client-side C5 streaming-operation driver common
// to search and watch: submit one request, consume an open-ended stream
// of events until a terminal event, support cancellation.
type Driver struct {
	cfg  Config
	mux  *mailbox.Multiplexer
	mb   *mailbox.Mailbox
	opID uint64

	out     chan *proto.Envelope
	pending *channels.InfiniteChannel
	stopBG  chan struct{}

	stopOnce sync.Once
	logger   *charmlog.Logger
}

var (
	errMailboxClosedBeforeAck = errors.New("stream: mailbox closed before start acknowledgement arrived")
	errUnexpectedResponse     = errors.New("stream: unexpected response type during streaming setup")
)

// Start submits cfg.Request through mux, drains responses until the start
// acknowledgement, queueing any streaming events that arrive first (spec.md
// section 4.5.1 step 2), then spawns the background forwarding task and
// returns the driver. A KindError response, or any response ParseStart does
// not recognize, is a protocol violation that fails Start synchronously.
func Start(mux *mailbox.Multiplexer, cfg Config, logger *charmlog.Logger) (*Driver, error) {
	mb, err := mux.Mail(cfg.Request)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		cfg:     cfg,
		mux:     mux,
		mb:      mb,
		out:     make(chan *proto.Envelope, outQueueSize),
		pending: channels.NewInfiniteChannel(),
		stopBG:  make(chan struct{}),
		logger:  logger,
	}

	for {
		env, ok := mb.Next()
		if !ok {
			mb.Close()
			return nil, errs.New(errs.ProtocolViolation, "stream.Start", errMailboxClosedBeforeAck)
		}
		if env.Kind == proto.KindError {
			mb.Close()
			return nil, errs.New(errs.ProtocolViolation, "stream.Start", errorFromEnvelope(env))
		}
		if cfg.IsEvent(env.Kind) {
			d.pending.In() <- env
			continue
		}
		opID, ok := cfg.ParseStart(env)
		if !ok {
			mb.Close()
			return nil, errs.New(errs.ProtocolViolation, "stream.Start", errUnexpectedResponse)
		}
		d.opID = opID
		break
	}

	go d.feedLoop()
	go d.forwardLoop()
	return d, nil
}

// OperationID returns the server-assigned id for this streaming operation
// (search_id / watch_id).
func (d *Driver) OperationID() uint64 { return d.opID }

// Next returns the next event envelope in arrival order, or false once the
// stream has ended (terminal marker, cancellation, or mailbox close).
// Events queued before the start acknowledgement are always delivered
// before any event received after it (spec.md section 4.5.1's ordering
// guarantee).
func (d *Driver) Next() (*proto.Envelope, bool) {
	env, ok := <-d.out
	return env, ok
}

// Cancel issues the operation's cancellation request to the server exactly
// once and aborts the background task immediately — it does not wait for
// the server's terminal marker (spec.md section 5, "Cancellation
// semantics"; SPEC_FULL.md's "search/watch cancel is fire-and-forget").
func (d *Driver) Cancel() error {
	var sendErr error
	d.stopOnce.Do(func() {
		sendErr = d.mux.Fire(d.cfg.Cancel(d.opID))
		close(d.stopBG)
		d.mb.Close()
	})
	return sendErr
}

// feedLoop is the "background task" of spec.md section 4.5.1 step 4: it
// pulls from the mailbox, forwarding matching events into the pending
// queue, terminating when the terminal marker arrives, the mailbox closes,
// or Cancel() closes the mailbox out from under it.
func (d *Driver) feedLoop() {
	defer d.mb.Close()
	defer d.pending.Close()
	for {
		env, ok := d.mb.Next()
		if !ok {
			return
		}
		if env.Kind == proto.KindError || d.cfg.IsTerminal(env, d.opID) {
			return
		}
		if !d.cfg.IsEvent(env.Kind) {
			if d.logger != nil {
				d.logger.Debugf("stream %d: ignoring unexpected response kind %q", d.opID, env.Kind)
			}
			continue
		}
		select {
		case d.pending.In() <- env:
		case <-d.stopBG:
			return
		}
	}
}

// forwardLoop drains the pending queue into the bounded, consumer-facing
// channel Next() reads from. It is what makes the pre-ack queue invisible
// to the caller: by the time Next() is callable, pending events are
// already flowing into out in arrival order.
func (d *Driver) forwardLoop() {
	defer close(d.out)
	for raw := range d.pending.Out() {
		env, ok := raw.(*proto.Envelope)
		if !ok {
			continue
		}
		select {
		case d.out <- env:
		case <-d.stopBG:
			return
		}
	}
}

func errorFromEnvelope(env *proto.Envelope) error {
	var payload proto.ErrorPayload
	if err := env.Decode(&payload); err != nil || payload.Message == "" {
		return errors.New("stream: server returned an error response")
	}
	return errors.New(payload.Message)
}
