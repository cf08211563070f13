// Package manager implements the client-side connection manager described
// in spec.md's overview: it multiplexes several active, authenticated
// server connections and exposes a local IPC endpoint (a Unix domain
// socket or Windows named pipe, spec.md section 6) that short-lived CLI
// invocations connect to instead of dialing and handshaking with the
// server themselves. Local clients are assumed already trusted (same
// machine, filesystem/pipe permission bits do the gatekeeping) so the
// local endpoint speaks plain core/frame framing with no C2 handshake.
package manager

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/chipsenkbeil/distant/core/errs"
	"github.com/chipsenkbeil/distant/core/frame"
	"github.com/chipsenkbeil/distant/core/log"
	"github.com/chipsenkbeil/distant/core/mailbox"
	"github.com/chipsenkbeil/distant/core/proto"
	"github.com/chipsenkbeil/distant/core/transport"
)

// selectKind is the one manager-specific message kind: the first envelope
// a local client sends picks which pooled server connection subsequent
// requests are proxied to. Every other envelope is an opaque request
// forwarded through that connection's mailbox multiplexer untouched — the
// concrete request/response schema is a server concern (spec.md
// Non-goals).
const selectKind = "manager.select"

// Select is the body of a selectKind envelope.
type Select struct {
	Tag string
}

// Dialer establishes a fresh, already-handshaken transport to the server
// identified by tag (an address such as "tcp:10.0.0.1:8080" or
// "unix:/var/run/distant.sock"). Supplied by the caller, since key
// material and carrier choice are outside this package's scope.
type Dialer func(tag string) (*transport.Transport, error)

// Connection is one pooled, authenticated server connection shared across
// however many local clients are currently proxying requests through it.
type Connection struct {
	tag string
	rh  *transport.ReadHalf
	wh  *transport.WriteHalf
	mux *mailbox.Multiplexer

	refs int32
}

// Tag returns the connection's identifying target address.
func (c *Connection) Tag() string { return c.tag }

// Manager pools server connections and serves the local IPC endpoint.
type Manager struct {
	dial       Dialer
	logBackend *log.Backend
	logger     logger

	mu    sync.Mutex
	conns map[string]*Connection
}

type logger interface {
	Debugf(string, ...interface{})
	Warningf(string, ...interface{})
	Errorf(string, ...interface{})
}

// New constructs a Manager. dial is consulted the first time a tag is
// requested; the resulting connection is pooled and reused for every
// subsequent local client that selects the same tag.
func New(dial Dialer, logBackend *log.Backend) *Manager {
	m := &Manager{
		dial:       dial,
		logBackend: logBackend,
		conns:      make(map[string]*Connection),
	}
	if logBackend != nil {
		m.logger = logBackend.GetLogger("manager")
	}
	return m
}

// Connection returns the pooled connection for tag, dialing and handshaking
// a fresh one if this is the first request for it.
func (m *Manager) Connection(tag string) (*Connection, error) {
	m.mu.Lock()
	if c, ok := m.conns[tag]; ok {
		atomic.AddInt32(&c.refs, 1)
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	t, err := m.dial(tag)
	if err != nil {
		dialFailuresTotal.WithLabelValues(tag).Inc()
		if m.logger != nil {
			m.logger.Warningf("dial failed: tag=%s err=%v", tag, err)
		}
		return nil, err
	}
	rh, wh := t.Split()
	c := &Connection{
		tag:  tag,
		rh:   rh,
		wh:   wh,
		mux:  mailbox.New(rh, wh, tag, m.logBackend),
		refs: 1,
	}

	m.mu.Lock()
	if existing, ok := m.conns[tag]; ok {
		// Lost the race against a concurrent first-dial for the same tag;
		// keep the winner, discard ours.
		atomic.AddInt32(&existing.refs, 1)
		m.mu.Unlock()
		rh.Close()
		return existing, nil
	}
	m.conns[tag] = c
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Debugf("dialed and pooled new connection: tag=%s", tag)
	}
	activeConnections.Inc()
	return c, nil
}

// release drops one local client's reference to c. Connections stay
// pooled regardless of refcount — spec.md's "long-lived ... connections"
// — so this only adjusts bookkeeping; closing a connection is an explicit
// operator action via Close or CloseConnection.
func (m *Manager) release(c *Connection) {
	atomic.AddInt32(&c.refs, -1)
}

// CloseConnection tears down and un-pools the connection for tag, if any.
func (m *Manager) CloseConnection(tag string) error {
	m.mu.Lock()
	c, ok := m.conns[tag]
	if ok {
		delete(m.conns, tag)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	activeConnections.Dec()
	return c.rh.Close()
}

// Close tears down every pooled connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		activeConnections.Dec()
		if err := c.rh.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Serve accepts local IPC clients from ln until it returns an error (e.g.
// on Close of the listener). Each accepted connection is handled in its
// own goroutine; Serve itself blocks.
func (m *Manager) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go m.HandleClient(conn)
	}
}

// HandleClient drives one local client connection: reads its selectKind
// envelope, then proxies every subsequent envelope as a request through
// the selected pooled connection's mailbox, forwarding each response back
// to the client in the order it was received. The client connection is
// closed, and every mailbox it opened released, when HandleClient returns.
func (m *Manager) HandleClient(conn net.Conn) {
	activeClients.Inc()
	defer activeClients.Dec()
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(env *proto.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return writePlain(conn, env)
	}

	sel, err := readPlain(conn)
	if err != nil {
		if m.logger != nil {
			m.logger.Debugf("client disconnected before selecting a target: %v", err)
		}
		return
	}
	if sel.Kind != selectKind {
		write(errorEnvelope(0, errors.New("manager: first message must select a target connection")))
		return
	}
	var target Select
	if err := sel.Decode(&target); err != nil {
		write(errorEnvelope(sel.ID, err))
		return
	}

	c, err := m.Connection(target.Tag)
	if err != nil {
		write(errorEnvelope(sel.ID, err))
		return
	}
	defer m.release(c)

	var wg sync.WaitGroup
	defer wg.Wait()

	var opened []*mailbox.Mailbox
	defer func() {
		for _, mb := range opened {
			mb.Close()
		}
	}()

	for {
		req, err := readPlain(conn)
		if err != nil {
			return
		}

		mb, err := c.mux.Mail(req)
		if err != nil {
			write(errorEnvelope(req.ID, err))
			continue
		}
		opened = append(opened, mb)
		requestsTotal.WithLabelValues(c.tag).Inc()
		outstandingMailboxes.Inc()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer outstandingMailboxes.Dec()
			for {
				resp, ok := mb.Next()
				if !ok {
					return
				}
				if err := write(resp); err != nil {
					mb.Close()
					return
				}
			}
		}()
	}
}

func readPlain(r io.Reader) (*proto.Envelope, error) {
	payload, err := frame.ReadFrame(r)
	if err != nil {
		return nil, err
	}
	env := &proto.Envelope{}
	if err := env.Unmarshal(payload); err != nil {
		return nil, errs.New(errs.Serialize, "manager.readPlain", err)
	}
	return env, nil
}

func writePlain(w io.Writer, env *proto.Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return errs.New(errs.Serialize, "manager.writePlain", err)
	}
	return frame.WriteFrame(w, payload)
}

func errorEnvelope(originID uint64, cause error) *proto.Envelope {
	env, _ := proto.Pack(proto.KindError, &proto.ErrorPayload{Message: cause.Error()})
	env.OriginID = originID
	return env
}
