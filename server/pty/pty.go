// Package pty implements the PTY-backed process supervisor (C4): it spawns
// a child attached to a pseudo-terminal and bridges its blocking I/O to
// async byte-chunk channels, exposing kill, resize and wait. See spec.md
// section 4.4. The PTY allocation itself is delegated to creack/pty, the
// dependency the retrieved corpus's container-runtime examples (moby-moby)
// carry for exactly this purpose — the teacher (katzenpost) has no PTY
// dependency of its own.
package pty

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"

	"github.com/chipsenkbeil/distant/core/errs"
	"github.com/chipsenkbeil/distant/core/log"
)

const (
	readChunkSize  = 16 * 1024
	readPause      = 50 * time.Millisecond
	stdinQueueSize = 16
	stdoutQueueSize = 16
)

// Size is a PTY's terminal geometry: character rows/cols plus the optional
// pixel dimensions some clients report (spec.md section 4.4).
type Size struct {
	Rows, Cols               uint16
	PixelWidth, PixelHeight  uint16
}

func (s Size) toWinsize() *creackpty.Winsize {
	return &creackpty.Winsize{Rows: s.Rows, Cols: s.Cols, X: s.PixelWidth, Y: s.PixelHeight}
}

func fromWinsize(ws *creackpty.Winsize) Size {
	return Size{Rows: ws.Rows, Cols: ws.Cols, PixelWidth: ws.X, PixelHeight: ws.Y}
}

// ExitStatus is a process handle's terminal state (spec.md section 8,
// invariant 8: a success exit with no explicit numeric code normalizes to
// code Some(0)).
type ExitStatus struct {
	Success bool
	Code    *int
}

var errBrokenPipe = errors.New("pty: master has been released")

// master is the shared, reference-counted PTY master resource a Handle and
// any of its clones observe through a weak-handle-style accessor: once
// released, every accessor returns a broken-pipe-class error rather than
// touching freed state (spec.md section 3's "dropped exactly once" PTY
// master invariant).
type master struct {
	mu sync.Mutex
	f  *os.File
}

// MasterHandle is a clonable, weak reference to a spawned process's PTY
// master. Every clone shares the same underlying resource, so releasing it
// (done once, by Handle.Wait) is immediately visible to every outstanding
// clone (spec.md section 3, section 4.4 "clone_pty").
type MasterHandle struct {
	m *master
}

// Size reports the PTY's current geometry, or false if the master has
// already been released.
func (h *MasterHandle) Size() (Size, bool) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if h.m.f == nil {
		return Size{}, false
	}
	ws, err := creackpty.GetsizeFull(h.m.f)
	if err != nil {
		return Size{}, false
	}
	return fromWinsize(ws), true
}

// Resize changes the PTY's geometry, or returns a broken-pipe-class error
// if the master has already been released.
func (h *MasterHandle) Resize(size Size) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if h.m.f == nil {
		return errs.New(errs.BrokenPipe, "pty.Resize", errBrokenPipe)
	}
	if err := creackpty.Setsize(h.m.f, size.toWinsize()); err != nil {
		return errs.New(errs.Io, "pty.Resize", err)
	}
	return nil
}

// Clone returns a detached handle sharing the same underlying master
// resource (spec.md section 4.4 "clone_pty").
func (h *MasterHandle) Clone() *MasterHandle { return &MasterHandle{m: h.m} }

func (m *master) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f != nil {
		m.f.Close()
		m.f = nil
	}
}

// Killer is a detached handle that can request termination of a process
// without holding the full Handle (spec.md section 4.4 "clone_killer").
type Killer struct {
	h *Handle
}

// Kill requests termination of the underlying process.
func (k *Killer) Kill() { k.h.Kill() }

// Handle is a PTY-backed process: spec.md section 3's "process handle"
// specialized with a PTY master. stderr is always unavailable since a PTY
// merges the child's stdout and stderr onto one stream.
type Handle struct {
	id uint64

	mu          sync.Mutex
	stdin       chan []byte
	stdout      chan []byte
	stdinTaken  bool
	stdoutTaken bool

	killCh   chan struct{}
	killOnce sync.Once

	exitDone   chan struct{}
	exitStatus ExitStatus

	master *master
	cmd    *exec.Cmd
	log    *log.Backend
	logger logger
}

type logger interface {
	Errorf(string, ...interface{})
	Debugf(string, ...interface{})
}

// Spawn starts program under a freshly allocated pseudo-terminal sized to
// size, with args/env/cwd applied to the child. Spawn errors (PTY
// allocation or child exec failure) propagate synchronously; runtime I/O
// errors afterward are logged and surfaced as channel closure (spec.md
// section 4.4 "Failure model").
func Spawn(program string, args []string, env map[string]string, cwd string, size Size, logBackend *log.Backend) (*Handle, error) {
	cmd := exec.Command(program, args...)
	if cwd != "" {
		cmd.Dir = cwd
	}
	if env != nil {
		environ := make([]string, 0, len(env))
		for k, v := range env {
			environ = append(environ, k+"="+v)
		}
		cmd.Env = environ
	}

	f, err := creackpty.StartWithSize(cmd, size.toWinsize())
	if err != nil {
		return nil, errs.New(errs.Io, "pty.Spawn", err)
	}

	h := &Handle{
		id:       randomID(),
		stdin:    make(chan []byte, stdinQueueSize),
		stdout:   make(chan []byte, stdoutQueueSize),
		killCh:   make(chan struct{}),
		exitDone: make(chan struct{}),
		master:   &master{f: f},
		cmd:      cmd,
		log:      logBackend,
	}
	if logBackend != nil {
		h.logger = logBackend.GetLogger("pty")
	}

	var ioWG sync.WaitGroup
	ioWG.Add(2)
	go h.readLoop(&ioWG)
	go h.writeLoop(&ioWG)
	go h.superviseLoop(&ioWG)

	return h, nil
}

// ID returns the handle's random 64-bit identifier, stable for its life.
func (h *Handle) ID() uint64 { return h.id }

// Stdin returns the channel used to write bytes into the child's
// terminal, or false if it has already been taken.
func (h *Handle) Stdin() (chan<- []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdinTaken {
		return nil, false
	}
	return h.stdin, true
}

// TakeStdin moves the stdin channel out of the handle; subsequent calls to
// Stdin or TakeStdin return false.
func (h *Handle) TakeStdin() (chan<- []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdinTaken {
		return nil, false
	}
	h.stdinTaken = true
	return h.stdin, true
}

// Stdout returns the channel of byte chunks read from the child's
// terminal, or false if it has already been taken.
func (h *Handle) Stdout() (<-chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdoutTaken {
		return nil, false
	}
	return h.stdout, true
}

// TakeStdout moves the stdout channel out of the handle; subsequent calls
// to Stdout or TakeStdout return false.
func (h *Handle) TakeStdout() (<-chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdoutTaken {
		return nil, false
	}
	h.stdoutTaken = true
	return h.stdout, true
}

// Stderr is always unavailable for PTY-backed processes: the PTY merges
// stdout and stderr onto a single stream (spec.md section 4.4).
func (h *Handle) Stderr() (<-chan []byte, bool) { return nil, false }

// Kill requests termination of the child. Wait then resolves with a killed
// status regardless of whether the kill or a natural exit wins the race
// (spec.md section 5, "Cancellation semantics").
func (h *Handle) Kill() {
	h.killOnce.Do(func() { close(h.killCh) })
}

// CloneKiller returns a detached handle that can Kill this process without
// holding the Handle itself.
func (h *Handle) CloneKiller() *Killer { return &Killer{h: h} }

// PTYSize reports the PTY's current geometry, or false if the master has
// already been released (i.e. Wait has returned).
func (h *Handle) PTYSize() (Size, bool) {
	return (&MasterHandle{m: h.master}).Size()
}

// ResizePTY changes the PTY's geometry, or returns a broken-pipe-class
// error if the master has already been released.
func (h *Handle) ResizePTY(size Size) error {
	return (&MasterHandle{m: h.master}).Resize(size)
}

// ClonePTY returns a detached, weak handle to this process's PTY master.
func (h *Handle) ClonePTY() *MasterHandle { return &MasterHandle{m: h.master} }

// Wait awaits the child's exit, releasing the PTY master and the stdin
// forwarder and awaiting the stdout forwarder, per spec.md section 4.4.
func (h *Handle) Wait() ExitStatus {
	<-h.exitDone
	return h.exitStatus
}

func (h *Handle) superviseLoop(ioWG *sync.WaitGroup) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- h.cmd.Wait() }()

	select {
	case err := <-waitCh:
		h.exitStatus = exitStatusFromWait(h.cmd, err)
	case <-h.killCh:
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		<-waitCh
		h.exitStatus = ExitStatus{Success: false}
	}

	// Releasing the master unblocks the read loop (next Read sees a
	// closed fd) and unblocks the write loop's in-flight Write, if any.
	h.master.release()

	h.mu.Lock()
	stdin := h.stdin
	h.mu.Unlock()
	close(stdin)

	ioWG.Wait()
	close(h.exitDone)
}

func exitStatusFromWait(cmd *exec.Cmd, err error) ExitStatus {
	if err == nil {
		code := 0
		if cmd.ProcessState != nil {
			if c := cmd.ProcessState.ExitCode(); c >= 0 {
				code = c
			}
		}
		return ExitStatus{Success: true, Code: &code}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		status := ExitStatus{Success: code == 0}
		if code >= 0 {
			c := code
			status.Code = &c
		}
		return status
	}
	return ExitStatus{Success: false}
}

// readLoop bridges the blocking PTY master reader into the async stdout
// channel: fixed 16 KiB chunks, a short pause between reads, terminating
// on EOF, on a read error, or once the master has been released (spec.md
// section 4.4 "Read loop"). Each send blocks until the consumer takes the
// chunk, so stdout that is never read stalls the loop.
func (h *Handle) readLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(h.stdout)

	buf := make([]byte, readChunkSize)
	for {
		h.master.mu.Lock()
		f := h.master.f
		h.master.mu.Unlock()
		if f == nil {
			return
		}

		n, err := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.stdout <- chunk
		}
		if err != nil {
			if isWouldBlock(err) {
				time.Sleep(readPause)
				continue
			}
			if h.logger != nil && !isExpectedPTYClose(err) {
				h.logger.Debugf("pty %d: read loop ending: %v", h.id, err)
			}
			return
		}
		time.Sleep(readPause)
	}
}

// writeLoop bridges the async stdin channel into the blocking PTY master
// writer: receives whole chunks and writes them whole, terminating on
// channel close or write error (spec.md section 4.4 "Write loop").
func (h *Handle) writeLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	for chunk := range h.stdin {
		h.master.mu.Lock()
		f := h.master.f
		h.master.mu.Unlock()
		if f == nil {
			return
		}
		if _, err := f.Write(chunk); err != nil {
			if h.logger != nil {
				h.logger.Debugf("pty %d: write loop ending: %v", h.id, err)
			}
			return
		}
	}
}

// isWouldBlock reports whether err is the transient "try again" class of
// error a non-blocking read/write can produce (spec.md section 4.4: "on
// WouldBlock, pause and retry").
func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, os.ErrDeadlineExceeded)
}

// isExpectedPTYClose reports whether err is the ordinary way a PTY master
// signals the child has exited and the slave side is gone (EOF, or EIO on
// Linux when the slave has been closed) — not worth a log line on its own,
// since the supervise loop's exit-status publication already reports it.
func isExpectedPTYClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO)
}

func randomID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is a programmer-visible environment
		// failure, not a recoverable runtime condition.
		panic("pty: failed to read random process id: " + err.Error())
	}
	return binary.BigEndian.Uint64(b[:])
}
