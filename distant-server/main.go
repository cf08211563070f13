// Command distant-server is a minimal, flag-only binary wiring the secure
// transport (C2) to the PTY supervisor (C4): it accepts connections,
// performs the handshake, spawns one PTY per connection running the
// configured shell, and bridges PTY output/input over the transport. The
// concrete request/response schema for filesystem and process operations
// is explicitly out of scope (spec.md section 1 Non-goals; delegated to
// the server implementation), so this binary defines only the handful of
// envelope kinds needed to demonstrate the bridge end to end.
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"strings"

	"github.com/chipsenkbeil/distant/core/log"
	"github.com/chipsenkbeil/distant/core/proto"
	"github.com/chipsenkbeil/distant/core/transport"
	"github.com/chipsenkbeil/distant/server/pty"
)

// Minimal envelope kinds for the PTY input/output bridge. These are not
// part of core/proto because the concrete request surface is a server
// concern, not the transport/mailbox core's.
const (
	kindStdin  = "pty.stdin"
	kindStdout = "pty.stdout"
	kindResize = "pty.resize"
	kindExit   = "pty.exit"
)

type stdinBody struct{ Data []byte }
type stdoutBody struct{ Data []byte }
type resizeBody struct{ Rows, Cols uint16 }
type exitBody struct {
	Success bool
	Code    *int
}

func main() {
	var (
		listenAddr = flag.String("listen", ":7890", `address to listen on, or "ssh" to resolve the bind IP from SSH_CONNECTION`)
		shell      = flag.String("shell", "/bin/sh", "program to spawn as the PTY-backed session")
		logLevel   = flag.String("log-level", "INFO", "DEBUG, INFO, WARNING or ERROR")
	)
	flag.Parse()

	backend := log.NewBackend(*logLevel)
	logger := backend.GetLogger("distant-server")

	addr, err := resolveBindAddr(*listenAddr)
	if err != nil {
		logger.Errorf("resolving listen address: %v", err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Errorf("listen on %s: %v", addr, err)
		os.Exit(1)
	}
	logger.Noticef("listening on %s", ln.Addr())

	go acceptLoop(ln, *shell, backend)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
	ln.Close()
}

// resolveBindAddr implements spec.md section 6's one environment input:
// a bind address of exactly "ssh" is resolved from SSH_CONNECTION's
// third whitespace-separated field (the server-side IP).
func resolveBindAddr(addr string) (string, error) {
	if addr != "ssh" {
		return addr, nil
	}
	fields := strings.Fields(os.Getenv("SSH_CONNECTION"))
	if len(fields) < 3 {
		return "", errMalformedSSHConnection
	}
	return net.JoinHostPort(fields[2], "7890"), nil
}

var errMalformedSSHConnection = &malformedEnvError{"SSH_CONNECTION does not have a third field"}

type malformedEnvError struct{ msg string }

func (e *malformedEnvError) Error() string { return e.msg }

func acceptLoop(ln net.Listener, shell string, backend *log.Backend) {
	logger := backend.GetLogger("distant-server")
	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Debugf("accept loop exiting: %v", err)
			return
		}
		go handleConn(conn, shell, backend)
	}
}

func handleConn(conn net.Conn, shell string, backend *log.Backend) {
	logger := backend.GetLogger("distant-server")
	defer conn.Close()

	t, err := transport.FromHandshake(conn, conn.RemoteAddr().String(), nil)
	if err != nil {
		logger.Warningf("handshake failed: %v", err)
		return
	}

	h, err := pty.Spawn(shell, nil, nil, "", pty.Size{Rows: 24, Cols: 80}, backend)
	if err != nil {
		logger.Errorf("spawn failed: %v", err)
		return
	}

	done := make(chan struct{})
	go bridgeOutbound(t, h, done)
	bridgeInbound(t, h, logger)
	<-done

	status := h.Wait()
	env, _ := proto.Pack(kindExit, &exitBody{Success: status.Success, Code: status.Code})
	t.Send(env)
}

// bridgeOutbound forwards PTY stdout to the transport as kindStdout
// envelopes until the PTY's stdout channel is torn down.
func bridgeOutbound(t *transport.Transport, h *pty.Handle, done chan<- struct{}) {
	defer close(done)
	stdout, ok := h.Stdout()
	if !ok {
		return
	}
	for chunk := range stdout {
		env, err := proto.Pack(kindStdout, &stdoutBody{Data: chunk})
		if err != nil {
			continue
		}
		if err := t.Send(env); err != nil {
			return
		}
	}
}

// bridgeInbound forwards kindStdin/kindResize envelopes from the
// transport into the PTY until the connection closes.
func bridgeInbound(t *transport.Transport, h *pty.Handle, logger interface{ Debugf(string, ...interface{}) }) {
	stdin, ok := h.Stdin()
	for {
		env, err := t.Receive()
		if err != nil {
			return
		}
		switch env.Kind {
		case kindStdin:
			if !ok {
				continue
			}
			var body stdinBody
			if err := env.Decode(&body); err != nil {
				continue
			}
			stdin <- body.Data
		case kindResize:
			var body resizeBody
			if err := env.Decode(&body); err != nil {
				continue
			}
			if err := h.ResizePTY(pty.Size{Rows: body.Rows, Cols: body.Cols}); err != nil {
				logger.Debugf("resize after exit: %v", err)
			}
		}
	}
}
