// Command distant-client is a minimal, flag-only binary that dials a
// distant-server, performs the handshake, and bridges the local terminal
// to the remote PTY session: bytes read from stdin are sent as
// pty.stdin envelopes, and pty.stdout envelopes are written to stdout.
// Output formatting beyond that is explicitly out of scope (spec.md
// section 1 Non-goals).
package main

import (
	"flag"
	"io"
	"net"
	"os"

	"github.com/chipsenkbeil/distant/core/log"
	"github.com/chipsenkbeil/distant/core/proto"
	"github.com/chipsenkbeil/distant/core/transport"
)

const (
	kindStdin  = "pty.stdin"
	kindStdout = "pty.stdout"
	kindExit   = "pty.exit"
)

type stdinBody struct{ Data []byte }
type stdoutBody struct{ Data []byte }
type exitBody struct {
	Success bool
	Code    *int
}

func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:7890", "distant-server address to dial")
		logLevel = flag.String("log-level", "WARNING", "DEBUG, INFO, WARNING or ERROR")
	)
	flag.Parse()

	backend := log.NewBackend(*logLevel)
	logger := backend.GetLogger("distant-client")

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		logger.Errorf("dial %s: %v", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	t, err := transport.FromHandshake(conn, *addr, nil)
	if err != nil {
		logger.Errorf("handshake: %v", err)
		os.Exit(1)
	}

	done := make(chan int)
	go readRemote(t, done, logger)
	go writeRemote(t, logger)

	os.Exit(<-done)
}

// readRemote prints every pty.stdout chunk to stdout and exits the
// process with the remote session's exit code once pty.exit arrives.
func readRemote(t *transport.Transport, done chan<- int, logger interface{ Debugf(string, ...interface{}) }) {
	for {
		env, err := t.Receive()
		if err != nil {
			done <- 1
			return
		}
		switch env.Kind {
		case kindStdout:
			var body stdoutBody
			if err := env.Decode(&body); err != nil {
				continue
			}
			os.Stdout.Write(body.Data)
		case kindExit:
			var body exitBody
			if err := env.Decode(&body); err != nil {
				done <- 1
				return
			}
			switch {
			case body.Code != nil:
				done <- *body.Code
			case body.Success:
				done <- 0
			default:
				done <- 1
			}
			return
		default:
			logger.Debugf("ignoring unexpected response kind %q", env.Kind)
		}
	}
}

// writeRemote forwards stdin to the remote PTY as pty.stdin envelopes
// until stdin closes.
func writeRemote(t *transport.Transport, logger interface{ Warningf(string, ...interface{}) }) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			env, packErr := proto.Pack(kindStdin, &stdinBody{Data: chunk})
			if packErr != nil {
				continue
			}
			if sendErr := t.Send(env); sendErr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Warningf("reading stdin: %v", err)
			}
			return
		}
	}
}
