// Command distant-manager is a minimal, flag-only binary that runs the
// connection manager: it pools authenticated connections to whichever
// distant-server address each local client selects, and exposes a local
// IPC endpoint that short-lived tool invocations connect to instead of
// dialing and handshaking themselves (spec.md sections 1 and 6).
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"

	"github.com/chipsenkbeil/distant/core/log"
	"github.com/chipsenkbeil/distant/core/transport"
	"github.com/chipsenkbeil/distant/manager"
)

func main() {
	var (
		socketPath = flag.String("socket", "/tmp/distant-manager.sock", "local IPC endpoint path (Unix socket path, or pipe name on Windows)")
		modeFlag   = flag.Uint("mode", 0600, "local IPC endpoint permission bits: 0600, 0660 or 0666")
		logLevel   = flag.String("log-level", "INFO", "DEBUG, INFO, WARNING or ERROR")
	)
	flag.Parse()

	backend := log.NewBackend(*logLevel)
	logger := backend.GetLogger("distant-manager")

	dial := func(tag string) (*transport.Transport, error) {
		conn, err := net.Dial("tcp", tag)
		if err != nil {
			return nil, err
		}
		return transport.FromHandshake(conn, tag, nil)
	}

	m := manager.New(dial, backend)
	defer m.Close()

	ln, err := manager.Listen(*socketPath, os.FileMode(*modeFlag))
	if err != nil {
		logger.Errorf("listen on %s: %v", *socketPath, err)
		os.Exit(1)
	}
	logger.Noticef("listening on %s", *socketPath)

	go func() {
		if err := m.Serve(ln); err != nil {
			logger.Debugf("serve loop exiting: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
	ln.Close()
}
