//go:build !windows

package manager

import (
	"net"
	"os"

	"github.com/chipsenkbeil/distant/core/errs"
)

// Listen binds the local IPC endpoint to a Unix domain socket at path with
// the given permission mode (0600, 0660 or 0666 — spec.md section 6). Any
// stale socket file left by a previous, uncleanly-terminated manager is
// removed first.
func Listen(path string, mode os.FileMode) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errs.New(errs.Io, "manager.Listen", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errs.New(errs.Io, "manager.Listen", err)
	}
	if err := os.Chmod(path, mode); err != nil {
		ln.Close()
		return nil, errs.New(errs.Io, "manager.Listen", err)
	}
	return ln, nil
}
