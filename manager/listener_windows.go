//go:build windows

package manager

import (
	"net"
	"os"

	winio "github.com/Microsoft/go-winio"

	"github.com/chipsenkbeil/distant/core/errs"
)

// securityDescriptor maps the Unix-style permission mode spec.md section 6
// asks for onto the closest SDDL security descriptor for a named pipe: 0600
// restricts to the pipe's owner, 0660 additionally allows authenticated
// users, 0666 allows everyone. Any other mode falls back to owner-only.
func securityDescriptor(mode os.FileMode) string {
	switch mode {
	case 0666:
		return "D:P(A;;GA;;;WD)"
	case 0660:
		return "D:P(A;;GA;;;AU)"
	default:
		return "D:P(A;;GA;;;OW)"
	}
}

// Listen binds the local IPC endpoint to a Windows named pipe at path
// (e.g. `\\.\pipe\distant-manager`) with a security descriptor derived
// from mode (spec.md section 6: "a named pipe with an analogous
// permission selection").
func Listen(path string, mode os.FileMode) (net.Listener, error) {
	ln, err := winio.ListenPipe(path, &winio.PipeConfig{
		SecurityDescriptor: securityDescriptor(mode),
	})
	if err != nil {
		return nil, errs.New(errs.Io, "manager.Listen", err)
	}
	return ln, nil
}
