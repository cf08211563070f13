package transport

import (
	"crypto/rand"
	"io"

	"github.com/chipsenkbeil/distant/core/frame"
)

// frameWrite/frameRead are thin aliases over core/frame so this package's
// exported surface never leaks the frame package's own error type.
func frameWrite(w io.Writer, payload []byte) error { return frame.WriteFrame(w, payload) }

func frameRead(r io.Reader) ([]byte, error) { return frame.ReadFrame(r) }

// randRead draws cryptographically secure random bytes, used for nonces
// and handshake salts alike.
func randRead(b []byte) (int, error) { return rand.Read(b) }
