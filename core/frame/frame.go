// Package frame implements the length-prefixed framing described in
// spec section 4.1 (C1): an 8-byte big-endian length followed by that many
// payload bytes. It is deliberately the thinnest layer in the stack —
// everything above it (encryption, authentication, serialization) is the
// secure transport's job, not the codec's.
package frame

import (
	"encoding/binary"
	"io"

	"github.com/chipsenkbeil/distant/core/errs"
)

const lenPrefixSize = 8

// MaxPayloadSize bounds a single frame's payload to guard against a
// corrupt or hostile length prefix causing an unbounded allocation.
const MaxPayloadSize = 1 << 28 // 256 MiB

// WriteFrame encodes payload as one frame and writes it to w. payload must
// be non-empty; the wire format has no representation for a zero-length
// frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return errs.New(errs.Io, "frame.WriteFrame", io.ErrShortWrite)
	}
	var hdr [lenPrefixSize]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errs.New(errs.Io, "frame.WriteFrame", err)
	}
	if _, err := w.Write(payload); err != nil {
		return errs.New(errs.Io, "frame.WriteFrame", err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r, returning its payload. It
// returns io.EOF (unwrapped) when the carrier closes cleanly with no bytes
// buffered — the caller's receive loop is expected to treat that as a
// normal end of stream, not an error. Any other short read (a close in the
// middle of the length prefix or the payload) is a framing error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [lenPrefixSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errs.New(errs.Io, "frame.ReadFrame", io.ErrUnexpectedEOF)
	}
	n := binary.BigEndian.Uint64(hdr[:])
	if n == 0 {
		return nil, errs.New(errs.Io, "frame.ReadFrame", io.ErrNoProgress)
	}
	if n > MaxPayloadSize {
		return nil, errs.New(errs.Io, "frame.ReadFrame", io.ErrShortBuffer)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errs.New(errs.Io, "frame.ReadFrame", io.ErrUnexpectedEOF)
	}
	return payload, nil
}
