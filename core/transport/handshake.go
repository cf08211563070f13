package transport

import (
	"errors"
	"io"

	"github.com/cloudflare/circl/dh/x25519"
	"golang.org/x/crypto/argon2"

	"github.com/chipsenkbeil/distant/core/errs"
)

const (
	saltSize = 16

	// Argon2id parameters fixed by spec.md section 4.2: iterations=3,
	// memory=2^16 KiB, output length 32 bytes.
	kdfTime    = 3
	kdfMemory  = 1 << 16
	kdfThreads = 1
	kdfKeyLen  = 32
)

var errInvalidHandshakeFrame = errors.New("transport: handshake frame shorter than salt+public key")

// FromHandshake performs the two-message ECDH exchange of spec.md
// section 4.2 over carrier and returns a Transport holding the derived
// encryption key. authKey, if non-nil, is carried through unchanged (it
// is pre-shared out of band, not negotiated).
func FromHandshake(carrier Carrier, tag string, authKey *SecretKey) (*Transport, error) {
	var priv, pub x25519.Key
	x25519.KeyGen(&pub, &priv)

	var salt [saltSize]byte
	if _, err := randRead(salt[:]); err != nil {
		return nil, errs.New(errs.Encrypt, "transport.FromHandshake", err)
	}

	outgoing := make([]byte, 0, saltSize+len(pub))
	outgoing = append(outgoing, salt[:]...)
	outgoing = append(outgoing, pub[:]...)
	// Write and read concurrently: on an unbuffered carrier such as
	// net.Pipe, two peers that both wrote first would block each other.
	writeErr := make(chan error, 1)
	go func() { writeErr <- frameWrite(carrier, outgoing) }()

	incoming, err := frameRead(carrier)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errs.New(errs.Io, "transport.FromHandshake", io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	if err := <-writeErr; err != nil {
		return nil, err
	}
	if len(incoming) < saltSize+1 {
		return nil, errs.New(errs.Io, "transport.FromHandshake", errInvalidHandshakeFrame)
	}

	var peerSalt [saltSize]byte
	copy(peerSalt[:], incoming[:saltSize])
	peerPubBytes := incoming[saltSize:]
	if len(peerPubBytes) != len(pub) {
		return nil, errs.New(errs.Io, "transport.FromHandshake", errInvalidHandshakeFrame)
	}
	var peerPub x25519.Key
	copy(peerPub[:], peerPubBytes)

	var shared x25519.Key
	ok := x25519.Shared(&shared, &priv, &peerPub)
	if !ok {
		return nil, errs.New(errs.Encrypt, "transport.FromHandshake", errors.New("ecdh produced a low-order shared secret"))
	}

	mixedSalt := xorSalts(salt, peerSalt)
	derived := argon2.IDKey(shared[:], mixedSalt[:], kdfTime, kdfMemory, kdfThreads, kdfKeyLen)

	encKey, err := NewSecretKey(derived)
	if err != nil {
		return nil, errs.New(errs.Encrypt, "transport.FromHandshake", err)
	}
	return New(carrier, tag, encKey, authKey), nil
}

// xorSalts combines the two sides' salts with the fixed symmetric
// function spec.md names explicitly: byte-wise XOR. Being commutative,
// both peers compute the identical mixed salt regardless of which side's
// frame arrived first (spec.md section 8 invariant 2).
func xorSalts(a, b [saltSize]byte) [saltSize]byte {
	var out [saltSize]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}
