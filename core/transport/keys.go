package transport

import (
	"github.com/awnumar/memguard"
)

// keySize is the fixed size of every secret key in this package: the
// derived encryption key and the optional pre-shared authentication key
// (spec.md section 3).
const keySize = 32

// SecretKey is a fixed-size, exclusively-owned 32-byte secret. It is
// backed by a memguard.LockedBuffer so the bytes are mlock'd and wiped on
// Destroy rather than left for the GC to copy around and page out.
// Construction takes ownership of the input slice's contents (they are
// copied into locked memory and the caller's copy is wiped).
type SecretKey struct {
	buf *memguard.LockedBuffer
}

// NewSecretKey copies b (which must be exactly keySize bytes) into locked
// memory. The caller's b is zeroed as a side effect, matching memguard's
// NewBufferFromBytes contract.
func NewSecretKey(b []byte) (*SecretKey, error) {
	if len(b) != keySize {
		return nil, errShortKey
	}
	return &SecretKey{buf: memguard.NewBufferFromBytes(b)}, nil
}

// GenerateSecretKey returns a fresh random SecretKey, used for pre-shared
// authentication keys callers generate out of band.
func GenerateSecretKey() *SecretKey {
	return &SecretKey{buf: memguard.NewBufferRandom(keySize)}
}

// Bytes returns the live, locked-memory-backed key bytes. The returned
// slice must not be retained past the SecretKey's lifetime or mutated.
func (k *SecretKey) Bytes() []byte {
	if k == nil {
		return nil
	}
	return k.buf.Bytes()
}

// Array returns a fixed-size copy suitable for APIs (like
// nacl/secretbox) that require *[32]byte rather than a slice.
func (k *SecretKey) Array() *[keySize]byte {
	var a [keySize]byte
	copy(a[:], k.buf.Bytes())
	return &a
}

// Destroy wipes the key's locked memory. It is safe to call more than
// once; a SecretKey is never mutated after construction (spec.md section
// 3's "immutable after construction" invariant), only destroyed.
func (k *SecretKey) Destroy() {
	if k == nil {
		return
	}
	k.buf.Destroy()
}
