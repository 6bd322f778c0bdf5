package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the size of the AEAD nonce prepended to every sealed
// segment: 8 bytes of little-endian segment id followed by a 4-byte
// intra-session counter.
const NonceSize = chacha20poly1305.NonceSize // 12
const TagSize = chacha20poly1305.Overhead    // 16

var (
	// ErrLengthMismatch is returned by Open when the decrypted plaintext
	// length doesn't match the segment size the receiver was told to
	// expect.
	ErrLengthMismatch = errors.New("crypto: decrypted segment length mismatch")
	// ErrShortCiphertext is returned by Open when the input is too short to
	// contain a nonce and an AEAD tag.
	ErrShortCiphertext = errors.New("crypto: ciphertext shorter than nonce+tag")
)

// Session wraps a derived AEAD key with the counter that guarantees nonce
// uniqueness within the session: each (segment id, counter) pair is used at
// most once. Sealing mutates the counter, so Session is guarded by a mutex.
type Session struct {
	aead    cipher.AEAD
	mu      sync.Mutex
	counter uint32
}

// NewSession constructs an AEAD session from a 32-byte shared secret used
// directly as the ChaCha20-Poly1305 key.
func NewSession(key [KeySize]byte) (*Session, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return &Session{aead: aead}, nil
}

func nonceFor(segmentID uint64, counter uint32) [NonceSize]byte {
	var n [NonceSize]byte
	binary.LittleEndian.PutUint64(n[0:8], segmentID)
	binary.LittleEndian.PutUint32(n[8:12], counter)
	return n
}

// Seal encrypts plaintext (a whole segment payload, sealed before chunking)
// and returns nonce(12) || ciphertext(len+16); the sealed buffer is what
// gets split into chunks.
func (s *Session) Seal(segmentID uint64, plaintext []byte) []byte {
	s.mu.Lock()
	counter := s.counter
	s.counter++
	s.mu.Unlock()

	nonce := nonceFor(segmentID, counter)
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(out, nonce[:])
	return s.aead.Seal(out, nonce[:], plaintext, nil)
}

// Open reverses Seal: it strips the outer nonce, opens the AEAD, and
// rejects any plaintext whose length doesn't match expectedSegmentSize.
func (s *Session) Open(sealed []byte, expectedSegmentSize int) ([]byte, error) {
	if len(sealed) < NonceSize+TagSize {
		return nil, ErrShortCiphertext
	}
	nonce := sealed[:NonceSize]
	ciphertext := sealed[NonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}
	if len(plaintext) != expectedSegmentSize {
		return nil, ErrLengthMismatch
	}
	return plaintext, nil
}

// CallCount reports how many Seal calls have been made so far, for tests
// asserting nonce uniqueness without reaching into internals.
func (s *Session) CallCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}
