// Package crypto implements the optional per-segment AEAD layer: an X25519
// ephemeral Diffie-Hellman handshake feeding a ChaCha20-Poly1305 session
// used to seal and open whole segment payloads before chunking. Chunking is
// oblivious to encryption; chunks carry ciphertext bytes.
package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the size of an X25519 public or private key, and of the shared
// secret / AEAD key derived from the exchange.
const KeySize = 32

var ErrZeroSharedSecret = errors.New("crypto: ECDH produced an all-zero shared secret")

// KeyPair is an ephemeral X25519 key pair generated fresh for one session;
// it is never reused or persisted.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeyPair creates a new ephemeral X25519 key pair using
// crypto/rand as the entropy source.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret performs the X25519 ECDH computation against a peer's public
// key, returning the raw 32-byte shared secret, which both sides use
// directly as the AEAD key with no further derivation step.
func (kp KeyPair) SharedSecret(peerPublic [KeySize]byte) ([KeySize]byte, error) {
	var secret [KeySize]byte
	out, err := curve25519.X25519(kp.Private[:], peerPublic[:])
	if err != nil {
		return secret, err
	}
	copy(secret[:], out)
	allZero := true
	for _, b := range secret {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return secret, ErrZeroSharedSecret
	}
	return secret, nil
}
