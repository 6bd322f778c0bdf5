package crypto

import (
	"bytes"
	"testing"
)

func handshake(t *testing.T) (*Session, *Session) {
	t.Helper()
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	secretA, err := a.SharedSecret(b.Public)
	if err != nil {
		t.Fatal(err)
	}
	secretB, err := b.SharedSecret(a.Public)
	if err != nil {
		t.Fatal(err)
	}
	if secretA != secretB {
		t.Fatal("ECDH shared secrets disagree")
	}
	sa, err := NewSession(secretA)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := NewSession(secretB)
	if err != nil {
		t.Fatal(err)
	}
	return sa, sb
}

func TestSealOpenRoundTrip(t *testing.T) {
	sender, receiver := handshake(t)
	plaintext := bytes.Repeat([]byte{0x42}, 65536)

	sealed := sender.Seal(7, plaintext)
	got, err := receiver.Open(sealed, len(plaintext))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("round trip plaintext mismatch")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	sender, receiver := handshake(t)
	sealed := sender.Seal(1, []byte("hello, segment"))
	sealed[len(sealed)-1] ^= 0xFF
	if _, err := receiver.Open(sealed, len("hello, segment")); err == nil {
		t.Fatal("expected AEAD tag failure on tampered ciphertext")
	}
}

func TestOpenRejectsLengthMismatch(t *testing.T) {
	sender, receiver := handshake(t)
	sealed := sender.Seal(1, []byte("hello, segment"))
	if _, err := receiver.Open(sealed, 999); err != ErrLengthMismatch {
		t.Fatalf("got %v, want ErrLengthMismatch", err)
	}
}

func TestNoncesAreUnique(t *testing.T) {
	sender, _ := handshake(t)
	seen := map[[NonceSize]byte]bool{}
	for seg := uint64(0); seg < 20; seg++ {
		for i := 0; i < 5; i++ {
			sealed := sender.Seal(seg, []byte("x"))
			var n [NonceSize]byte
			copy(n[:], sealed[:NonceSize])
			if seen[n] {
				t.Fatalf("nonce collision at segment %d call %d", seg, i)
			}
			seen[n] = true
		}
	}
}
