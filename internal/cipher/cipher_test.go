package cipher

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	key := make([]byte, MasterKeySize)
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand key: %v", err)
	}
	if _, err := rand.Read(salt); err != nil {
		t.Fatalf("rand salt: %v", err)
	}
	s, err := New(key, salt, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := newTestSession(t)
	plaintext := []byte("sixteen zero!!!!")

	wire := s.Encrypt(plaintext, 100)
	got, err := s.Decrypt(wire)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, plaintext)
	}
}

func TestReplayRejectsDuplicate(t *testing.T) {
	s := newTestSession(t)
	wire := s.Encrypt([]byte("hello"), 1)

	if _, err := s.Decrypt(wire); err != nil {
		t.Fatalf("first decrypt: %v", err)
	}
	if _, err := s.Decrypt(wire); err != ErrReplay {
		t.Fatalf("second decrypt err = %v, want ErrReplay", err)
	}
}

func TestWindowBreadth(t *testing.T) {
	s := newTestSession(t)

	// Sequences 1..=64 delivered out of order are all accepted exactly once.
	order := []uint32{5, 1, 64, 2, 63, 3, 4, 6}
	seen := make(map[uint32]bool)
	for _, seq := range order {
		seen[seq] = true
	}
	for seq := uint32(1); seq <= 64; seq++ {
		if !seen[seq] {
			order = append(order, seq)
		}
	}

	for _, seq := range order {
		wire := s.Encrypt([]byte("payload"), seq)
		if _, err := s.Decrypt(wire); err != nil {
			t.Fatalf("seq %d rejected: %v", seq, err)
		}
	}

	// Sequence 1 delivered after 65 is too old (diff=64 >= window width).
	old := s.Encrypt([]byte("payload"), 1)
	future := s.Encrypt([]byte("payload"), 65)
	if _, err := s.Decrypt(future); err != nil {
		t.Fatalf("seq 65: %v", err)
	}
	if _, err := s.Decrypt(old); err != ErrReplay {
		t.Fatalf("stale seq 1 err = %v, want ErrReplay", err)
	}
}

func TestDecryptShortPacket(t *testing.T) {
	s := newTestSession(t)
	if _, err := s.Decrypt(make([]byte, 3)); err != ErrShortPacket {
		t.Fatalf("err = %v, want ErrShortPacket", err)
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	s := newTestSession(t)
	wire := s.Encrypt([]byte("hello"), 1)
	wire[len(wire)-1] ^= 0xFF

	if _, err := s.Decrypt(wire); err == nil {
		t.Fatal("expected authentication failure, got nil error")
	}
}

func TestNewRejectsBadKeySizes(t *testing.T) {
	if _, err := New(make([]byte, 15), make([]byte, SaltSize), 1); err == nil {
		t.Fatal("expected error for short master key")
	}
	if _, err := New(make([]byte, MasterKeySize), make([]byte, 13), 1); err == nil {
		t.Fatal("expected error for short salt")
	}
}
