// Package cipher implements the per-user AEAD voice session: AES-128-GCM
// encryption keyed by a master key and salt, with a sliding replay window
// guarding decrypt.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

// MasterKeySize and SaltSize are the fixed key-material lengths produced by
// the key exchange (package kx) and consumed here.
const (
	MasterKeySize = 16
	SaltSize      = 14
	tagSize       = 16
	seqHeaderSize = 4
)

// ErrShortPacket indicates a payload too short to contain a sequence prefix
// and an AEAD tag.
var ErrShortPacket = errors.New("cipher: payload shorter than seq+tag")

// Session is the per-user SRTP-style AEAD state: an immutable key and salt
// plus an interior-mutable replay window. It is safe for concurrent use —
// Encrypt is stateless, Decrypt serializes through the replay window's own
// mutex.
type Session struct {
	aead      cipher.AEAD
	salt      [SaltSize]byte
	sessionID uint32
	replay    replayWindow
}

// New constructs a Session from 16-byte master key and 14-byte salt, as
// produced by kx.Derive. sessionID is carried only for logging.
func New(masterKey, salt []byte, sessionID uint32) (*Session, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("cipher: master key must be %d bytes", MasterKeySize)
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("cipher: salt must be %d bytes", SaltSize)
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("cipher: new AES block: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher: new GCM: %w", err)
	}

	s := &Session{aead: aead, sessionID: sessionID}
	copy(s.salt[:], salt)
	return s, nil
}

// deriveNonce builds the 12-byte AES-GCM nonce from the first 12 bytes of
// the salt, XORed in its last 4 bytes with the big-endian sequence.
func (s *Session) deriveNonce(seq uint32) [12]byte {
	var nonce [12]byte
	copy(nonce[:], s.salt[:12])

	var seqBytes [4]byte
	binary.BigEndian.PutUint32(seqBytes[:], seq)
	nonce[8] ^= seqBytes[0]
	nonce[9] ^= seqBytes[1]
	nonce[10] ^= seqBytes[2]
	nonce[11] ^= seqBytes[3]
	return nonce
}

// Encrypt seals plaintext under seq and returns the wire payload:
// seq32(4B big-endian) || aead_ciphertext_with_tag. Stateless with respect
// to the replay window.
func (s *Session) Encrypt(plaintext []byte, seq uint32) []byte {
	nonce := s.deriveNonce(seq)
	sealed := s.aead.Seal(nil, nonce[:], plaintext, nil)

	out := make([]byte, seqHeaderSize+len(sealed))
	binary.BigEndian.PutUint32(out[:seqHeaderSize], seq)
	copy(out[seqHeaderSize:], sealed)
	return out
}

// Decrypt parses the seq32 prefix, checks it against the replay window, and
// opens the AEAD payload. On any failure the packet must be dropped by the
// caller; the session itself is left intact.
func (s *Session) Decrypt(wire []byte) ([]byte, error) {
	if len(wire) < seqHeaderSize+tagSize {
		return nil, ErrShortPacket
	}

	seq := binary.BigEndian.Uint32(wire[:seqHeaderSize])
	if err := s.replay.accept(uint64(seq)); err != nil {
		return nil, err
	}

	nonce := s.deriveNonce(seq)
	plaintext, err := s.aead.Open(nil, nonce[:], wire[seqHeaderSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("cipher: open session %d: %w", s.sessionID, err)
	}
	return plaintext, nil
}
