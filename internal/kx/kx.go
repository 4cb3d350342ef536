// Package kx implements the ephemeral X25519 Diffie-Hellman handshake that
// seeds a voice session: two peers exchange public keys, then independently
// derive identical AES-128-GCM key material via HKDF-SHA256.
package kx

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// PublicKeySize is the length of an X25519 public key on the wire.
const PublicKeySize = 32

const (
	masterKeyInfo = "SRTP master key"
	saltInfo      = "SRTP master salt"
)

// Exchange holds one side's ephemeral secret. It is consumed exactly once
// by Derive; a second call errors rather than reusing the secret.
type Exchange struct {
	secret [32]byte
	public [32]byte
	used   bool
}

// New generates a fresh ephemeral X25519 keypair.
func New() (*Exchange, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("kx: generate secret: %w", err)
	}

	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("kx: compute public key: %w", err)
	}

	var public [32]byte
	copy(public[:], pub)
	return &Exchange{secret: secret, public: public}, nil
}

// PublicKey returns the 32-byte public key to send to the peer.
func (e *Exchange) PublicKey() [PublicKeySize]byte {
	return e.public
}

// Derive performs the Diffie-Hellman exchange against the peer's public key
// and returns the SRTP master key (16B) and salt (14B) via HKDF-SHA256 with
// empty salt and the shared secret as IKM, expanded separately under the two
// info strings. It consumes the Exchange — a second call returns an error.
func (e *Exchange) Derive(peerPublic [PublicKeySize]byte) (masterKey [16]byte, salt [14]byte, err error) {
	if e.used {
		return masterKey, salt, fmt.Errorf("kx: exchange already consumed")
	}
	e.used = true

	shared, err := curve25519.X25519(e.secret[:], peerPublic[:])
	if err != nil {
		return masterKey, salt, fmt.Errorf("kx: diffie-hellman: %w", err)
	}

	keyReader := hkdf.New(sha256.New, shared, nil, []byte(masterKeyInfo))
	if _, err := io.ReadFull(keyReader, masterKey[:]); err != nil {
		return masterKey, salt, fmt.Errorf("kx: expand master key: %w", err)
	}

	saltReader := hkdf.New(sha256.New, shared, nil, []byte(saltInfo))
	if _, err := io.ReadFull(saltReader, salt[:]); err != nil {
		return masterKey, salt, fmt.Errorf("kx: expand salt: %w", err)
	}

	return masterKey, salt, nil
}
