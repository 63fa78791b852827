// Package crypto implements the end-to-end encryption primitives for
// cipherchat.
//
// This package handles key generation, authenticated encryption, and
// decryption using the NaCl box construction through Go's x/crypto
// packages. All operations here run on the client side; secret keys
// never reach the relay server.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", base64.StdEncoding.EncodeToString(keys.Public[:]))
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// PublicKeySize is the length of a Curve25519 public key in bytes.
const PublicKeySize = 32

// SecretKeySize is the length of a Curve25519 secret key in bytes.
const SecretKeySize = 32

// KeyPair represents a NaCl crypto_box key pair owned by one client
// session. The secret half must never cross the trust boundary into
// server code.
type KeyPair struct {
	Public [PublicKeySize]byte
	Secret [SecretKeySize]byte
}

// GenerateKeyPair creates a new random NaCl key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, secretKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Public: *publicKey,
		Secret: *secretKey,
	}, nil
}

// FromSecretKey reconstructs a key pair from an existing secret key,
// deriving the public half. Used when restoring a cached session key.
func FromSecretKey(secretKey [SecretKeySize]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	publicKey, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{Secret: secretKey}
	copy(kp.Public[:], publicKey)
	return kp, nil
}

// IsValidPublicKey reports whether a base64-encoded key decodes to
// exactly 32 bytes.
func IsValidPublicKey(encoded string) bool {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}
	return len(key) == PublicKeySize
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [SecretKeySize]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
