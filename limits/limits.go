// Package limits provides centralized size limits for the relay protocol.
// This ensures consistent validation across the client and server components.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxEncodedCiphertext is the maximum length of a base64-encoded
	// ciphertext accepted by the relay (1 MiB of encoded characters).
	MaxEncodedCiphertext = 1024 * 1024

	// EncryptionOverhead is the overhead added by NaCl box encryption.
	// This is the Poly1305 MAC tag appended by box.Seal(); the nonce
	// (24 bytes) travels separately in the envelope.
	EncryptionOverhead = 16 // golang.org/x/crypto/nacl/box.Overhead

	// NonceSize is the NaCl box nonce length in bytes.
	NonceSize = 24

	// MaxPlaintextMessage is the largest plaintext a client may encrypt.
	// Bounded so the encoded ciphertext always fits MaxEncodedCiphertext.
	MaxPlaintextMessage = MaxEncodedCiphertext/4*3 - EncryptionOverhead

	// MaxFrameSize is the absolute maximum for a single protocol frame.
	// This prevents memory exhaustion from untrusted connections.
	MaxFrameSize = MaxEncodedCiphertext + 4096
)

var (
	// ErrEmpty indicates an empty payload was provided.
	ErrEmpty = errors.New("empty payload")

	// ErrTooLarge indicates a payload exceeds its maximum size.
	ErrTooLarge = errors.New("payload too large")
)

// ValidatePlaintext validates a plaintext message size before encryption.
func ValidatePlaintext(message []byte) error {
	if len(message) == 0 {
		return ErrEmpty
	}
	if len(message) > MaxPlaintextMessage {
		return fmt.Errorf("%w: plaintext size %d exceeds limit %d", ErrTooLarge, len(message), MaxPlaintextMessage)
	}
	return nil
}

// ValidateEncodedCiphertext validates a base64-encoded ciphertext string
// against MaxEncodedCiphertext.
func ValidateEncodedCiphertext(encoded string) error {
	if len(encoded) == 0 {
		return ErrEmpty
	}
	if len(encoded) > MaxEncodedCiphertext {
		return fmt.Errorf("%w: encoded size %d exceeds limit %d", ErrTooLarge, len(encoded), MaxEncodedCiphertext)
	}
	return nil
}

// ValidateFrame validates a raw protocol frame against MaxFrameSize.
// This limit applies to all untrusted input read off a connection.
func ValidateFrame(data []byte) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: frame size %d exceeds limit %d", ErrTooLarge, len(data), MaxFrameSize)
	}
	return nil
}
