package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/nacl/box"

	"github.com/cipherchat/cipherchat/limits"
)

// NonceSize is the NaCl box nonce length in bytes.
const NonceSize = 24

// Overhead is the number of bytes box encryption appends to the
// plaintext (the Poly1305 authentication tag). Ciphertext length is
// always plaintext length plus Overhead, which leaks approximate
// plaintext length; callers needing length-hiding must pad before
// encrypting.
const Overhead = box.Overhead

// Nonce is a single-use 24-byte value bound to one encryption.
type Nonce [NonceSize]byte

// GenerateNonce creates a cryptographically secure random nonce.
// Every call must produce a fresh value; a nonce is never reused for
// the same key pair, even when a send is retried.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// Encrypt seals a message for the recipient using authenticated
// encryption, generating a fresh random nonce. The ciphertext binds
// the sender's secret key and the recipient's public key; only the
// matching key pair can open it.
func Encrypt(message []byte, recipientPK [PublicKeySize]byte, senderSK [SecretKeySize]byte) ([]byte, Nonce, error) {
	if err := limits.ValidatePlaintext(message); err != nil {
		return nil, Nonce{}, err
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, Nonce{}, err
	}

	encrypted := box.Seal(nil, message, (*[NonceSize]byte)(&nonce), (*[PublicKeySize]byte)(&recipientPK), (*[SecretKeySize]byte)(&senderSK))
	return encrypted, nonce, nil
}

// EncryptWithNonce seals a message with a caller-supplied nonce.
// Exists for deterministic tests; production sends go through Encrypt
// so nonces are always fresh.
func EncryptWithNonce(message []byte, nonce Nonce, recipientPK [PublicKeySize]byte, senderSK [SecretKeySize]byte) ([]byte, error) {
	if err := limits.ValidatePlaintext(message); err != nil {
		return nil, err
	}

	return box.Seal(nil, message, (*[NonceSize]byte)(&nonce), (*[PublicKeySize]byte)(&recipientPK), (*[SecretKeySize]byte)(&senderSK)), nil
}
