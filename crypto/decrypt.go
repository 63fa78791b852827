package crypto

import (
	"errors"

	"golang.org/x/crypto/nacl/box"
)

// ErrAuthenticationFailed indicates the authentication tag did not
// verify. Tampered ciphertext, a wrong key, and a wrong nonce are
// deliberately indistinguishable; no plaintext is ever returned on
// failure. Retrying with the same inputs cannot succeed.
var ErrAuthenticationFailed = errors.New("decryption failed: message authentication failed")

// Decrypt opens a sealed message using authenticated encryption.
func Decrypt(ciphertext []byte, nonce Nonce, senderPK [PublicKeySize]byte, recipientSK [SecretKeySize]byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}

	decrypted, ok := box.Open(nil, ciphertext, (*[NonceSize]byte)(&nonce), (*[PublicKeySize]byte)(&senderPK), (*[SecretKeySize]byte)(&recipientSK))
	if !ok {
		return nil, ErrAuthenticationFailed
	}

	return decrypted, nil
}
