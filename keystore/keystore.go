// Package keystore manages the lifetime of a client session's
// encryption key pair.
//
// Exactly one key pair is live per client session. The secret key is
// persisted only to a session-scoped cache and erased on logout;
// losing the cache means a fresh pair is generated and messages
// encrypted to the old public key become undecryptable. There is no
// key-rotation negotiation.
package keystore

import (
	"encoding/base64"
	"fmt"

	"github.com/cipherchat/cipherchat/crypto"
)

// secretKeyCacheKey names the cache slot holding the base64 secret key.
const secretKeyCacheKey = "nacl_secret_key"

// SessionCache is session-scoped storage for key material. Entries
// must not outlive the session; implementations are not required to
// survive process restarts.
type SessionCache interface {
	// Get returns the cached value and whether it was present.
	Get(key string) (string, bool, error)
	// Set stores or replaces a value.
	Set(key, value string) error
	// Delete removes a value. Deleting an absent key is not an error.
	Delete(key string) error
}

// Load restores a previously saved key pair from the session cache,
// re-deriving the public key from the cached secret. Returns (nil, nil)
// when no pair has been saved.
func Load(cache SessionCache) (*crypto.KeyPair, error) {
	encoded, ok, err := cache.Get(secretKeyCacheKey)
	if err != nil {
		return nil, fmt.Errorf("keystore load: %w", err)
	}
	if !ok {
		return nil, nil
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("keystore load: corrupt cached key: %w", err)
	}
	if len(raw) != crypto.SecretKeySize {
		return nil, fmt.Errorf("keystore load: cached key is %d bytes, want %d", len(raw), crypto.SecretKeySize)
	}

	var secret [crypto.SecretKeySize]byte
	copy(secret[:], raw)

	keyPair, err := crypto.FromSecretKey(secret)
	if err != nil {
		return nil, fmt.Errorf("keystore load: %w", err)
	}
	return keyPair, nil
}

// Save persists the secret half of a key pair to the session cache.
// The public key is not stored; Load re-derives it.
func Save(keyPair *crypto.KeyPair, cache SessionCache) error {
	if keyPair == nil {
		return fmt.Errorf("keystore save: nil key pair")
	}
	encoded := base64.StdEncoding.EncodeToString(keyPair.Secret[:])
	if err := cache.Set(secretKeyCacheKey, encoded); err != nil {
		return fmt.Errorf("keystore save: %w", err)
	}
	return nil
}

// Clear erases all key material from the session cache. Used on
// logout; after Clear, Load returns no key pair.
func Clear(cache SessionCache) error {
	if err := cache.Delete(secretKeyCacheKey); err != nil {
		return fmt.Errorf("keystore clear: %w", err)
	}
	return nil
}

// LoadOrGenerate restores the session key pair, generating and saving
// a fresh one when the cache is empty.
func LoadOrGenerate(cache SessionCache) (*crypto.KeyPair, error) {
	keyPair, err := Load(cache)
	if err != nil {
		return nil, err
	}
	if keyPair != nil {
		return keyPair, nil
	}

	keyPair, err = crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("keystore generate: %w", err)
	}
	if err := Save(keyPair, cache); err != nil {
		return nil, err
	}
	return keyPair, nil
}
