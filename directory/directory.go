// Package directory exposes the public-key directory the relay and
// clients consult to address encryption.
//
// The authoritative user database lives outside this system; this
// package defines the narrow lookup interface consumed here and an
// in-memory implementation fed by connect announcements.
package directory

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/cipherchat/cipherchat/crypto"
)

// ErrNotFound indicates no public key is registered for a user.
var ErrNotFound = errors.New("public key not found")

// Directory resolves a user id to their registered encryption key.
type Directory interface {
	GetPublicKey(ctx context.Context, userID string) ([crypto.PublicKeySize]byte, error)
}

// MemoryDirectory is a mutable in-memory Directory. The relay feeds it
// from connect-announce events; each user has exactly one registered
// key at a time.
type MemoryDirectory struct {
	mu   sync.Mutex
	keys map[string][crypto.PublicKeySize]byte
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{keys: make(map[string][crypto.PublicKeySize]byte)}
}

func (d *MemoryDirectory) GetPublicKey(ctx context.Context, userID string) ([crypto.PublicKeySize]byte, error) {
	if err := ctx.Err(); err != nil {
		return [crypto.PublicKeySize]byte{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key, ok := d.keys[userID]
	if !ok {
		return [crypto.PublicKeySize]byte{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return key, nil
}

// SetPublicKey registers or replaces a user's encryption key.
func (d *MemoryDirectory) SetPublicKey(userID string, key [crypto.PublicKeySize]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.keys[userID] = key
}

// SetPublicKeyBase64 registers a key from its wire encoding.
func (d *MemoryDirectory) SetPublicKeyBase64(userID, encoded string) error {
	if !crypto.IsValidPublicKey(encoded) {
		return fmt.Errorf("invalid public key for %s", userID)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid public key for %s: %w", userID, err)
	}

	var key [crypto.PublicKeySize]byte
	copy(key[:], raw)
	d.SetPublicKey(userID, key)
	return nil
}
