package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the iteration count for key derivation.
	pbkdf2Iterations = 100000
	// cacheFormatVersion is the current on-disk format version.
	cacheFormatVersion = 1
	// saltSize is the size of the PBKDF2 salt.
	saltSize = 32
)

// FileCache is a SessionCache backed by AES-256-GCM encrypted files.
// This gives desktop clients defense-in-depth for cached key material
// even when the filesystem is readable by others. The passphrase is
// stretched with PBKDF2 so brute-forcing it is expensive.
//
// Format per entry file: [version:2][nonce:12][ciphertext+tag:N].
type FileCache struct {
	encryptionKey [32]byte
	dataDir       string
}

// NewFileCache creates an encrypted file-backed session cache rooted
// at dataDir. passphrase should come from the user or a system keyring.
func NewFileCache(dataDir string, passphrase []byte) (*FileCache, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	c := &FileCache{dataDir: dataDir}

	salt, err := c.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derived := pbkdf2.Key(passphrase, salt, pbkdf2Iterations, 32, sha256.New)
	copy(c.encryptionKey[:], derived)
	wipe(derived)

	return c, nil
}

func (c *FileCache) loadOrGenerateSalt() ([]byte, error) {
	saltFile := filepath.Join(c.dataDir, ".salt")

	data, err := os.ReadFile(saltFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}

		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := os.WriteFile(saltFile, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}
		return salt, nil
	}

	if len(data) != saltSize {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), saltSize)
	}
	return data, nil
}

func (c *FileCache) Get(key string) (string, bool, error) {
	data, err := os.ReadFile(c.entryPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	plaintext, err := c.open(data)
	if err != nil {
		return "", false, err
	}
	return string(plaintext), true, nil
}

func (c *FileCache) Set(key, value string) error {
	sealed, err := c.seal([]byte(value))
	if err != nil {
		return err
	}

	// Atomic write via temporary file + rename.
	tmpFile := c.entryPath(key) + ".tmp"
	finalFile := c.entryPath(key)

	if err := os.WriteFile(tmpFile, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpFile, finalFile); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename cache entry: %w", err)
	}
	return nil
}

func (c *FileCache) Delete(key string) error {
	if err := os.Remove(c.entryPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cache entry: %w", err)
	}
	return nil
}

func (c *FileCache) entryPath(key string) string {
	return filepath.Join(c.dataDir, key)
}

func (c *FileCache) seal(plaintext []byte) ([]byte, error) {
	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(out[0:2], cacheFormatVersion)
	copy(out[2:2+len(nonce)], nonce)
	copy(out[2+len(nonce):], ciphertext)
	return out, nil
}

func (c *FileCache) open(data []byte) ([]byte, error) {
	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}

	if len(data) < 2+gcm.NonceSize() {
		return nil, fmt.Errorf("cache entry too short")
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != cacheFormatVersion {
		return nil, fmt.Errorf("unsupported cache format version %d", version)
	}

	nonce := data[2 : 2+gcm.NonceSize()]
	ciphertext := data[2+gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt cache entry: %w", err)
	}
	return plaintext, nil
}

func (c *FileCache) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// wipe overwrites sensitive byte slices after use.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
