package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/cipherchat/cipherchat/limits"
)

func TestGenerateKeyPair(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	if keyPair == nil {
		t.Fatal("GenerateKeyPair() returned nil key pair")
	}

	if isZeroKey(keyPair.Secret) {
		t.Error("GenerateKeyPair() returned zero secret key")
	}

	// Multiple generations must produce different keys.
	keyPair2, _ := GenerateKeyPair()
	if bytes.Equal(keyPair.Public[:], keyPair2.Public[:]) {
		t.Error("Multiple GenerateKeyPair() calls produced identical public keys")
	}
}

func TestFromSecretKey(t *testing.T) {
	original, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	restored, err := FromSecretKey(original.Secret)
	if err != nil {
		t.Fatalf("FromSecretKey() error: %v", err)
	}

	if !bytes.Equal(restored.Public[:], original.Public[:]) {
		t.Error("FromSecretKey() derived a different public key")
	}
}

func TestFromSecretKeyRejectsZero(t *testing.T) {
	if _, err := FromSecretKey([SecretKeySize]byte{}); err == nil {
		t.Fatal("FromSecretKey() accepted an all-zero secret key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()

	cases := []struct {
		name    string
		message []byte
	}{
		{"short", []byte("hi")},
		{"unicode", []byte("héllo wörld éè")},
		{"binary", []byte{0x00, 0xff, 0x10, 0x80}},
		{"large", bytes.Repeat([]byte("a"), 64*1024)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ciphertext, nonce, err := Encrypt(tc.message, bob.Public, alice.Secret)
			if err != nil {
				t.Fatalf("Encrypt() error: %v", err)
			}

			if len(ciphertext) != len(tc.message)+Overhead {
				t.Errorf("ciphertext length = %d, want %d", len(ciphertext), len(tc.message)+Overhead)
			}

			plaintext, err := Decrypt(ciphertext, nonce, alice.Public, bob.Secret)
			if err != nil {
				t.Fatalf("Decrypt() error: %v", err)
			}

			if !bytes.Equal(plaintext, tc.message) {
				t.Errorf("round trip mismatch: got %q, want %q", plaintext, tc.message)
			}
		})
	}
}

func TestEncryptRejectsEmptyMessage(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()

	if _, _, err := Encrypt(nil, bob.Public, alice.Secret); !errors.Is(err, limits.ErrEmpty) {
		t.Errorf("Encrypt(nil) error = %v, want ErrEmpty", err)
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()

	message := []byte("integrity matters")
	ciphertext, nonce, err := Encrypt(message, bob.Public, alice.Secret)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	// Flipping any single byte of the ciphertext must fail
	// authentication, never return corrupted plaintext.
	for i := range ciphertext {
		tampered := make([]byte, len(ciphertext))
		copy(tampered, ciphertext)
		tampered[i] ^= 0x01

		plaintext, err := Decrypt(tampered, nonce, alice.Public, bob.Secret)
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("Decrypt() with byte %d flipped: error = %v, want ErrAuthenticationFailed", i, err)
		}
		if plaintext != nil {
			t.Fatalf("Decrypt() with byte %d flipped returned plaintext", i)
		}
	}
}

func TestDecryptTamperedNonce(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()

	ciphertext, nonce, err := Encrypt([]byte("nonce binding"), bob.Public, alice.Secret)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	for i := range nonce {
		tampered := nonce
		tampered[i] ^= 0x01

		if _, err := Decrypt(ciphertext, tampered, alice.Public, bob.Secret); !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("Decrypt() with nonce byte %d flipped: error = %v, want ErrAuthenticationFailed", i, err)
		}
	}
}

func TestDecryptWrongKeys(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	eve, _ := GenerateKeyPair()

	ciphertext, nonce, err := Encrypt([]byte("for bob only"), bob.Public, alice.Secret)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if _, err := Decrypt(ciphertext, nonce, alice.Public, eve.Secret); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Decrypt() with wrong recipient key: error = %v, want ErrAuthenticationFailed", err)
	}

	if _, err := Decrypt(ciphertext, nonce, eve.Public, bob.Secret); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Decrypt() with wrong sender key: error = %v, want ErrAuthenticationFailed", err)
	}
}

func TestNonceUniqueness(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	message := []byte("same plaintext every time")

	const iterations = 10000
	seen := make(map[Nonce]struct{}, iterations)

	for i := 0; i < iterations; i++ {
		_, nonce, err := Encrypt(message, bob.Public, alice.Secret)
		if err != nil {
			t.Fatalf("Encrypt() iteration %d error: %v", i, err)
		}
		if _, dup := seen[nonce]; dup {
			t.Fatalf("nonce reused at iteration %d", i)
		}
		seen[nonce] = struct{}{}
	}
}

func TestEncryptDeterministicGivenNonce(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	message := []byte("determinism check")

	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce() error: %v", err)
	}

	a, err := EncryptWithNonce(message, nonce, bob.Public, alice.Secret)
	if err != nil {
		t.Fatalf("EncryptWithNonce() error: %v", err)
	}
	b, err := EncryptWithNonce(message, nonce, bob.Public, alice.Secret)
	if err != nil {
		t.Fatalf("EncryptWithNonce() error: %v", err)
	}

	if !bytes.Equal(a, b) {
		t.Error("identical plaintext, nonce, and keys produced different ciphertext")
	}
}

func TestIsValidPublicKey(t *testing.T) {
	keyPair, _ := GenerateKeyPair()

	cases := []struct {
		name    string
		encoded string
		want    bool
	}{
		{"valid key", base64.StdEncoding.EncodeToString(keyPair.Public[:]), true},
		{"not base64", "!!!not-base64!!!", false},
		{"too short", base64.StdEncoding.EncodeToString(make([]byte, 16)), false},
		{"too long", base64.StdEncoding.EncodeToString(make([]byte, 64)), false},
		{"empty", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsValidPublicKey(tc.encoded); got != tc.want {
				t.Errorf("IsValidPublicKey(%q) = %v, want %v", tc.encoded, got, tc.want)
			}
		})
	}
}
