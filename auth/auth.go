// Package auth defines the session-authentication boundary of the
// relay.
//
// Credential ceremonies (WebAuthn and friends) happen outside this
// system; the relay only consumes a verdict: a token either maps to a
// validated user id or the connection claim is rejected. Identity is
// not revalidated per message.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidToken indicates a token that is malformed, forged, or
// expired.
var ErrInvalidToken = errors.New("invalid session token")

// Authenticator validates the identity claimed by an incoming
// connection before the presence registry trusts it.
type Authenticator interface {
	// Authenticate returns the validated user id for a session token.
	Authenticate(token string) (userID string, err error)
}

// HMACAuthenticator validates self-contained session tokens of the
// form base64(userID|expiryUnix|hex-free HMAC-SHA256). The session
// service shares the signing secret with the relay.
type HMACAuthenticator struct {
	secret []byte
}

// NewHMACAuthenticator creates an authenticator with the shared
// signing secret.
func NewHMACAuthenticator(secret []byte) (*HMACAuthenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret cannot be empty")
	}
	return &HMACAuthenticator{secret: secret}, nil
}

// Issue mints a token for a user, valid until expiry. Exists for the
// daemon's tooling and tests; production tokens come from the session
// service.
func (a *HMACAuthenticator) Issue(userID string, expiry time.Time) (string, error) {
	if userID == "" {
		return "", errors.New("user id cannot be empty")
	}
	if strings.ContainsRune(userID, '|') {
		return "", errors.New("user id cannot contain '|'")
	}

	payload := fmt.Sprintf("%s|%d", userID, expiry.Unix())
	mac := a.sign(payload)
	token := payload + "|" + base64.RawStdEncoding.EncodeToString(mac)
	return base64.StdEncoding.EncodeToString([]byte(token)), nil
}

// Authenticate verifies a token's signature and expiry and returns the
// embedded user id.
func (a *HMACAuthenticator) Authenticate(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalidToken
	}

	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return "", ErrInvalidToken
	}
	userID, expiryPart, macPart := parts[0], parts[1], parts[2]

	mac, err := base64.RawStdEncoding.DecodeString(macPart)
	if err != nil {
		return "", ErrInvalidToken
	}
	expected := a.sign(userID + "|" + expiryPart)
	if !hmac.Equal(mac, expected) {
		return "", ErrInvalidToken
	}

	expiry, err := strconv.ParseInt(expiryPart, 10, 64)
	if err != nil || time.Now().Unix() >= expiry {
		return "", ErrInvalidToken
	}

	return userID, nil
}

func (a *HMACAuthenticator) sign(payload string) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// StaticAuthenticator accepts any token as the identity it names.
// Test use only; it performs no validation whatsoever.
type StaticAuthenticator struct{}

func (StaticAuthenticator) Authenticate(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
