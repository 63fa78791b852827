// Package cipherchat provides the user-facing client for the
// cipherchat end-to-end encrypted messaging relay.
//
// A Client owns one session's key pair, encrypts outgoing messages
// before they leave the process, and decrypts incoming ciphertext on
// arrival. The relay server in between only ever sees sealed
// envelopes.
//
// Example:
//
//	c, err := cipherchat.New("alice", "Alice", cipherchat.Options{Directory: dir})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	c.OnMessage(func(senderID string, plaintext []byte, at time.Time) {
//	    fmt.Printf("%s: %s\n", senderID, plaintext)
//	})
//	if err := c.Connect(addr, token); err != nil {
//	    log.Fatal(err)
//	}
//	status, err := c.SendMessage(ctx, "bob", []byte("hello"))
package cipherchat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cipherchat/cipherchat/crypto"
	"github.com/cipherchat/cipherchat/directory"
	"github.com/cipherchat/cipherchat/keystore"
	"github.com/cipherchat/cipherchat/transport"
	"github.com/cipherchat/cipherchat/wire"
)

// ErrNotConnected indicates an operation that needs a live relay
// connection was called before Connect.
var ErrNotConnected = errors.New("not connected to relay")

// Options configures a Client.
type Options struct {
	// Cache holds the session key pair. Defaults to an in-memory
	// cache lasting for the process lifetime.
	Cache keystore.SessionCache

	// Directory resolves peers' encryption public keys.
	Directory directory.Directory
}

// MessageCallback receives a decrypted incoming message.
type MessageCallback func(senderID string, plaintext []byte, createdAt time.Time)

// DecryptFailureCallback is invoked when an incoming envelope fails
// authentication. The message is dropped, never retried; the UI layer
// may show a placeholder.
type DecryptFailureCallback func(senderID string, err error)

// PresenceCallback reports a peer going online or offline.
type PresenceCallback func(userID, displayName string, online bool)

// TypingCallback reports a peer starting or stopping typing.
type TypingCallback func(senderID string, typing bool)

// Client is one user's chat session.
type Client struct {
	userID      string
	displayName string
	keyPair     *crypto.KeyPair
	cache       keystore.SessionCache
	dir         directory.Directory

	mu   sync.Mutex
	conn *transport.Conn
	acks chan wire.SendAck

	// sendMu serializes sends so each ack pairs with the send that
	// triggered it.
	sendMu sync.Mutex

	onMessage        MessageCallback
	onDecryptFailure DecryptFailureCallback
	onPresence       PresenceCallback
	onTyping         TypingCallback
}

// New creates a client session for userID, restoring the session key
// pair from the cache or generating a fresh one.
func New(userID, displayName string, opts Options) (*Client, error) {
	if userID == "" {
		return nil, errors.New("user id cannot be empty")
	}
	if opts.Directory == nil {
		return nil, errors.New("directory is required")
	}

	cache := opts.Cache
	if cache == nil {
		cache = keystore.NewMemoryCache()
	}

	keyPair, err := keystore.LoadOrGenerate(cache)
	if err != nil {
		return nil, err
	}

	return &Client{
		userID:      userID,
		displayName: displayName,
		keyPair:     keyPair,
		cache:       cache,
		dir:         opts.Directory,
	}, nil
}

// PublicKeyBase64 returns the session public key in its wire encoding.
func (c *Client) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(c.keyPair.Public[:])
}

// OnMessage registers the decrypted-message callback.
func (c *Client) OnMessage(cb MessageCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = cb
}

// OnDecryptFailure registers the authentication-failure callback.
func (c *Client) OnDecryptFailure(cb DecryptFailureCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDecryptFailure = cb
}

// OnPresence registers the presence-change callback.
func (c *Client) OnPresence(cb PresenceCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPresence = cb
}

// OnTyping registers the typing-signal callback.
func (c *Client) OnTyping(cb TypingCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTyping = cb
}

// Connect dials the relay, announces this client's identity and
// public key, and starts receiving events.
func (c *Client) Connect(addr, token string) error {
	conn, err := transport.Dial(addr)
	if err != nil {
		return err
	}

	announce, err := wire.NewEvent(wire.EventConnectAnnounce, wire.ConnectAnnounce{
		UserID:      c.userID,
		DisplayName: c.displayName,
		Token:       token,
		PublicKey:   c.PublicKeyBase64(),
	})
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.Send(announce); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.acks = make(chan wire.SendAck, 1)
	c.mu.Unlock()

	go c.readLoop(conn)

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"user_id":  c.userID,
		"relay":    addr,
	}).Info("Connected to relay")

	return nil
}

// SendMessage encrypts plaintext for the recipient and sends it
// through the relay, returning the relay's delivery status. Each
// attempt encrypts afresh, so a retry never reuses a nonce.
func (c *Client) SendMessage(ctx context.Context, receiverID string, plaintext []byte) (wire.DeliveryStatus, error) {
	c.mu.Lock()
	conn, acks := c.conn, c.acks
	c.mu.Unlock()
	if conn == nil {
		return "", ErrNotConnected
	}

	recipientKey, err := c.dir.GetPublicKey(ctx, receiverID)
	if err != nil {
		return "", fmt.Errorf("resolve recipient key: %w", err)
	}

	ciphertext, nonce, err := crypto.Encrypt(plaintext, recipientKey, c.keyPair.Secret)
	if err != nil {
		return "", fmt.Errorf("encrypt message: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	send, err := wire.NewEvent(wire.EventSend, wire.Send{
		SenderID:   c.userID,
		ReceiverID: receiverID,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce[:]),
	})
	if err != nil {
		return "", err
	}
	if err := conn.Send(send); err != nil {
		return "", err
	}

	select {
	case ack := <-acks:
		return ack.Status, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SetTyping relays a typing signal to the peer. Fire and forget.
func (c *Client) SetTyping(receiverID string, typing bool) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	eventType := wire.EventTyping
	if !typing {
		eventType = wire.EventStopTyping
	}
	ev, err := wire.NewEvent(eventType, wire.Typing{
		SenderID:   c.userID,
		ReceiverID: receiverID,
	})
	if err != nil {
		return err
	}
	return conn.Send(ev)
}

// Close disconnects from the relay, keeping the session key pair.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Logout disconnects and erases the session key material. Messages
// encrypted to this session's public key become undecryptable.
func (c *Client) Logout() error {
	if err := c.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Logout",
			"error":    err,
		}).Warn("Close during logout failed")
	}
	return keystore.Clear(c.cache)
}

func (c *Client) readLoop(conn *transport.Conn) {
	for {
		ev, err := conn.Receive()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"user_id":  c.userID,
			}).Debug("Relay connection closed")
			return
		}
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev wire.Event) {
	c.mu.Lock()
	onMessage := c.onMessage
	onDecryptFailure := c.onDecryptFailure
	onPresence := c.onPresence
	onTyping := c.onTyping
	acks := c.acks
	c.mu.Unlock()

	switch ev.Type {
	case wire.EventReceive:
		var payload wire.Receive
		if err := wire.DecodePayload(ev, &payload); err != nil {
			return
		}
		c.handleReceive(payload, onMessage, onDecryptFailure)

	case wire.EventSendAck:
		var ack wire.SendAck
		if err := wire.DecodePayload(ev, &ack); err != nil {
			return
		}
		select {
		case acks <- ack:
		default:
		}

	case wire.EventPresenceOnline, wire.EventPresenceOffline:
		if onPresence == nil {
			return
		}
		var payload wire.Presence
		if err := wire.DecodePayload(ev, &payload); err != nil {
			return
		}
		onPresence(payload.UserID, payload.DisplayName, ev.Type == wire.EventPresenceOnline)

	case wire.EventTyping, wire.EventStopTyping:
		if onTyping == nil {
			return
		}
		var payload wire.Typing
		if err := wire.DecodePayload(ev, &payload); err != nil {
			return
		}
		onTyping(payload.SenderID, ev.Type == wire.EventTyping)

	case wire.EventError:
		var payload wire.Error
		if err := wire.DecodePayload(ev, &payload); err != nil {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"user_id":  c.userID,
			"message":  payload.Message,
		}).Warn("Relay rejected a request")
	}
}

func (c *Client) handleReceive(payload wire.Receive, onMessage MessageCallback, onDecryptFailure DecryptFailureCallback) {
	fail := func(err error) {
		logrus.WithFields(logrus.Fields{
			"function": "handleReceive",
			"sender":   payload.SenderID,
			"error":    err,
		}).Warn("Dropping undecryptable message")
		if onDecryptFailure != nil {
			onDecryptFailure(payload.SenderID, err)
		}
	}

	senderKey, err := c.dir.GetPublicKey(context.Background(), payload.SenderID)
	if err != nil {
		fail(err)
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		fail(fmt.Errorf("ciphertext encoding: %w", err))
		return
	}
	rawNonce, err := base64.StdEncoding.DecodeString(payload.Nonce)
	if err != nil || len(rawNonce) != crypto.NonceSize {
		fail(fmt.Errorf("%w: malformed nonce", crypto.ErrAuthenticationFailed))
		return
	}
	var nonce crypto.Nonce
	copy(nonce[:], rawNonce)

	plaintext, err := crypto.Decrypt(ciphertext, nonce, senderKey, c.keyPair.Secret)
	if err != nil {
		fail(err)
		return
	}

	if onMessage != nil {
		onMessage(payload.SenderID, plaintext, payload.CreatedAt)
	}
}
