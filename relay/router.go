// Package relay implements the message routing core of the server.
//
// The router consumes inbound connection events, persists ciphertext
// envelopes before acknowledging them, consults the presence registry
// to push messages to live recipients, and relays ephemeral typing
// signals. Plaintext never appears here; the router moves opaque
// base64 ciphertext between connections and storage.
package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cipherchat/cipherchat/limits"
	"github.com/cipherchat/cipherchat/presence"
	"github.com/cipherchat/cipherchat/storage"
	"github.com/cipherchat/cipherchat/wire"
)

// KeyRegistrar records encryption public keys advertised at connect
// time. Implemented by the directory service.
type KeyRegistrar interface {
	SetPublicKeyBase64(userID, encoded string) error
}

// Authenticator validates the identity claimed by a connection. See
// the auth package.
type Authenticator interface {
	Authenticate(token string) (userID string, err error)
}

// Router routes encrypted envelopes between live connections and
// durable storage.
type Router struct {
	registry *presence.Registry
	store    storage.MessageStore
	auth     Authenticator
	keys     KeyRegistrar

	// lastSeen, when set, is invoked after a live connection's
	// disconnect so the session layer can update last-seen metadata.
	lastSeen func(userID string, at time.Time)
}

// Option configures a Router.
type Option func(*Router)

// WithKeyRegistrar wires a directory that receives public keys from
// connect announcements.
func WithKeyRegistrar(keys KeyRegistrar) Option {
	return func(r *Router) { r.keys = keys }
}

// WithLastSeenHook wires the session layer's last-seen update.
func WithLastSeenHook(hook func(userID string, at time.Time)) Option {
	return func(r *Router) { r.lastSeen = hook }
}

// NewRouter creates a router over the given registry, store, and
// authenticator.
func NewRouter(registry *presence.Registry, store storage.MessageStore, authenticator Authenticator, opts ...Option) *Router {
	r := &Router{
		registry: registry,
		store:    store,
		auth:     authenticator,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleEvent dispatches one inbound connection event. The transport
// calls this serially per connection, in arrival order; events from
// different connections may interleave.
func (r *Router) HandleEvent(ctx context.Context, conn wire.Conn, ev wire.Event) error {
	switch ev.Type {
	case wire.EventConnectAnnounce:
		var announce wire.ConnectAnnounce
		if err := wire.DecodePayload(ev, &announce); err != nil {
			return r.reject(conn, err)
		}
		return r.HandleConnect(conn, announce)

	case wire.EventSend:
		var send wire.Send
		if err := wire.DecodePayload(ev, &send); err != nil {
			return r.reject(conn, err)
		}
		_, err := r.HandleSend(ctx, conn, send)
		return err

	case wire.EventTyping, wire.EventStopTyping:
		var typing wire.Typing
		if err := wire.DecodePayload(ev, &typing); err != nil {
			return r.reject(conn, err)
		}
		r.HandleTyping(conn, typing, ev.Type)
		return nil

	default:
		return r.reject(conn, fmt.Errorf("%w: unknown event %q", ErrValidation, ev.Type))
	}
}

// HandleConnect validates an identity claim and registers the
// connection as the user's live route. A prior connection for the same
// user is superseded and proactively closed.
func (r *Router) HandleConnect(conn wire.Conn, announce wire.ConnectAnnounce) error {
	userID, err := r.auth.Authenticate(announce.Token)
	if err != nil {
		r.reject(conn, fmt.Errorf("%w: %v", ErrUnauthorized, err))
		conn.Close()
		return ErrUnauthorized
	}
	if userID != announce.UserID {
		r.reject(conn, fmt.Errorf("%w: token is not for %q", ErrUnauthorized, announce.UserID))
		conn.Close()
		return ErrUnauthorized
	}

	if r.keys != nil && announce.PublicKey != "" {
		if err := r.keys.SetPublicKeyBase64(userID, announce.PublicKey); err != nil {
			return r.reject(conn, fmt.Errorf("%w: %v", ErrValidation, err))
		}
	}

	evicted := r.registry.Register(userID, announce.DisplayName, conn)
	if evicted != nil {
		// The superseded connection would otherwise linger believing
		// it still holds the active route.
		evicted.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "HandleConnect",
		"user_id":  userID,
	}).Info("User joined")

	r.broadcast(wire.EventPresenceOnline, wire.Presence{
		UserID:      userID,
		DisplayName: announce.DisplayName,
		Timestamp:   time.Now().UTC(),
	}, userID)

	return nil
}

// HandleSend persists an encrypted envelope and attempts to route it
// to the recipient's live connection. The returned status is also sent
// to the sender as a send-ack event.
func (r *Router) HandleSend(ctx context.Context, conn wire.Conn, send wire.Send) (wire.DeliveryStatus, error) {
	if err := validateSend(send); err != nil {
		return "", r.reject(conn, err)
	}

	// Durability before acknowledgment: a crash after this point must
	// not lose the message, even if routing fails.
	_, err := r.store.Append(ctx, storage.Record{
		SenderID:   send.SenderID,
		ReceiverID: send.ReceiverID,
		Ciphertext: send.Ciphertext,
		Nonce:      send.Nonce,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleSend",
			"sender":   send.SenderID,
			"receiver": send.ReceiverID,
			"error":    err,
		}).Error("Failed to persist message")
		r.reject(conn, fmt.Errorf("%w: %v", ErrPersistence, err))
		return "", ErrPersistence
	}

	createdAt := time.Now().UTC()
	status := wire.StatusStored

	if recipient, ok := r.registry.Lookup(send.ReceiverID); ok {
		receive, err := wire.NewEvent(wire.EventReceive, wire.Receive{
			SenderID:   send.SenderID,
			ReceiverID: send.ReceiverID,
			Ciphertext: send.Ciphertext,
			Nonce:      send.Nonce,
			CreatedAt:  createdAt,
		})
		if err != nil {
			return "", err
		}

		// A push failure after successful persistence degrades to
		// stored rather than erroring; the message is safe in storage.
		if err := recipient.Send(receive); err == nil {
			status = wire.StatusDelivered
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "HandleSend",
				"receiver": send.ReceiverID,
				"error":    err,
			}).Warn("Routing failed after persistence, degrading to stored")
		}
	}

	ack, err := wire.NewEvent(wire.EventSendAck, wire.SendAck{
		Status:    status,
		CreatedAt: createdAt,
	})
	if err != nil {
		return status, err
	}
	if err := conn.Send(ack); err != nil {
		// The sender vanished mid-send; the message is persisted and
		// routed, nothing to roll back.
		logrus.WithFields(logrus.Fields{
			"function": "HandleSend",
			"sender":   send.SenderID,
			"error":    err,
		}).Warn("Failed to acknowledge send")
	}

	logrus.WithFields(logrus.Fields{
		"function": "HandleSend",
		"sender":   send.SenderID,
		"receiver": send.ReceiverID,
		"status":   status,
	}).Info("Message relayed")

	return status, nil
}

// HandleTyping relays an ephemeral typing signal to the receiver's
// live connection. No persistence, no acknowledgment; a no-op when the
// sender is unregistered or the receiver absent.
func (r *Router) HandleTyping(conn wire.Conn, typing wire.Typing, eventType wire.EventType) {
	sender, ok := r.registry.UserOf(conn)
	if !ok {
		return
	}

	recipient, ok := r.registry.Lookup(typing.ReceiverID)
	if !ok {
		return
	}

	ev, err := wire.NewEvent(eventType, wire.Typing{SenderID: sender.UserID})
	if err != nil {
		return
	}
	// Fire and forget.
	recipient.Send(ev)
}

// HandleDisconnect removes a connection from the registry. Only the
// currently registered handle flips its user offline; a superseded
// handle's disconnect changes nothing.
func (r *Router) HandleDisconnect(conn wire.Conn) {
	userID, displayName, wasLive := r.registry.Unregister(conn)
	if !wasLive {
		return
	}

	now := time.Now().UTC()
	if r.lastSeen != nil {
		r.lastSeen(userID, now)
	}

	logrus.WithFields(logrus.Fields{
		"function": "HandleDisconnect",
		"user_id":  userID,
	}).Info("User disconnected")

	r.broadcast(wire.EventPresenceOffline, wire.Presence{
		UserID:      userID,
		DisplayName: displayName,
		Timestamp:   now,
	}, userID)
}

// broadcast sends a presence event to every present connection except
// the subject user's own.
func (r *Router) broadcast(eventType wire.EventType, payload wire.Presence, exceptUserID string) {
	ev, err := wire.NewEvent(eventType, payload)
	if err != nil {
		return
	}

	for _, entry := range r.registry.Snapshot() {
		if entry.UserID == exceptUserID {
			continue
		}
		entry.Conn.Send(ev)
	}
}

// reject informs the offending connection and returns the error.
func (r *Router) reject(conn wire.Conn, err error) error {
	if ev, evErr := wire.NewEvent(wire.EventError, wire.Error{Message: err.Error()}); evErr == nil {
		conn.Send(ev)
	}
	return err
}

// validateSend checks a send payload before anything is persisted.
func validateSend(send wire.Send) error {
	if send.SenderID == "" || send.ReceiverID == "" {
		return fmt.Errorf("%w: sender and receiver are required", ErrValidation)
	}
	if send.SenderID == send.ReceiverID {
		return fmt.Errorf("%w: cannot send a message to yourself", ErrValidation)
	}

	// The relay treats ciphertext and nonce as opaque: it checks the
	// base64 alphabet and the size cap, not decoded lengths.
	if err := limits.ValidateEncodedCiphertext(send.Ciphertext); err != nil {
		return fmt.Errorf("%w: ciphertext: %v", ErrValidation, err)
	}
	if _, err := base64.StdEncoding.DecodeString(send.Ciphertext); err != nil {
		return fmt.Errorf("%w: ciphertext is not valid base64", ErrValidation)
	}

	if send.Nonce == "" {
		return fmt.Errorf("%w: nonce is required", ErrValidation)
	}
	if _, err := base64.StdEncoding.DecodeString(send.Nonce); err != nil {
		return fmt.Errorf("%w: nonce is not valid base64", ErrValidation)
	}

	return nil
}
