package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cipherchat/cipherchat/auth"
	"github.com/cipherchat/cipherchat/directory"
	"github.com/cipherchat/cipherchat/presence"
	"github.com/cipherchat/cipherchat/storage"
	"github.com/cipherchat/cipherchat/wire"
)

type fixture struct {
	registry *presence.Registry
	store    *storage.MemoryStore
	dir      *directory.MemoryDirectory
	router   *Router
}

func newFixture() *fixture {
	f := &fixture{
		registry: presence.NewRegistry(),
		store:    storage.NewMemoryStore(),
		dir:      directory.NewMemoryDirectory(),
	}
	f.router = NewRouter(f.registry, f.store, auth.StaticAuthenticator{}, WithKeyRegistrar(f.dir))
	return f
}

// connect registers a user through the normal announce path. With the
// static authenticator the token is simply the user id.
func (f *fixture) connect(t *testing.T, userID string) *mockConn {
	t.Helper()

	conn := &mockConn{}
	err := f.router.HandleConnect(conn, wire.ConnectAnnounce{
		UserID:      userID,
		DisplayName: strings.ToUpper(userID[:1]) + userID[1:],
		Token:       userID,
	})
	require.NoError(t, err)
	return conn
}

func decodeOne[T any](t *testing.T, ev wire.Event) T {
	t.Helper()
	var payload T
	require.NoError(t, wire.DecodePayload(ev, &payload))
	return payload
}

func TestSendToOnlineUserIsDelivered(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	status, err := f.router.HandleSend(context.Background(), alice, wire.Send{
		SenderID:   "alice",
		ReceiverID: "bob",
		Ciphertext: "Zm9v",
		Nonce:      "YmFy",
	})
	require.NoError(t, err)
	require.Equal(t, wire.StatusDelivered, status)

	// Recipient got a receive event with matching ciphertext/nonce.
	received := bob.eventsOfType(wire.EventReceive)
	require.Len(t, received, 1)
	payload := decodeOne[wire.Receive](t, received[0])
	require.Equal(t, "alice", payload.SenderID)
	require.Equal(t, "bob", payload.ReceiverID)
	require.Equal(t, "Zm9v", payload.Ciphertext)
	require.Equal(t, "YmFy", payload.Nonce)
	require.False(t, payload.CreatedAt.IsZero())

	// Sender got a delivered ack.
	acks := alice.eventsOfType(wire.EventSendAck)
	require.Len(t, acks, 1)
	require.Equal(t, wire.StatusDelivered, decodeOne[wire.SendAck](t, acks[0]).Status)

	// Message persisted regardless of delivery.
	require.Equal(t, 1, f.store.Len())
}

func TestSendToOfflineUserIsStored(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")

	status, err := f.router.HandleSend(context.Background(), alice, wire.Send{
		SenderID:   "alice",
		ReceiverID: "bob",
		Ciphertext: "Zm9v",
		Nonce:      "YmFy",
	})
	require.NoError(t, err)
	require.Equal(t, wire.StatusStored, status)

	acks := alice.eventsOfType(wire.EventSendAck)
	require.Len(t, acks, 1)
	require.Equal(t, wire.StatusStored, decodeOne[wire.SendAck](t, acks[0]).Status)

	require.Equal(t, 1, f.store.Len())
}

func TestNoRetroactivePushOnConnect(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")

	// Bob is offline when alice sends.
	status, err := f.router.HandleSend(context.Background(), alice, wire.Send{
		SenderID:   "alice",
		ReceiverID: "bob",
		Ciphertext: "Zm9v",
		Nonce:      "YmFy",
	})
	require.NoError(t, err)
	require.Equal(t, wire.StatusStored, status)

	// Bob connecting later does not replay the stored message; only
	// future sends are relayed. History comes from the store.
	bob := f.connect(t, "bob")
	require.Empty(t, bob.eventsOfType(wire.EventReceive))
}

func TestSelfSendRejectedBeforePersistence(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")

	_, err := f.router.HandleSend(context.Background(), alice, wire.Send{
		SenderID:   "alice",
		ReceiverID: "alice",
		Ciphertext: "Zm9v",
		Nonce:      "YmFy",
	})
	require.ErrorIs(t, err, ErrValidation)

	// The store must never have been invoked.
	require.Zero(t, f.store.Len())

	// The sender is informed synchronously.
	require.Len(t, alice.eventsOfType(wire.EventError), 1)
	require.Empty(t, alice.eventsOfType(wire.EventSendAck))
}

func TestSendValidation(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")

	cases := []struct {
		name string
		send wire.Send
	}{
		{"missing sender", wire.Send{ReceiverID: "bob", Ciphertext: "Zm9v", Nonce: "YmFy"}},
		{"missing receiver", wire.Send{SenderID: "alice", Ciphertext: "Zm9v", Nonce: "YmFy"}},
		{"empty ciphertext", wire.Send{SenderID: "alice", ReceiverID: "bob", Nonce: "YmFy"}},
		{"bad ciphertext alphabet", wire.Send{SenderID: "alice", ReceiverID: "bob", Ciphertext: "not base64!!", Nonce: "YmFy"}},
		{"empty nonce", wire.Send{SenderID: "alice", ReceiverID: "bob", Ciphertext: "Zm9v"}},
		{"bad nonce alphabet", wire.Send{SenderID: "alice", ReceiverID: "bob", Ciphertext: "Zm9v", Nonce: "###"}},
		{"oversize ciphertext", wire.Send{SenderID: "alice", ReceiverID: "bob", Ciphertext: strings.Repeat("A", 1024*1024+4), Nonce: "YmFy"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.router.HandleSend(context.Background(), alice, tc.send)
			require.ErrorIs(t, err, ErrValidation)
		})
	}

	require.Zero(t, f.store.Len())
}

func TestMaxSizeCiphertextAccepted(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")

	// Exactly at the cap: 1,048,576 encoded characters.
	raw := make([]byte, 1024*1024/4*3)
	encoded := base64.StdEncoding.EncodeToString(raw)
	require.Len(t, encoded, 1024*1024)

	status, err := f.router.HandleSend(context.Background(), alice, wire.Send{
		SenderID:   "alice",
		ReceiverID: "bob",
		Ciphertext: encoded,
		Nonce:      "YmFy",
	})
	require.NoError(t, err)
	require.Equal(t, wire.StatusStored, status)
}

func TestPersistenceFailureFailsSend(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	f.store.AppendErr = errors.New("store unavailable")

	_, err := f.router.HandleSend(context.Background(), alice, wire.Send{
		SenderID:   "alice",
		ReceiverID: "bob",
		Ciphertext: "Zm9v",
		Nonce:      "YmFy",
	})
	require.ErrorIs(t, err, ErrPersistence)

	// No relay without durability, no ack-success.
	require.Empty(t, bob.eventsOfType(wire.EventReceive))
	require.Empty(t, alice.eventsOfType(wire.EventSendAck))
	require.Len(t, alice.eventsOfType(wire.EventError), 1)
}

func TestRoutingFailureDegradesToStored(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	// Bob's connection dies between lookup and push.
	bob.sendErr = errors.New("broken pipe")

	status, err := f.router.HandleSend(context.Background(), alice, wire.Send{
		SenderID:   "alice",
		ReceiverID: "bob",
		Ciphertext: "Zm9v",
		Nonce:      "YmFy",
	})
	require.NoError(t, err, "routing failure after persistence is not an error")
	require.Equal(t, wire.StatusStored, status)
	require.Equal(t, 1, f.store.Len())
}

func TestConnectBroadcastsPresenceOnline(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	f.connect(t, "bob")

	// Alice (already present) hears about bob.
	online := alice.eventsOfType(wire.EventPresenceOnline)
	require.Len(t, online, 1)
	payload := decodeOne[wire.Presence](t, online[0])
	require.Equal(t, "bob", payload.UserID)
	require.Equal(t, "Bob", payload.DisplayName)
	require.False(t, payload.Timestamp.IsZero())
}

func TestReconnectSupersedesAndClosesOldConnection(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	first := f.connect(t, "bob")
	second := f.connect(t, "bob")

	require.True(t, first.isClosed(), "superseded connection must be closed")
	require.False(t, second.isClosed())

	// Messages now route to the new connection.
	status, err := f.router.HandleSend(context.Background(), alice, wire.Send{
		SenderID:   "alice",
		ReceiverID: "bob",
		Ciphertext: "Zm9v",
		Nonce:      "YmFy",
	})
	require.NoError(t, err)
	require.Equal(t, wire.StatusDelivered, status)
	require.Len(t, second.eventsOfType(wire.EventReceive), 1)
}

func TestSupersededDisconnectKeepsUserOnline(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	first := f.connect(t, "bob")
	f.connect(t, "bob")

	// The stale handle disconnecting must not flip bob offline.
	f.router.HandleDisconnect(first)

	require.Empty(t, alice.eventsOfType(wire.EventPresenceOffline))
	_, ok := f.registry.Lookup("bob")
	require.True(t, ok)
}

func TestDisconnectBroadcastsOfflineAndUpdatesLastSeen(t *testing.T) {
	registry := presence.NewRegistry()
	store := storage.NewMemoryStore()

	var lastSeenUser string
	var lastSeenAt time.Time
	router := NewRouter(registry, store, auth.StaticAuthenticator{},
		WithLastSeenHook(func(userID string, at time.Time) {
			lastSeenUser = userID
			lastSeenAt = at
		}))

	alice := &mockConn{}
	require.NoError(t, router.HandleConnect(alice, wire.ConnectAnnounce{UserID: "alice", DisplayName: "Alice", Token: "alice"}))
	bob := &mockConn{}
	require.NoError(t, router.HandleConnect(bob, wire.ConnectAnnounce{UserID: "bob", DisplayName: "Bob", Token: "bob"}))

	router.HandleDisconnect(bob)

	offline := alice.eventsOfType(wire.EventPresenceOffline)
	require.Len(t, offline, 1)
	payload := decodeOne[wire.Presence](t, offline[0])
	require.Equal(t, "bob", payload.UserID)

	require.Equal(t, "bob", lastSeenUser)
	require.False(t, lastSeenAt.IsZero())
}

func TestTypingRelay(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	f.router.HandleTyping(alice, wire.Typing{ReceiverID: "bob"}, wire.EventTyping)
	f.router.HandleTyping(alice, wire.Typing{ReceiverID: "bob"}, wire.EventStopTyping)

	typing := bob.eventsOfType(wire.EventTyping)
	require.Len(t, typing, 1)
	require.Equal(t, "alice", decodeOne[wire.Typing](t, typing[0]).SenderID)

	stop := bob.eventsOfType(wire.EventStopTyping)
	require.Len(t, stop, 1)
	require.Equal(t, "alice", decodeOne[wire.Typing](t, stop[0]).SenderID)

	// Nothing is ever persisted for typing signals.
	require.Zero(t, f.store.Len())
}

func TestTypingToOfflineUserIsNoOp(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")

	f.router.HandleTyping(alice, wire.Typing{ReceiverID: "bob"}, wire.EventTyping)

	// No error, no ack, nothing stored.
	require.Empty(t, alice.eventsOfType(wire.EventSendAck))
	require.Zero(t, f.store.Len())
}

func TestTypingFromUnregisteredConnectionIgnored(t *testing.T) {
	f := newFixture()
	bob := f.connect(t, "bob")

	stranger := &mockConn{}
	f.router.HandleTyping(stranger, wire.Typing{ReceiverID: "bob"}, wire.EventTyping)

	require.Empty(t, bob.eventsOfType(wire.EventTyping))
}

func TestConnectRejectsInvalidToken(t *testing.T) {
	registry := presence.NewRegistry()
	store := storage.NewMemoryStore()

	authenticator, err := auth.NewHMACAuthenticator([]byte("secret"))
	require.NoError(t, err)
	router := NewRouter(registry, store, authenticator)

	conn := &mockConn{}
	err = router.HandleConnect(conn, wire.ConnectAnnounce{UserID: "alice", Token: "forged"})
	require.ErrorIs(t, err, ErrUnauthorized)
	require.True(t, conn.isClosed())
	require.Zero(t, registry.Len())
}

func TestConnectRejectsMismatchedClaim(t *testing.T) {
	registry := presence.NewRegistry()
	store := storage.NewMemoryStore()

	authenticator, err := auth.NewHMACAuthenticator([]byte("secret"))
	require.NoError(t, err)
	router := NewRouter(registry, store, authenticator)

	token, err := authenticator.Issue("mallory", time.Now().Add(time.Hour))
	require.NoError(t, err)

	conn := &mockConn{}
	err = router.HandleConnect(conn, wire.ConnectAnnounce{UserID: "alice", Token: token})
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Zero(t, registry.Len())
}

func TestConnectRegistersPublicKey(t *testing.T) {
	f := newFixture()

	conn := &mockConn{}
	keyB64 := base64.StdEncoding.EncodeToString(make([]byte, 32))
	err := f.router.HandleConnect(conn, wire.ConnectAnnounce{
		UserID:      "alice",
		DisplayName: "Alice",
		Token:       "alice",
		PublicKey:   keyB64,
	})
	require.NoError(t, err)

	key, err := f.dir.GetPublicKey(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, keyB64, base64.StdEncoding.EncodeToString(key[:]))
}

func TestHandleEventDispatch(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	sendEv, err := wire.NewEvent(wire.EventSend, wire.Send{
		SenderID:   "alice",
		ReceiverID: "bob",
		Ciphertext: "Zm9v",
		Nonce:      "YmFy",
	})
	require.NoError(t, err)
	require.NoError(t, f.router.HandleEvent(context.Background(), alice, sendEv))
	require.Len(t, bob.eventsOfType(wire.EventReceive), 1)

	unknown := wire.Event{Type: "no-such-event"}
	require.ErrorIs(t, f.router.HandleEvent(context.Background(), alice, unknown), ErrValidation)
}
