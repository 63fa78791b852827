// Package wire defines the relay protocol events exchanged between
// clients and the server.
//
// Events are JSON frames carrying an event name and a payload object.
// Ciphertext and nonces travel as standard base64 strings; the server
// never sees plaintext.
package wire

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// EventType names a relay protocol event.
type EventType string

const (
	// EventConnectAnnounce is sent by a client after connecting to
	// claim an identity and advertise its encryption public key.
	EventConnectAnnounce EventType = "connect-announce"
	// EventSend carries an encrypted message from sender to server.
	EventSend EventType = "send"
	// EventReceive pushes an encrypted message from server to the
	// recipient's live connection.
	EventReceive EventType = "receive"
	// EventSendAck acknowledges a send to the sender with its
	// delivery status.
	EventSendAck EventType = "send-ack"
	// EventTyping and EventStopTyping are ephemeral typing signals
	// relayed to the peer without persistence or acknowledgment.
	EventTyping     EventType = "typing"
	EventStopTyping EventType = "stop-typing"
	// EventPresenceOnline and EventPresenceOffline are broadcast to
	// all present connections when a user's presence changes.
	EventPresenceOnline  EventType = "presence-online"
	EventPresenceOffline EventType = "presence-offline"
	// EventError reports a rejected request back to the offending
	// connection.
	EventError EventType = "error"
)

// DeliveryStatus is the relay-level outcome returned to a sender once
// the message is persisted and routing has been attempted.
type DeliveryStatus string

const (
	// StatusDelivered means the message was pushed to the
	// recipient's live connection.
	StatusDelivered DeliveryStatus = "delivered"
	// StatusStored means the recipient was offline; the message is
	// durable and retrievable through the history interface.
	StatusStored DeliveryStatus = "stored"
)

// Event is a single protocol frame.
type Event struct {
	Type EventType       `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ConnectAnnounce claims an identity for a fresh connection. Token is
// validated by the session authenticator before the claim is trusted.
// PublicKey advertises the client's encryption key to the directory.
type ConnectAnnounce struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Token       string `json:"token,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
}

// Send is a client-originated encrypted message.
type Send struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

// Receive is a server-pushed encrypted message.
type Receive struct {
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Ciphertext string    `json:"ciphertext"`
	Nonce      string    `json:"nonce"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SendAck is the synchronous acknowledgment for one send.
type SendAck struct {
	Status    DeliveryStatus `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Typing is an ephemeral typing signal. Client-to-server frames name
// the receiver; the relayed frame carries only the sender.
type Typing struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId,omitempty"`
}

// Presence announces a user going online or offline.
type Presence struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Timestamp   time.Time `json:"timestamp"`
}

// Error reports a rejected request.
type Error struct {
	Message string `json:"message"`
}

// NewEvent marshals a payload into an Event frame.
func NewEvent(eventType EventType, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Data: data}, nil
}

// DecodePayload unmarshals an event's payload into the given struct.
func DecodePayload(ev Event, payload interface{}) error {
	if err := json.Unmarshal(ev.Data, payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	return nil
}

// Conn is a live client connection as seen by the relay. Send must be
// safe for concurrent use; Close releases the underlying transport.
type Conn interface {
	Send(ev Event) error
	Close() error
	RemoteAddr() net.Addr
}
