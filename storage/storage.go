// Package storage implements the durable ciphertext log backing the
// relay.
//
// The server persists every accepted message before acknowledging it;
// a crash after Append must not lose the message. Records hold only
// ciphertext and nonces as base64 strings, never plaintext.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates no record exists with the given id.
	ErrNotFound = errors.New("message not found")
)

// Record is one persisted message envelope.
type Record struct {
	ID         string    `cbor:"id" json:"id"`
	SenderID   string    `cbor:"senderId" json:"senderId"`
	ReceiverID string    `cbor:"receiverId" json:"receiverId"`
	Ciphertext string    `cbor:"ciphertext" json:"ciphertext"`
	Nonce      string    `cbor:"nonce" json:"nonce"`
	IsRead     bool      `cbor:"isRead" json:"isRead"`
	Deleted    bool      `cbor:"deleted" json:"deleted"`
	CreatedAt  time.Time `cbor:"createdAt" json:"createdAt"`
	UpdatedAt  time.Time `cbor:"updatedAt" json:"updatedAt"`
}

// MessageStore is the narrow durable-log interface the relay consumes.
type MessageStore interface {
	// Append persists a record, assigning its id and timestamps, and
	// returns the id. Records for one sender-receiver pair are stored
	// in the order Append is called.
	Append(ctx context.Context, rec Record) (string, error)

	// MarkRead flags the given records as read by their recipient.
	// Unknown ids are skipped.
	MarkRead(ctx context.Context, ids []string) error

	// SoftDelete hides a record from history without destroying it.
	SoftDelete(ctx context.Context, id string) error

	// Conversation returns up to limit non-deleted records between two
	// users, newest first. A non-zero before restricts results to
	// records created strictly earlier, for pagination.
	Conversation(ctx context.Context, userA, userB string, limit int, before time.Time) ([]Record, error)
}
