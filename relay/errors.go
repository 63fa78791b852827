package relay

import "errors"

var (
	// ErrValidation indicates a malformed or disallowed send. Nothing
	// is persisted; the sender is informed synchronously.
	ErrValidation = errors.New("validation failed")

	// ErrPersistence indicates the durable store rejected the message.
	// The send fails entirely; no relay is attempted without
	// durability. The client may retry the whole send, which
	// re-encrypts with a fresh nonce.
	ErrPersistence = errors.New("persistence failed")

	// ErrUnauthorized indicates a connection claimed an identity the
	// session authenticator did not validate.
	ErrUnauthorized = errors.New("identity claim rejected")
)
