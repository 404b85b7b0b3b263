package domain

import "errors"

var (
	// ErrInvalidEvent is returned when a message body is not a storage event envelope
	ErrInvalidEvent = errors.New("invalid storage event")

	// ErrUnexpectedSource is returned when the envelope comes from another event source
	ErrUnexpectedSource = errors.New("unexpected event source")

	// ErrNoAddress is returned when a running instance has no public address
	ErrNoAddress = errors.New("instance has no public address")

	// ErrInstanceNotFound is returned when the fleet does not know the instance
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrHostKeyMismatch is returned when a pinned host presents a different key
	ErrHostKeyMismatch = errors.New("host key mismatch")

	// ErrRemoteFailure is returned when the remote command wrote to its error stream
	ErrRemoteFailure = errors.New("remote command reported errors")

	// ErrUnsafeObjectKey is returned when an object key does not yield a file
	// name that can be substituted into the command
	ErrUnsafeObjectKey = errors.New("unsafe object key")

	// ErrLedgerClosed is returned by ledgers used after Close
	ErrLedgerClosed = errors.New("ledger closed")
)
