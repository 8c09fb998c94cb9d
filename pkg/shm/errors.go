package shm

import "errors"

var (
	// ErrInvalidArgument reports a caller programming error: bad capacity, message type or
	// length, or a claim outside the channel's record range.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrProtocolViolation reports a claim committed or aborted twice, or never claimed.
	ErrProtocolViolation = errors.New("claim protocol violation")
	// ErrIO wraps failures creating, sizing or mapping the backing file.
	ErrIO = errors.New("shared region I/O failure")
	// ErrCorruptRecord is returned by Read when a record header cannot be valid.
	ErrCorruptRecord = errors.New("corrupt record header")
	// ErrClosed is returned by operations on a closed Buffer.
	ErrClosed = errors.New("buffer closed")
	// ErrConsumerRegistered is returned when a second consumer is set on a Buffer.
	ErrConsumerRegistered = errors.New("consumer already registered")
)
