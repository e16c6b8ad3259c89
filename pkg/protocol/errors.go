package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrFraming marks bytes that could not be assembled into a valid frame.
	// Framing failures are counted by the codec, not returned per occurrence.
	ErrFraming = errors.New("framing error")

	// ErrUnknownCommand marks a command code absent from the catalog.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrTimeout is returned when no matching response arrived in time.
	ErrTimeout = errors.New("timeout")

	// ErrCancelled is returned when the caller's context ended or the
	// session was closed while an operation was pending.
	ErrCancelled = errors.New("cancelled")

	// ErrStreamActive is returned when a request is attempted while the
	// device is in continuous transmission mode.
	ErrStreamActive = errors.New("continuous transmission active")

	// ErrStreamStalled is returned by a stream when no frame arrived within
	// the watchdog interval. It is not terminal.
	ErrStreamStalled = errors.New("stream stalled")

	// ErrNotInitialized is returned when an operation needs data fetched by Init.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrInvalidArgument is returned for requests the device cannot accept.
	ErrInvalidArgument = errors.New("invalid argument")
)

// DecodeError reports a frame whose payload does not fit the expected shape.
type DecodeError struct {
	Command Command
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Command, e.Reason)
}

// NewDecodeError formats a DecodeError.
func NewDecodeError(cmd Command, format string, args ...any) *DecodeError {
	return &DecodeError{Command: cmd, Reason: fmt.Sprintf(format, args...)}
}

// ProtocolError reports a request that still failed after its retransmission.
type ProtocolError struct {
	Command  Command
	Attempts int
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s failed after %d attempts: %v", e.Command, e.Attempts, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IoError reports a failure of the underlying transport. It is fatal to the session.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is or wraps a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// IsIoError reports whether err is or wraps an IoError.
func IsIoError(err error) bool {
	var ie *IoError
	return errors.As(err, &ie)
}
