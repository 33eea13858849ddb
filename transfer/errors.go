package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection classifies link open failures and unexpected closes.
	ErrConnection = errors.New("transfer: connection error")
	// ErrProtocolViolation classifies malformed or out-of-sequence messages.
	ErrProtocolViolation = errors.New("transfer: protocol violation")
	// ErrSink classifies destination write and finalize failures.
	ErrSink = errors.New("transfer: sink error")
	// ErrCancelled marks a transfer abandoned by either peer.
	ErrCancelled = errors.New("transfer: cancelled")
	// ErrUnknownTransfer indicates no transfer exists with the given id.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer")
	// ErrDuplicateTransfer indicates a descriptor id already queued.
	ErrDuplicateTransfer = errors.New("transfer: duplicate transfer")
	// ErrSessionStopped indicates the session loop is not running.
	ErrSessionStopped = errors.New("transfer: session stopped")
)

// ConnectionError wraps the cause of a lost link.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return ErrConnection.Error()
	}
	return fmt.Sprintf("%s: %v", ErrConnection, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// ProtocolViolation describes one rejected message. Fatal violations fail
// the transfer; the others only drop the message.
type ProtocolViolation struct {
	TransferID string
	Index      int
	Reason     string
	Fatal      bool
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("%s: transfer %q chunk %d: %s", ErrProtocolViolation, e.TransferID, e.Index, e.Reason)
}

func (e *ProtocolViolation) Is(target error) bool { return target == ErrProtocolViolation }

// SinkError wraps a failed sink operation.
type SinkError struct {
	TransferID string
	Op         string
	Err        error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("%s: transfer %q %s: %v", ErrSink, e.TransferID, e.Op, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

func (e *SinkError) Is(target error) bool { return target == ErrSink }
