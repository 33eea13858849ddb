package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// DirectionSend marks a transfer this node sent.
	DirectionSend = "send"
	// DirectionReceive marks a transfer this node received.
	DirectionReceive = "receive"
)

const (
	TransferStatePending   = "pending"
	TransferStateActive    = "active"
	TransferStateCompleted = "completed"
	TransferStateFailed    = "failed"
)

const (
	// PeerSourceManual is an endpoint entered by the user.
	PeerSourceManual = "manual"
	// PeerSourceDiscovery is an endpoint learned from mDNS.
	PeerSourceDiscovery = "discovery"
	// PeerSourceObserved is an endpoint seen on a successful connection.
	PeerSourceObserved = "observed"
)

// interruptedReason is recorded on transfers left unfinished by a previous run.
const interruptedReason = "interrupted: process exited before completion"

// TransferRecord is the SQLite representation of one transfer in the history.
type TransferRecord struct {
	TransferID       string
	Direction        string
	PeerID           string
	Filename         string
	Filesize         int64
	MimeType         string
	State            string
	BytesTransferred int64
	SinkKind         string
	StoredPath       string
	Checksum         string
	Error            string
	CreatedAt        int64
	UpdatedAt        int64
	CompletedAt      *int64
}

// TransferFilter narrows ListTransfers results.
type TransferFilter struct {
	Direction string
	PeerID    string
	State     string
	Limit     int
	Offset    int
}

// PeerEndpoint is a known dialable address for a peer identity.
type PeerEndpoint struct {
	PeerID                 string
	Address                string
	Source                 string
	AddedTimestamp         int64
	LastSeenTimestamp      *int64
	LastConnectedTimestamp *int64
}

func validateTransferDirection(direction string) error {
	switch direction {
	case DirectionSend, DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferState(state string) error {
	switch state {
	case TransferStatePending, TransferStateActive, TransferStateCompleted, TransferStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer state %q", state)
	}
}

func validatePeerSource(source string) error {
	switch source {
	case PeerSourceManual, PeerSourceDiscovery, PeerSourceObserved:
		return nil
	default:
		return fmt.Errorf("invalid peer source %q", source)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
