package network

import (
	"context"
	"errors"

	"peerdrop/models"
)

var (
	// ErrPeerNotFound indicates no endpoint is known for a peer identity.
	ErrPeerNotFound = errors.New("network: peer not found")
	// ErrSubstrateClosed indicates the substrate was closed.
	ErrSubstrateClosed = errors.New("network: substrate closed")
	// ErrHandleClosed indicates a send on a closed handle.
	ErrHandleClosed = errors.New("network: handle closed")
)

// HandleEventKind enumerates what a Handle reports on its event channel.
type HandleEventKind int

const (
	HandleOpen HandleEventKind = iota
	HandleData
	HandleClose
	HandleError
)

func (k HandleEventKind) String() string {
	switch k {
	case HandleOpen:
		return "open"
	case HandleData:
		return "data"
	case HandleClose:
		return "close"
	case HandleError:
		return "error"
	default:
		return "unknown"
	}
}

// HandleEvent is one open/data/close/error notification from a Handle.
type HandleEvent struct {
	Kind HandleEventKind
	Data []byte
	Err  error
}

// Handle is one point-to-point channel to a remote peer. Messages are
// delivered in send order without duplication. The event channel is closed
// after the handle terminates.
type Handle interface {
	Remote() models.PeerIdentity
	Send(payload []byte) error
	Events() <-chan HandleEvent
	Close() error
}

// SessionEventKind enumerates substrate session notifications.
type SessionEventKind int

const (
	// SessionLost means the local registration dropped and may be restored with Reconnect.
	SessionLost SessionEventKind = iota
	// SessionDestroyed means the substrate can no longer be used.
	SessionDestroyed
)

// SessionEvent reports a change of the local substrate session.
type SessionEvent struct {
	Kind SessionEventKind
	Err  error
}

// Substrate opens Handles to peers addressed by identity.
type Substrate interface {
	// Start registers the local identity and begins accepting inbound handles.
	Start(ctx context.Context, local models.PeerIdentity) error
	// Connect starts opening a handle to remote. The handle reports HandleOpen once usable.
	Connect(ctx context.Context, remote models.PeerIdentity) (Handle, error)
	Incoming() <-chan Handle
	SessionEvents() <-chan SessionEvent
	// Reconnect restores a lost session.
	Reconnect(ctx context.Context) error
	Close() error
}

// Resolver maps a peer identity to a dialable address.
type Resolver interface {
	Resolve(ctx context.Context, peer models.PeerIdentity) (string, error)
}
