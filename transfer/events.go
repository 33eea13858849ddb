package transfer

import (
	"time"

	"peerdrop/models"
)

// Direction distinguishes outgoing from incoming transfers.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// EventKind classifies session events.
type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventAnnounced EventKind = "announced"
	// EventIncoming asks the presentation layer to surface the receiving view.
	EventIncoming  EventKind = "incoming"
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventLinked    EventKind = "linked"
	EventUnlinked  EventKind = "unlinked"
)

// Event is one observable change in the session.
type Event struct {
	Kind        EventKind
	Direction   Direction
	Peer        models.PeerIdentity
	Descriptor  models.FileDescriptor
	Descriptors []models.FileDescriptor
	Bytes       int64
	Speed       float64
	SinkKind    SinkKind
	Artifact    *models.Artifact
	Err         error
	Time        time.Time
}
