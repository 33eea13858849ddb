package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"peerdrop/models"
	"peerdrop/network"
)

// IncomingState is the lifecycle of one incoming transfer.
type IncomingState string

const (
	IncomingWaiting   IncomingState = "waiting"
	IncomingReceiving IncomingState = "receiving"
	IncomingReceived  IncomingState = "received"
	IncomingFailed    IncomingState = "failed"
)

// IncomingTransfer is the receiver-side state of one announced file.
type IncomingTransfer struct {
	Descriptor    models.FileDescriptor
	SinkKind      SinkKind
	Sink          Sink
	NextIndex     int
	BytesReceived int64
	State         IncomingState
	Tracker       *Tracker
	Artifact      *models.Artifact
	Err           error
}

func (t *IncomingTransfer) terminal() bool {
	return t.State == IncomingReceived || t.State == IncomingFailed
}

// SinkFactory builds the sink for a transfer once its kind is chosen.
type SinkFactory func(kind SinkKind, descriptor models.FileDescriptor) Sink

// ReceiverOptions configures Receiver.
type ReceiverOptions struct {
	// SelectSink runs once per transfer when its metadata arrives.
	SelectSink func() SinkKind
	NewSink    SinkFactory
	Clock      Clock
	Emit       func(Event)
	Logger     *logrus.Entry
}

// Receiver owns the transfer table of incoming files.
type Receiver struct {
	options   ReceiverOptions
	log       *logrus.Entry
	transfers map[string]*IncomingTransfer
}

// NewReceiver creates a receiver with an empty transfer table.
func NewReceiver(options ReceiverOptions) *Receiver {
	if options.SelectSink == nil {
		options.SelectSink = func() SinkKind { return SinkMemory }
	}
	if options.NewSink == nil {
		options.NewSink = func(_ SinkKind, descriptor models.FileDescriptor) Sink {
			return NewBoundedBufferSink(descriptor, DefaultBufferSize)
		}
	}
	if options.Emit == nil {
		options.Emit = func(Event) {}
	}
	log := options.Logger
	if log == nil {
		log = logrus.WithField("component", "receiver")
	}
	return &Receiver{
		options:   options,
		log:       log,
		transfers: make(map[string]*IncomingTransfer),
	}
}

// HandleMetadata creates a waiting transfer per unknown descriptor. Zero-byte
// files finalize immediately.
func (r *Receiver) HandleMetadata(ctx context.Context, msg network.MetadataMessage) error {
	descriptors, err := msg.Descriptors()
	if err != nil {
		violation := &ProtocolViolation{Reason: err.Error()}
		r.log.WithError(violation).Warn("dropping metadata")
		return violation
	}

	var created []*IncomingTransfer
	for _, descriptor := range descriptors {
		if existing, ok := r.transfers[descriptor.ID]; ok {
			r.log.WithFields(logrus.Fields{
				"transfer_id": descriptor.ID,
				"state":       existing.State,
			}).Debug("metadata for known transfer")
			continue
		}
		t := &IncomingTransfer{
			Descriptor: descriptor,
			SinkKind:   r.options.SelectSink(),
			State:      IncomingWaiting,
			Tracker:    NewTracker(r.options.Clock),
		}
		r.transfers[descriptor.ID] = t
		created = append(created, t)
	}
	if len(created) == 0 {
		return nil
	}

	announced := make([]models.FileDescriptor, 0, len(created))
	for _, t := range created {
		announced = append(announced, t.Descriptor)
	}
	r.log.WithField("count", len(created)).Info("incoming files")
	r.options.Emit(Event{Kind: EventIncoming, Direction: DirectionReceive, Descriptors: announced})

	for _, t := range created {
		if t.Descriptor.Size == 0 {
			r.finalize(ctx, nil, t)
		}
	}
	return nil
}

// HandleChunk acknowledges and assembles one chunk. The returned error is
// the violation or sink failure, if any; it has already been handled.
func (r *Receiver) HandleChunk(ctx context.Context, out Outbound, msg network.ChunkMessage) error {
	log := r.log.WithFields(logrus.Fields{"transfer_id": msg.FileID, "chunk_index": msg.ChunkIndex})

	t, ok := r.transfers[msg.FileID]
	if !ok {
		violation := &ProtocolViolation{TransferID: msg.FileID, Index: msg.ChunkIndex, Reason: "unknown transfer"}
		log.WithError(violation).Warn("dropping chunk")
		return violation
	}

	switch {
	case t.State == IncomingFailed:
		log.Debug("dropping chunk for failed transfer")
		return nil
	case t.State == IncomingReceived || msg.ChunkIndex < t.NextIndex:
		// Already applied; ack again so a sender replaying after a
		// reconnect is not left waiting.
		_ = r.ack(out, msg)
		log.Debug("ignoring duplicate chunk")
		return nil
	case len(msg.Data) == 0:
		violation := &ProtocolViolation{TransferID: msg.FileID, Index: msg.ChunkIndex, Reason: "empty payload"}
		log.WithError(violation).Warn("dropping chunk")
		return violation
	case msg.ChunkIndex > t.NextIndex:
		violation := &ProtocolViolation{
			TransferID: msg.FileID,
			Index:      msg.ChunkIndex,
			Reason:     fmt.Sprintf("expected chunk %d", t.NextIndex),
			Fatal:      true,
		}
		r.fail(out, t, violation, true)
		return violation
	case t.BytesReceived+int64(len(msg.Data)) > t.Descriptor.Size:
		violation := &ProtocolViolation{
			TransferID: msg.FileID,
			Index:      msg.ChunkIndex,
			Reason:     fmt.Sprintf("chunk overflows size %d", t.Descriptor.Size),
			Fatal:      true,
		}
		r.fail(out, t, violation, true)
		return violation
	}

	if err := r.ack(out, msg); err != nil {
		log.WithError(err).Warn("ack failed")
	}

	if t.Sink == nil {
		t.Sink = r.options.NewSink(t.SinkKind, t.Descriptor)
		t.State = IncomingReceiving
		r.options.Emit(Event{
			Kind:       EventStarted,
			Direction:  DirectionReceive,
			Descriptor: t.Descriptor,
			SinkKind:   t.SinkKind,
		})
	}
	if err := t.Sink.Write(ctx, msg.Data); err != nil {
		sinkErr := &SinkError{TransferID: msg.FileID, Op: "write", Err: err}
		r.fail(out, t, sinkErr, true)
		return sinkErr
	}

	t.NextIndex++
	t.BytesReceived += int64(len(msg.Data))
	t.Tracker.Add(int64(len(msg.Data)))
	log.WithField("bytes", t.BytesReceived).Debug("received chunk")

	if t.BytesReceived == t.Descriptor.Size {
		return r.finalize(ctx, out, t)
	}
	if t.Tracker.ShouldRefresh() {
		r.options.Emit(Event{
			Kind:       EventProgress,
			Direction:  DirectionReceive,
			Descriptor: t.Descriptor,
			Bytes:      t.BytesReceived,
			Speed:      t.Tracker.Speed(),
		})
	}
	return nil
}

// Cancel abandons an incoming transfer and tells the peer.
func (r *Receiver) Cancel(out Outbound, id string) error {
	t, ok := r.transfers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	if t.terminal() {
		return nil
	}
	r.fail(out, t, ErrCancelled, out != nil)
	return nil
}

// HandleCancel abandons the transfer the peer cancelled.
func (r *Receiver) HandleCancel(msg network.CancelMessage) {
	t, ok := r.transfers[msg.FileID]
	if !ok || t.terminal() {
		return
	}
	r.fail(nil, t, fmt.Errorf("%w by peer: %s", ErrCancelled, msg.Reason), false)
}

// ConnectionLost fails every transfer that had started receiving. Waiting
// transfers stay waiting for the re-announcement on the next link.
func (r *Receiver) ConnectionLost(cause error) {
	for _, t := range r.transfers {
		if t.State == IncomingReceiving {
			r.fail(nil, t, &ConnectionError{Err: cause}, false)
		}
	}
}

// Discard removes a terminal transfer from the table.
func (r *Receiver) Discard(id string) error {
	t, ok := r.transfers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	if !t.terminal() {
		return fmt.Errorf("transfer %s is still %s", id, t.State)
	}
	delete(r.transfers, id)
	return nil
}

// Get returns the transfer for id.
func (r *Receiver) Get(id string) (*IncomingTransfer, bool) {
	t, ok := r.transfers[id]
	return t, ok
}

// Transfers returns a snapshot of the table.
func (r *Receiver) Transfers() []IncomingTransfer {
	list := make([]IncomingTransfer, 0, len(r.transfers))
	for _, t := range r.transfers {
		c := *t
		c.Tracker = t.Tracker.clone()
		list = append(list, c)
	}
	return list
}

func (r *Receiver) ack(out Outbound, msg network.ChunkMessage) error {
	if out == nil {
		return errors.New("no link")
	}
	return sendMessage(out, network.AckMessage{
		Type:       network.TypeAck,
		FileID:     msg.FileID,
		ChunkIndex: msg.ChunkIndex,
	})
}

func (r *Receiver) finalize(ctx context.Context, out Outbound, t *IncomingTransfer) error {
	if t.Sink == nil {
		t.Sink = r.options.NewSink(t.SinkKind, t.Descriptor)
	}
	artifact, err := t.Sink.Finalize(ctx)
	if err != nil {
		sinkErr := &SinkError{TransferID: t.Descriptor.ID, Op: "finalize", Err: err}
		r.fail(out, t, sinkErr, out != nil)
		return sinkErr
	}

	t.State = IncomingReceived
	t.Artifact = &artifact
	t.Sink = nil
	r.log.WithFields(logrus.Fields{
		"transfer_id": t.Descriptor.ID,
		"bytes":       t.BytesReceived,
		"sink":        t.SinkKind,
	}).Info("receive completed")
	r.options.Emit(Event{
		Kind:       EventCompleted,
		Direction:  DirectionReceive,
		Descriptor: t.Descriptor,
		Bytes:      t.BytesReceived,
		SinkKind:   t.SinkKind,
		Artifact:   &artifact,
	})
	t.Tracker.Reset()
	return nil
}

func (r *Receiver) fail(out Outbound, t *IncomingTransfer, cause error, notify bool) {
	if t.Sink != nil {
		if err := t.Sink.Abort(); err != nil {
			r.log.WithError(err).WithField("transfer_id", t.Descriptor.ID).Warn("sink abort failed")
		}
		t.Sink = nil
	}
	t.State = IncomingFailed
	t.Err = cause
	if notify && out != nil {
		_ = sendMessage(out, network.CancelMessage{
			Type:   network.TypeCancel,
			FileID: t.Descriptor.ID,
			Reason: cause.Error(),
		})
	}
	r.log.WithField("transfer_id", t.Descriptor.ID).WithError(cause).Error("receive failed")
	r.options.Emit(Event{
		Kind:       EventFailed,
		Direction:  DirectionReceive,
		Descriptor: t.Descriptor,
		Bytes:      t.BytesReceived,
		SinkKind:   t.SinkKind,
		Err:        cause,
	})
}
