package transfer

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"peerdrop/models"
	"peerdrop/network"
)

// DefaultChunkSize is the wire chunk size.
const DefaultChunkSize = 256 * 1024

// finishedSendsKept bounds how many completed or failed sends stay visible
// in the table; older ones are dropped first.
const finishedSendsKept = 64

// OutgoingState is the lifecycle of one outgoing transfer.
type OutgoingState string

const (
	OutgoingPending   OutgoingState = "pending"
	OutgoingSending   OutgoingState = "sending"
	OutgoingCompleted OutgoingState = "completed"
	OutgoingFailed    OutgoingState = "failed"
)

// Outbound writes encoded messages to the peer.
type Outbound interface {
	Send(payload []byte) error
}

// OutgoingTransfer is one file queued for sending.
type OutgoingTransfer struct {
	Descriptor models.FileDescriptor
	Source     Source
	// Cursor is the next byte offset to send.
	Cursor    int64
	InFlight  int
	State     OutgoingState
	Announced bool
	Tracker   *Tracker
	Err       error
}

func (t *OutgoingTransfer) terminal() bool {
	return t.State == OutgoingCompleted || t.State == OutgoingFailed
}

// Sender streams queued files one at a time with one unacknowledged chunk.
type Sender struct {
	chunkSize int
	clock     Clock
	emit      func(Event)
	log       *logrus.Entry

	queue    []*OutgoingTransfer
	byID     map[string]*OutgoingTransfer
	active   *OutgoingTransfer
	finished []string
}

// NewSender creates a sender. emit receives every transfer event.
func NewSender(chunkSize int, clock Clock, emit func(Event), log *logrus.Entry) *Sender {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if emit == nil {
		emit = func(Event) {}
	}
	if log == nil {
		log = logrus.WithField("component", "sender")
	}
	return &Sender{
		chunkSize: chunkSize,
		clock:     clock,
		emit:      emit,
		log:       log,
		byID:      make(map[string]*OutgoingTransfer),
	}
}

// Enqueue adds a pending transfer.
func (s *Sender) Enqueue(descriptor models.FileDescriptor, source Source) (*OutgoingTransfer, error) {
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}
	if source == nil || source.Size() != descriptor.Size {
		return nil, fmt.Errorf("source size does not match descriptor %q", descriptor.ID)
	}
	if _, exists := s.byID[descriptor.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTransfer, descriptor.ID)
	}

	t := &OutgoingTransfer{
		Descriptor: descriptor,
		Source:     source,
		State:      OutgoingPending,
		Tracker:    NewTracker(s.clock),
	}
	s.queue = append(s.queue, t)
	s.byID[descriptor.ID] = t
	s.emit(Event{Kind: EventQueued, Direction: DirectionSend, Descriptor: descriptor})
	return t, nil
}

// Announce sends every unannounced, non-terminal descriptor in one batch.
func (s *Sender) Announce(out Outbound) error {
	var batch []*OutgoingTransfer
	for _, t := range s.queue {
		if !t.Announced && !t.terminal() {
			batch = append(batch, t)
		}
	}
	if len(batch) == 0 {
		return nil
	}

	descriptors := make([]models.FileDescriptor, 0, len(batch))
	for _, t := range batch {
		descriptors = append(descriptors, t.Descriptor)
	}
	if err := sendMessage(out, network.NewMetadataMessage(descriptors)); err != nil {
		return &ConnectionError{Err: err}
	}
	for _, t := range batch {
		t.Announced = true
	}
	s.log.WithField("count", len(batch)).Info("announced files")
	s.emit(Event{Kind: EventAnnounced, Direction: DirectionSend, Descriptors: descriptors})
	return nil
}

// Pump promotes the next announced pending transfer when nothing is sending.
func (s *Sender) Pump(out Outbound) error {
	for s.active == nil {
		next := s.nextPending()
		if next == nil {
			return nil
		}
		next.State = OutgoingSending
		next.Cursor = 0
		next.InFlight = 0
		s.active = next
		s.emit(Event{Kind: EventStarted, Direction: DirectionSend, Descriptor: next.Descriptor})

		if next.Descriptor.Size == 0 {
			s.complete(next)
			continue
		}
		if err := s.sendChunk(out, next, 0); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) nextPending() *OutgoingTransfer {
	for _, t := range s.queue {
		if t.State == OutgoingPending && t.Announced {
			return t
		}
	}
	return nil
}

// HandleAck advances the active transfer when ack matches its in-flight
// chunk. Any other ack is stale and ignored.
func (s *Sender) HandleAck(out Outbound, ack network.AckMessage) error {
	t := s.active
	if t == nil || ack.FileID != t.Descriptor.ID || ack.ChunkIndex != t.InFlight {
		s.log.WithFields(logrus.Fields{
			"transfer_id": ack.FileID,
			"chunk_index": ack.ChunkIndex,
		}).Debug("ignoring stale ack")
		return nil
	}

	start := int64(ack.ChunkIndex) * int64(s.chunkSize)
	next := min(int64(ack.ChunkIndex+1)*int64(s.chunkSize), t.Descriptor.Size)
	t.Tracker.Add(next - start)
	if t.Tracker.ShouldRefresh() {
		s.emit(Event{
			Kind:       EventProgress,
			Direction:  DirectionSend,
			Descriptor: t.Descriptor,
			Bytes:      next,
			Speed:      t.Tracker.Speed(),
		})
	}

	if next < t.Descriptor.Size {
		return s.sendChunk(out, t, ack.ChunkIndex+1)
	}
	s.complete(t)
	return s.Pump(out)
}

func (s *Sender) sendChunk(out Outbound, t *OutgoingTransfer, index int) error {
	start := int64(index) * int64(s.chunkSize)
	end := min(start+int64(s.chunkSize), t.Descriptor.Size)

	data, err := t.Source.Slice(start, end)
	if err != nil {
		s.fail(out, t, fmt.Errorf("read source: %w", err), true)
		return s.Pump(out)
	}
	if err := sendMessage(out, network.ChunkMessage{
		Type:       network.TypeChunk,
		FileID:     t.Descriptor.ID,
		ChunkIndex: index,
		Data:       data,
	}); err != nil {
		connErr := &ConnectionError{Err: err}
		s.fail(nil, t, connErr, false)
		return connErr
	}
	t.InFlight = index
	t.Cursor = end
	s.log.WithFields(logrus.Fields{
		"transfer_id": t.Descriptor.ID,
		"chunk_index": index,
		"bytes":       len(data),
	}).Debug("sent chunk")
	return nil
}

// Cancel abandons a pending or sending transfer and tells the peer.
func (s *Sender) Cancel(out Outbound, id string) error {
	t, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	if t.terminal() {
		return nil
	}
	notify := t.Announced && out != nil
	s.fail(out, t, ErrCancelled, notify)
	if out == nil {
		return nil
	}
	return s.Pump(out)
}

// HandleCancel fails the transfer the peer abandoned.
func (s *Sender) HandleCancel(out Outbound, msg network.CancelMessage) error {
	t, ok := s.byID[msg.FileID]
	if !ok || t.terminal() {
		return nil
	}
	s.fail(nil, t, fmt.Errorf("%w by peer: %s", ErrCancelled, msg.Reason), false)
	if out == nil {
		return nil
	}
	return s.Pump(out)
}

// ConnectionLost fails the in-flight transfer and marks everything else for
// re-announcement on the next link.
func (s *Sender) ConnectionLost(cause error) {
	if s.active != nil {
		s.fail(nil, s.active, &ConnectionError{Err: cause}, false)
	}
	for _, t := range s.queue {
		t.Announced = false
	}
}

// Transfers returns every transfer known to the sender.
func (s *Sender) Transfers() []OutgoingTransfer {
	list := make([]OutgoingTransfer, 0, len(s.byID))
	for _, t := range s.byID {
		c := *t
		c.Tracker = t.Tracker.clone()
		list = append(list, c)
	}
	return list
}

// Discard removes a finished outgoing transfer from the table.
func (s *Sender) Discard(id string) error {
	t, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	if !t.terminal() {
		return fmt.Errorf("transfer %s is still %s", id, t.State)
	}
	delete(s.byID, id)
	return nil
}

// Get returns the transfer for id.
func (s *Sender) Get(id string) (*OutgoingTransfer, bool) {
	t, ok := s.byID[id]
	return t, ok
}

func (s *Sender) complete(t *OutgoingTransfer) {
	t.State = OutgoingCompleted
	t.Cursor = t.Descriptor.Size
	if s.active == t {
		s.active = nil
	}
	s.dequeue(t)
	s.retire(t)
	s.log.WithField("transfer_id", t.Descriptor.ID).Info("send completed")
	s.emit(Event{
		Kind:       EventCompleted,
		Direction:  DirectionSend,
		Descriptor: t.Descriptor,
		Bytes:      t.Descriptor.Size,
	})
	t.Tracker.Reset()
}

func (s *Sender) fail(out Outbound, t *OutgoingTransfer, cause error, notify bool) {
	t.State = OutgoingFailed
	t.Err = cause
	if s.active == t {
		s.active = nil
	}
	s.dequeue(t)
	s.retire(t)
	if notify && out != nil {
		_ = sendMessage(out, network.CancelMessage{
			Type:   network.TypeCancel,
			FileID: t.Descriptor.ID,
			Reason: cause.Error(),
		})
	}
	s.log.WithField("transfer_id", t.Descriptor.ID).WithError(cause).Warn("send failed")
	s.emit(Event{
		Kind:       EventFailed,
		Direction:  DirectionSend,
		Descriptor: t.Descriptor,
		Bytes:      t.Cursor,
		Err:        cause,
	})
}

func (s *Sender) dequeue(t *OutgoingTransfer) {
	for i, queued := range s.queue {
		if queued == t {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// retire records t as finished and prunes the oldest finished transfers.
func (s *Sender) retire(t *OutgoingTransfer) {
	s.finished = append(s.finished, t.Descriptor.ID)
	for len(s.finished) > finishedSendsKept {
		oldest := s.finished[0]
		s.finished = s.finished[1:]
		if old, ok := s.byID[oldest]; ok && old.terminal() {
			delete(s.byID, oldest)
		}
	}
}

func sendMessage(out Outbound, message any) error {
	payload, err := network.EncodeJSON(message)
	if err != nil {
		return err
	}
	return out.Send(payload)
}
