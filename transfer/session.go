package transfer

import (
	"context"
	"errors"
	"runtime"

	"github.com/sirupsen/logrus"

	"peerdrop/models"
	"peerdrop/network"
)

// DefaultYieldEvery is how many chunks the loop handles between yields.
const DefaultYieldEvery = 8

// Channel is the ready link a session runs over.
type Channel interface {
	Outbound
	Inbound() <-chan []byte
	Done() <-chan struct{}
}

// Options configures Session.
type Options struct {
	ChunkSize  int
	BufferSize int
	YieldEvery int
	// SinkMode forces a sink kind; empty probes DownloadDir per transfer.
	SinkMode    SinkKind
	DownloadDir string
	Opener      StreamOpener
	Artifacts   *ArtifactStore
	Clock       Clock
	Logger      *logrus.Entry
}

// Snapshot is a point-in-time copy of both transfer tables.
type Snapshot struct {
	Peer     models.PeerIdentity
	Linked   bool
	Outgoing []OutgoingTransfer
	Incoming []IncomingTransfer
}

// Session runs the sender and receiver on one goroutine. Link traffic and
// user commands are processed strictly one at a time.
type Session struct {
	options  Options
	log      *logrus.Entry
	sender   *Sender
	receiver *Receiver

	commands chan func(ctx context.Context)
	events   chan Event
	done     chan struct{}

	channel Channel
	peer    models.PeerIdentity
	chunks  int
	runCtx  context.Context
}

// NewSession creates a session. Call Run to start its loop.
func NewSession(options Options) *Session {
	if options.ChunkSize <= 0 {
		options.ChunkSize = DefaultChunkSize
	}
	if options.BufferSize <= 0 {
		options.BufferSize = DefaultBufferSize
	}
	if options.YieldEvery <= 0 {
		options.YieldEvery = DefaultYieldEvery
	}
	if options.Clock == nil {
		options.Clock = SystemClock{}
	}
	if options.Opener == nil && options.DownloadDir != "" {
		options.Opener = DiskOpener{Dir: options.DownloadDir}
	}
	if options.Artifacts == nil {
		options.Artifacts = NewArtifactStore()
	}
	log := options.Logger
	if log == nil {
		log = logrus.WithField("component", "session")
	}

	s := &Session{
		options:  options,
		log:      log,
		commands: make(chan func(ctx context.Context)),
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
		runCtx:   context.Background(),
	}
	s.sender = NewSender(options.ChunkSize, options.Clock, s.emit, log.WithField("role", "sender"))
	s.receiver = NewReceiver(ReceiverOptions{
		SelectSink: s.selectSink,
		NewSink:    s.newSink,
		Clock:      options.Clock,
		Emit:       s.emit,
		Logger:     log.WithField("role", "receiver"),
	})
	return s
}

// Events returns session events. The channel is closed when Run returns.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Artifacts returns the store finalized artifacts land in.
func (s *Session) Artifacts() *ArtifactStore {
	return s.options.Artifacts
}

// Run processes commands and link traffic until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	defer func() {
		close(s.done)
		close(s.events)
	}()

	for {
		var inbound <-chan []byte
		var linkDone <-chan struct{}
		if s.channel != nil {
			inbound = s.channel.Inbound()
			linkDone = s.channel.Done()
		}

		select {
		case <-ctx.Done():
			s.shutdown(ctx.Err())
			return ctx.Err()
		case command := <-s.commands:
			command(ctx)
		case payload := <-inbound:
			s.handlePayload(ctx, payload)
		case <-linkDone:
			s.detach(&ConnectionError{Err: errors.New("link closed")})
		}
	}
}

// Attach makes ch the current link, announces queued files and starts sending.
func (s *Session) Attach(ctx context.Context, ch Channel, peer models.PeerIdentity) error {
	return s.do(ctx, func(context.Context) {
		if s.channel != nil && s.channel != ch {
			s.detach(&ConnectionError{Err: errors.New("link superseded")})
		}
		s.channel = ch
		s.peer = peer
		s.emit(Event{Kind: EventLinked, Peer: peer})
		s.announceAndPump()
	})
}

// Detach drops ch if it is still current. In-flight transfers fail.
func (s *Session) Detach(ctx context.Context, ch Channel, cause error) error {
	return s.do(ctx, func(context.Context) {
		if s.channel == nil || s.channel != ch {
			return
		}
		s.detach(&ConnectionError{Err: cause})
	})
}

// Send queues a file and starts it when a link is attached.
func (s *Session) Send(ctx context.Context, descriptor models.FileDescriptor, source Source) error {
	var err error
	doErr := s.do(ctx, func(context.Context) {
		if _, err = s.sender.Enqueue(descriptor, source); err != nil {
			return
		}
		s.announceAndPump()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Cancel abandons an outgoing or incoming transfer.
func (s *Session) Cancel(ctx context.Context, id string) error {
	var err error
	doErr := s.do(ctx, func(context.Context) {
		out := s.outbound()
		if _, ok := s.sender.Get(id); ok {
			err = s.sender.Cancel(out, id)
			return
		}
		err = s.receiver.Cancel(out, id)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Discard removes a finished transfer. For an incoming transfer its
// artifact is removed as well.
func (s *Session) Discard(ctx context.Context, id string) error {
	var err error
	doErr := s.do(ctx, func(context.Context) {
		if _, outgoing := s.sender.Get(id); outgoing {
			err = s.sender.Discard(id)
			return
		}
		if err = s.receiver.Discard(id); err == nil {
			s.options.Artifacts.Remove(id)
		}
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Snapshot copies the transfer tables.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snapshot Snapshot
	err := s.do(ctx, func(context.Context) {
		snapshot = Snapshot{
			Peer:     s.peer,
			Linked:   s.channel != nil,
			Outgoing: s.sender.Transfers(),
			Incoming: s.receiver.Transfers(),
		}
	})
	return snapshot, err
}

func (s *Session) do(ctx context.Context, command func(context.Context)) error {
	finished := make(chan struct{})
	wrapped := func(loopCtx context.Context) {
		defer close(finished)
		command(loopCtx)
	}
	select {
	case s.commands <- wrapped:
	case <-s.done:
		return ErrSessionStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrSessionStopped
	}
}

func (s *Session) handlePayload(ctx context.Context, payload []byte) {
	message, err := network.DecodeTransferMessage(payload)
	if err != nil {
		s.log.WithError(err).Warn("dropping undecodable message")
		return
	}

	out := s.outbound()
	switch msg := message.(type) {
	case network.MetadataMessage:
		_ = s.receiver.HandleMetadata(ctx, msg)
	case network.ChunkMessage:
		_ = s.receiver.HandleChunk(ctx, out, msg)
		s.yield()
	case network.AckMessage:
		if err := s.sender.HandleAck(out, msg); err != nil {
			s.log.WithError(err).Warn("advance after ack failed")
		}
		s.yield()
	case network.CancelMessage:
		s.receiver.HandleCancel(msg)
		if err := s.sender.HandleCancel(out, msg); err != nil {
			s.log.WithError(err).Warn("advance after cancel failed")
		}
	}
}

func (s *Session) announceAndPump() {
	out := s.outbound()
	if out == nil {
		return
	}
	if err := s.sender.Announce(out); err != nil {
		s.log.WithError(err).Warn("announce failed")
		return
	}
	if err := s.sender.Pump(out); err != nil {
		s.log.WithError(err).Warn("send failed")
	}
}

func (s *Session) detach(cause error) {
	s.sender.ConnectionLost(cause)
	s.receiver.ConnectionLost(cause)
	peer := s.peer
	s.channel = nil
	s.emit(Event{Kind: EventUnlinked, Peer: peer, Err: cause})
}

func (s *Session) shutdown(cause error) {
	s.sender.ConnectionLost(cause)
	s.receiver.ConnectionLost(cause)
	s.channel = nil
}

// yield hands the processor to other goroutines every YieldEvery chunks.
func (s *Session) yield() {
	s.chunks++
	if s.chunks%s.options.YieldEvery == 0 {
		runtime.Gosched()
	}
}

// outbound returns the current link as an Outbound, or a nil interface.
func (s *Session) outbound() Outbound {
	if s.channel == nil {
		return nil
	}
	return s.channel
}

func (s *Session) selectSink() SinkKind {
	switch s.options.SinkMode {
	case SinkMemory, SinkStream:
		return s.options.SinkMode
	}
	if s.options.Opener == nil {
		return SinkMemory
	}
	return ProbeCapability(s.options.DownloadDir)
}

func (s *Session) newSink(kind SinkKind, descriptor models.FileDescriptor) Sink {
	if kind == SinkStream && s.options.Opener != nil {
		return NewStreamingSink(descriptor, s.options.Opener)
	}
	return NewBoundedBufferSink(descriptor, s.options.BufferSize)
}

func (s *Session) emit(ev Event) {
	ev.Time = s.options.Clock.Now()
	if ev.Peer == "" {
		ev.Peer = s.peer
	}
	if ev.Kind == EventCompleted && ev.Artifact != nil {
		s.options.Artifacts.Put(*ev.Artifact)
	}

	// The loop never waits on a slow consumer; a full buffer drops the event.
	select {
	case s.events <- ev:
	default:
		if ev.Kind == EventProgress {
			return
		}
		s.log.WithFields(logrus.Fields{
			"event":       string(ev.Kind),
			"transfer_id": ev.Descriptor.ID,
		}).Warn("event buffer full, event dropped")
	}
}
