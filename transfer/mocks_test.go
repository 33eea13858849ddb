package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"peerdrop/models"
	"peerdrop/network"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder captures every message written to it.
type recorder struct {
	payloads [][]byte
	failWith error
}

func (r *recorder) Send(payload []byte) error {
	if r.failWith != nil {
		return r.failWith
	}
	r.payloads = append(r.payloads, append([]byte(nil), payload...))
	return nil
}

func (r *recorder) messages(t *testing.T) []any {
	t.Helper()
	var out []any
	for _, payload := range r.payloads {
		msg, err := network.DecodeTransferMessage(payload)
		if err != nil {
			t.Fatalf("decode recorded message: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func (r *recorder) chunks(t *testing.T) []network.ChunkMessage {
	var out []network.ChunkMessage
	for _, msg := range r.messages(t) {
		if chunk, ok := msg.(network.ChunkMessage); ok {
			out = append(out, chunk)
		}
	}
	return out
}

func (r *recorder) acks(t *testing.T) []network.AckMessage {
	var out []network.AckMessage
	for _, msg := range r.messages(t) {
		if ack, ok := msg.(network.AckMessage); ok {
			out = append(out, ack)
		}
	}
	return out
}

func (r *recorder) cancels(t *testing.T) []network.CancelMessage {
	var out []network.CancelMessage
	for _, msg := range r.messages(t) {
		if cancel, ok := msg.(network.CancelMessage); ok {
			out = append(out, cancel)
		}
	}
	return out
}

func (r *recorder) metadata(t *testing.T) []network.MetadataMessage {
	var out []network.MetadataMessage
	for _, msg := range r.messages(t) {
		if meta, ok := msg.(network.MetadataMessage); ok {
			out = append(out, meta)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.payloads = nil
}

type eventLog struct {
	events []Event
}

func (l *eventLog) emit(ev Event) {
	l.events = append(l.events, ev)
}

func (l *eventLog) count(kind EventKind) int {
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) last(kind EventKind) (Event, bool) {
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Kind == kind {
			return l.events[i], true
		}
	}
	return Event{}, false
}

// pipeEnd is one side of an in-memory Channel pair.
type pipeEnd struct {
	peer    *pipeEnd
	inbound chan []byte
	done    chan struct{}
	once    *sync.Once

	mu   sync.Mutex
	sent [][]byte
}

func newPipe() (*pipeEnd, *pipeEnd) {
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{inbound: make(chan []byte, 1024), done: done, once: once}
	b := &pipeEnd{inbound: make(chan []byte, 1024), done: done, once: once}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) Send(payload []byte) error {
	select {
	case <-p.done:
		return errors.New("pipe closed")
	default:
	}
	p.mu.Lock()
	p.sent = append(p.sent, append([]byte(nil), payload...))
	p.mu.Unlock()
	select {
	case p.peer.inbound <- payload:
		return nil
	case <-p.done:
		return errors.New("pipe closed")
	}
}

func (p *pipeEnd) Inbound() <-chan []byte { return p.inbound }

func (p *pipeEnd) Done() <-chan struct{} { return p.done }

func (p *pipeEnd) Close() {
	p.once.Do(func() { close(p.done) })
}

func (p *pipeEnd) sentOfType(t *testing.T, msgType string) int {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, payload := range p.sent {
		got, err := network.DecodeMessageType(payload)
		if err != nil {
			t.Fatalf("decode sent message: %v", err)
		}
		if got == msgType {
			n++
		}
	}
	return n
}

func (p *pipeEnd) chunkSizes(t *testing.T) []int {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var sizes []int
	for _, payload := range p.sent {
		msg, err := network.DecodeTransferMessage(payload)
		if err != nil {
			continue
		}
		if chunk, ok := msg.(network.ChunkMessage); ok {
			sizes = append(sizes, len(chunk.Data))
		}
	}
	return sizes
}

// failingSink rejects every write.
type failingSink struct {
	aborted bool
}

var errDiskFull = errors.New("disk full")

func (f *failingSink) Write(context.Context, []byte) error { return errDiskFull }

func (f *failingSink) Finalize(context.Context) (models.Artifact, error) {
	return models.Artifact{}, errDiskFull
}

func (f *failingSink) Abort() error {
	f.aborted = true
	return nil
}

func patterned(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

func descriptorFor(t *testing.T, name string, size int) models.FileDescriptor {
	t.Helper()
	desc, err := models.NewFileDescriptor(name, int64(size), "application/octet-stream")
	if err != nil {
		t.Fatalf("NewFileDescriptor failed: %v", err)
	}
	return desc
}

func modelsArtifact(desc models.FileDescriptor, data []byte) models.Artifact {
	return models.Artifact{Descriptor: desc, Data: data}
}
