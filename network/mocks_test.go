package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"peerdrop/models"
)

type fakeHandle struct {
	remote models.PeerIdentity
	events chan HandleEvent
	sent   chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	endOnce   sync.Once
}

func newFakeHandle(remote models.PeerIdentity) *fakeHandle {
	return &fakeHandle{
		remote: remote,
		events: make(chan HandleEvent, 16),
		sent:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func newOpenHandle(remote models.PeerIdentity) *fakeHandle {
	h := newFakeHandle(remote)
	h.events <- HandleEvent{Kind: HandleOpen}
	return h
}

func (h *fakeHandle) Remote() models.PeerIdentity { return h.remote }

func (h *fakeHandle) Events() <-chan HandleEvent { return h.events }

func (h *fakeHandle) Send(payload []byte) error {
	select {
	case <-h.closed:
		return ErrHandleClosed
	default:
	}
	h.sent <- payload
	return nil
}

func (h *fakeHandle) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return nil
}

func (h *fakeHandle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

func (h *fakeHandle) deliver(payload []byte) {
	h.events <- HandleEvent{Kind: HandleData, Data: payload}
}

func (h *fakeHandle) terminate(err error) {
	h.endOnce.Do(func() {
		if err != nil {
			h.events <- HandleEvent{Kind: HandleError, Err: err}
		} else {
			h.events <- HandleEvent{Kind: HandleClose}
		}
		close(h.events)
	})
}

type fakeSubstrate struct {
	mu           sync.Mutex
	connect      func(ctx context.Context, remote models.PeerIdentity, attempt int) (Handle, error)
	connectCalls int
	startErr     error
	reconnects   int
	reconnectErr error
	closed       bool

	incoming      chan Handle
	sessionEvents chan SessionEvent
}

func newFakeSubstrate() *fakeSubstrate {
	return &fakeSubstrate{
		incoming:      make(chan Handle, 8),
		sessionEvents: make(chan SessionEvent, 8),
	}
}

func (s *fakeSubstrate) Start(context.Context, models.PeerIdentity) error {
	return s.startErr
}

func (s *fakeSubstrate) Connect(ctx context.Context, remote models.PeerIdentity) (Handle, error) {
	s.mu.Lock()
	s.connectCalls++
	attempt := s.connectCalls
	connect := s.connect
	s.mu.Unlock()
	if connect == nil {
		return nil, ErrPeerNotFound
	}
	return connect(ctx, remote, attempt)
}

func (s *fakeSubstrate) Incoming() <-chan Handle { return s.incoming }

func (s *fakeSubstrate) SessionEvents() <-chan SessionEvent { return s.sessionEvents }

func (s *fakeSubstrate) Reconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	return s.reconnectErr
}

func (s *fakeSubstrate) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSubstrate) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCalls
}

func startTestManager(t *testing.T, substrate *fakeSubstrate, window time.Duration) *Manager {
	t.Helper()
	manager, err := NewManager(ManagerOptions{
		Local:            "111111",
		Substrate:        substrate,
		RetryWindow:      window,
		ReconnectBackoff: []time.Duration{0},
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		_ = manager.Close()
	})
	return manager
}

func waitForEvent(t *testing.T, manager *Manager, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-manager.Events():
			if !ok {
				t.Fatalf("event channel closed before expected event")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event")
		}
	}
}

func drainEvents(manager *Manager) []Event {
	var events []Event
	for {
		select {
		case ev, ok := <-manager.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func countEvents(events []Event, eventType EventType) int {
	count := 0
	for _, ev := range events {
		if ev.Type == eventType {
			count++
		}
	}
	return count
}
