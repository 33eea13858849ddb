package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerdrop/models"
)

const (
	// DefaultRetryCount is the number of outbound connect attempts.
	DefaultRetryCount = 3
	// DefaultRetryWindow is how long one attempt may take to become ready.
	// It also paces the next attempt.
	DefaultRetryWindow = 2 * time.Second
)

var defaultReconnectBackoff = []time.Duration{
	0,
	2 * time.Second,
	5 * time.Second,
	15 * time.Second,
}

var (
	// ErrConnectFailed indicates all outbound connect attempts were exhausted.
	ErrConnectFailed = errors.New("network: connect failed")
	// ErrManagerClosed indicates the manager was closed and must be recreated.
	ErrManagerClosed = errors.New("network: manager closed")
	// ErrSubstrateUnavailable indicates the substrate could not be started.
	ErrSubstrateUnavailable = errors.New("network: substrate unavailable")
)

// SessionState is the lifecycle of the local peer session.
type SessionState string

const (
	StateIdle         SessionState = "idle"
	StateOpening      SessionState = "opening"
	StateOpen         SessionState = "open"
	StateDisconnected SessionState = "disconnected"
	StateReconnecting SessionState = "reconnecting"
	StateClosed       SessionState = "closed"
)

// InboundState is the lifecycle of one inbound connection request.
type InboundState string

const (
	InboundRequested InboundState = "requested"
	InboundOpening   InboundState = "opening"
	InboundReady     InboundState = "ready"
	InboundFailed    InboundState = "failed"
)

// EventType classifies manager events.
type EventType string

const (
	EventSessionState  EventType = "session_state"
	EventStatus        EventType = "status"
	EventConnecting    EventType = "connecting"
	EventRetrying      EventType = "retrying"
	EventConnectFailed EventType = "connect_failed"
	EventInbound       EventType = "inbound"
	EventLinkReady     EventType = "link_ready"
	EventLinkClosed    EventType = "link_closed"
)

// Event is one observable manager transition.
type Event struct {
	Type        EventType
	State       SessionState
	Inbound     InboundState
	Remote      models.PeerIdentity
	Attempt     int
	MaxAttempts int
	Link        *Link
	Message     string
	Err         error
	Time        time.Time
}

// ManagerOptions configures Manager.
type ManagerOptions struct {
	Local            models.PeerIdentity
	Substrate        Substrate
	RetryCount       int
	RetryWindow      time.Duration
	ReconnectBackoff []time.Duration
	Logger           *logrus.Entry
}

// Manager owns the peer session and the current Link.
type Manager struct {
	options ManagerOptions
	log     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once

	stateMu sync.RWMutex
	state   SessionState

	linkMu  sync.Mutex
	current *Link
	closed  bool

	emitMu       sync.RWMutex
	eventsClosed bool
	events       chan Event
}

// NewManager validates options and creates an idle manager.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Substrate == nil {
		return nil, fmt.Errorf("%w: no substrate configured", ErrSubstrateUnavailable)
	}
	if _, err := models.ParsePeerIdentity(options.Local.String()); err != nil {
		return nil, err
	}
	if options.RetryCount <= 0 {
		options.RetryCount = DefaultRetryCount
	}
	if options.RetryWindow <= 0 {
		options.RetryWindow = DefaultRetryWindow
	}
	if len(options.ReconnectBackoff) == 0 {
		options.ReconnectBackoff = defaultReconnectBackoff
	}
	log := options.Logger
	if log == nil {
		log = logrus.WithField("component", "manager")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		options: options,
		log:     log.WithField("local", options.Local.String()),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateIdle,
		events:  make(chan Event, 256),
	}, nil
}

// Events returns manager events. The channel is closed by Close.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the session state.
func (m *Manager) State() SessionState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Current returns the current ready link, or nil.
func (m *Manager) Current() *Link {
	m.linkMu.Lock()
	defer m.linkMu.Unlock()
	return m.current
}

// Start opens the session and begins accepting inbound requests.
func (m *Manager) Start(ctx context.Context) error {
	err := ErrManagerClosed
	m.startOnce.Do(func() {
		if m.State() == StateClosed {
			return
		}
		m.setState(StateOpening, nil)
		if startErr := m.options.Substrate.Start(ctx, m.options.Local); startErr != nil {
			err = fmt.Errorf("%w: %v", ErrSubstrateUnavailable, startErr)
			m.log.WithError(startErr).Error("substrate failed to start")
			return
		}
		m.setState(StateOpen, nil)

		m.wg.Add(2)
		go m.inboundLoop()
		go m.sessionLoop()
		err = nil
	})
	return err
}

// Connect opens a link to remote, retrying after each failed observation
// window. The returned link is also the manager's current link.
func (m *Manager) Connect(ctx context.Context, remote models.PeerIdentity) (*Link, error) {
	if _, err := models.ParsePeerIdentity(remote.String()); err != nil {
		return nil, err
	}
	switch state := m.State(); state {
	case StateClosed:
		return nil, ErrManagerClosed
	case StateIdle, StateOpening:
		return nil, fmt.Errorf("%w: session %s", ErrSubstrateUnavailable, state)
	}

	ctx, cancel := mergeContext(ctx, m.ctx)
	defer cancel()

	attempts := m.options.RetryCount
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		m.emit(Event{
			Type:        EventConnecting,
			Remote:      remote,
			Attempt:     attempt,
			MaxAttempts: attempts,
			Message:     fmt.Sprintf("connecting to %s (%d/%d)", remote, attempt, attempts),
		})

		link, err := m.attempt(ctx, remote)
		if err == nil {
			return link, nil
		}
		if ctx.Err() != nil {
			if m.ctx.Err() != nil {
				return nil, ErrManagerClosed
			}
			return nil, ctx.Err()
		}
		lastErr = err

		if attempt < attempts {
			m.emit(Event{
				Type:        EventRetrying,
				Remote:      remote,
				Attempt:     attempt + 1,
				MaxAttempts: attempts,
				Message:     fmt.Sprintf("retrying (%d/%d)", attempt+1, attempts),
				Err:         err,
			})
		}
	}

	m.emit(Event{
		Type:        EventConnectFailed,
		Remote:      remote,
		Attempt:     attempts,
		MaxAttempts: attempts,
		Message:     fmt.Sprintf("failed to connect to %s", remote),
		Err:         lastErr,
	})
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrConnectFailed, remote, attempts, lastErr)
}

// Close ends the session. A closed manager cannot be restarted.
func (m *Manager) Close() error {
	var closeErr error
	m.closeOnce.Do(func() {
		m.cancel()
		m.setState(StateClosed, nil)

		m.linkMu.Lock()
		m.closed = true
		current := m.current
		m.current = nil
		m.linkMu.Unlock()
		if current != nil {
			_ = current.Close()
		}

		closeErr = m.options.Substrate.Close()
		m.wg.Wait()

		m.emitMu.Lock()
		m.eventsClosed = true
		close(m.events)
		m.emitMu.Unlock()
	})
	return closeErr
}

// attempt runs one observation window. A failed attempt always consumes
// the whole window so the window also serves as the retry delay.
func (m *Manager) attempt(ctx context.Context, remote models.PeerIdentity) (*Link, error) {
	window, cancel := context.WithTimeout(ctx, m.options.RetryWindow)
	defer cancel()

	handle, err := m.options.Substrate.Connect(window, remote)
	if err == nil {
		err = awaitOpen(window, handle)
		if err == nil {
			return m.adopt(handle)
		}
		_ = handle.Close()
	}
	<-window.Done()
	return nil, err
}

func (m *Manager) inboundLoop() {
	defer m.wg.Done()
	for {
		select {
		case handle, ok := <-m.options.Substrate.Incoming():
			if !ok {
				return
			}
			m.emitInbound(handle.Remote(), InboundRequested, nil)
			m.wg.Add(1)
			go m.acceptInbound(handle)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) acceptInbound(handle Handle) {
	defer m.wg.Done()

	remote := handle.Remote()
	m.emitInbound(remote, InboundOpening, nil)

	window, cancel := context.WithTimeout(m.ctx, m.options.RetryWindow)
	defer cancel()
	if err := awaitOpen(window, handle); err != nil {
		_ = handle.Close()
		m.emitInbound(remote, InboundFailed, err)
		return
	}
	if _, err := m.adopt(handle); err != nil {
		m.emitInbound(remote, InboundFailed, err)
		return
	}
	m.emitInbound(remote, InboundReady, nil)
}

func (m *Manager) sessionLoop() {
	defer m.wg.Done()
	for {
		select {
		case ev, ok := <-m.options.Substrate.SessionEvents():
			if !ok {
				return
			}
			switch ev.Kind {
			case SessionLost:
				m.setState(StateDisconnected, ev.Err)
				m.reconnect()
			case SessionDestroyed:
				m.log.WithError(ev.Err).Error("session destroyed")
				go func() {
					_ = m.Close()
				}()
				return
			}
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) reconnect() {
	m.setState(StateReconnecting, nil)
	for attempt := 0; ; attempt++ {
		timer := time.NewTimer(m.backoffForAttempt(attempt))
		select {
		case <-timer.C:
		case <-m.ctx.Done():
			timer.Stop()
			return
		}

		if err := m.options.Substrate.Reconnect(m.ctx); err != nil {
			m.log.WithError(err).WithField("attempt", attempt+1).Warn("session reconnect failed")
			continue
		}
		m.setState(StateOpen, nil)
		return
	}
}

func (m *Manager) backoffForAttempt(attempt int) time.Duration {
	backoff := m.options.ReconnectBackoff
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}

// adopt makes handle the current link and closes the one it supersedes.
func (m *Manager) adopt(handle Handle) (*Link, error) {
	link := newLink(handle, time.Now())

	m.linkMu.Lock()
	if m.closed {
		m.linkMu.Unlock()
		_ = handle.Close()
		return nil, ErrManagerClosed
	}
	previous := m.current
	m.current = link
	m.wg.Add(1)
	m.linkMu.Unlock()

	if previous != nil {
		m.log.WithField("remote", previous.Remote().String()).Info("link superseded")
		_ = previous.Close()
	}

	go m.runLink(link)
	m.emit(Event{
		Type:    EventLinkReady,
		Remote:  link.Remote(),
		Link:    link,
		Message: fmt.Sprintf("connected to %s", link.Remote()),
	})
	return link, nil
}

func (m *Manager) runLink(link *Link) {
	defer m.wg.Done()
	link.pump()

	m.linkMu.Lock()
	if m.current == link {
		m.current = nil
	}
	m.linkMu.Unlock()

	m.emit(Event{
		Type:    EventLinkClosed,
		Remote:  link.Remote(),
		Link:    link,
		Message: fmt.Sprintf("link to %s closed", link.Remote()),
		Err:     link.Err(),
	})
}

func (m *Manager) setState(state SessionState, err error) {
	m.stateMu.Lock()
	if m.state == state || m.state == StateClosed {
		m.stateMu.Unlock()
		return
	}
	m.state = state
	m.stateMu.Unlock()

	m.emit(Event{
		Type:    EventSessionState,
		State:   state,
		Message: fmt.Sprintf("session %s", state),
		Err:     err,
	})
}

func (m *Manager) emitInbound(remote models.PeerIdentity, state InboundState, err error) {
	m.emit(Event{
		Type:    EventInbound,
		Inbound: state,
		Remote:  remote,
		Message: fmt.Sprintf("inbound %s from %s", state, remote),
		Err:     err,
	})
}

func (m *Manager) emit(ev Event) {
	ev.Time = time.Now()

	fields := logrus.Fields{"event": string(ev.Type)}
	if ev.Remote != "" {
		fields["remote"] = ev.Remote.String()
	}
	entry := m.log.WithFields(fields)
	switch {
	case ev.Type == EventConnectFailed || ev.Inbound == InboundFailed:
		entry.WithError(ev.Err).Warn(ev.Message)
	case ev.Err != nil:
		entry.WithError(ev.Err).Info(ev.Message)
	default:
		entry.Info(ev.Message)
	}

	m.emitMu.RLock()
	defer m.emitMu.RUnlock()
	if m.eventsClosed {
		return
	}
	select {
	case m.events <- ev:
		return
	default:
	}
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

func awaitOpen(ctx context.Context, handle Handle) error {
	for {
		select {
		case ev, ok := <-handle.Events():
			if !ok {
				return ErrHandleClosed
			}
			switch ev.Kind {
			case HandleOpen:
				return nil
			case HandleError:
				if ev.Err != nil {
					return ev.Err
				}
				return ErrHandleClosed
			case HandleClose:
				return ErrHandleClosed
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// mergeContext returns a context cancelled when either parent is.
func mergeContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
