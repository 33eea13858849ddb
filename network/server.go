package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerdrop/models"
)

const (
	// PurposeTransfer marks a hello that opens a data handle.
	PurposeTransfer = "transfer"
	// PurposeSignal marks a hello that carries WebRTC signaling.
	PurposeSignal = "signal"
)

// TCPOptions configures TCPSubstrate.
type TCPOptions struct {
	ListenAddress     string
	Resolver          Resolver
	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	Logger            *logrus.Entry
}

func (o TCPOptions) withDefaults() TCPOptions {
	if o.ListenAddress == "" {
		o.ListenAddress = ":0"
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.WithField("component", "tcp")
	}
	return o
}

// TCPSubstrate accepts and dials framed TCP handles. Peers are addressed by
// identity through the configured Resolver.
type TCPSubstrate struct {
	options TCPOptions
	log     *logrus.Entry

	mu       sync.Mutex
	local    models.PeerIdentity
	listener net.Listener
	address  string

	incoming      chan Handle
	signals       chan Handle
	sessionEvents chan SessionEvent

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewTCPSubstrate creates an unstarted substrate.
func NewTCPSubstrate(options TCPOptions) *TCPSubstrate {
	opts := options.withDefaults()
	return &TCPSubstrate{
		options:       opts,
		log:           opts.Logger,
		address:       opts.ListenAddress,
		incoming:      make(chan Handle, 16),
		signals:       make(chan Handle, 16),
		sessionEvents: make(chan SessionEvent, 4),
		closed:        make(chan struct{}),
	}
}

// Start binds the listener and begins the accept loop.
func (s *TCPSubstrate) Start(_ context.Context, local models.PeerIdentity) error {
	if _, err := models.ParsePeerIdentity(local.String()); err != nil {
		return err
	}
	s.mu.Lock()
	s.local = local
	s.mu.Unlock()
	return s.listen()
}

func (s *TCPSubstrate) listen() error {
	select {
	case <-s.closed:
		return ErrSubstrateClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", s.address, err)
	}
	s.listener = listener
	// Pin the bound port so Reconnect comes back on the same endpoint.
	s.address = listener.Addr().String()

	s.wg.Add(1)
	go s.acceptLoop(listener)
	s.log.WithField("address", s.address).Info("listening for peers")
	return nil
}

// Addr returns the bound listen address.
func (s *TCPSubstrate) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// Incoming returns inbound transfer handles.
func (s *TCPSubstrate) Incoming() <-chan Handle {
	return s.incoming
}

// Signals returns inbound signaling handles.
func (s *TCPSubstrate) Signals() <-chan Handle {
	return s.signals
}

// SessionEvents reports listener loss.
func (s *TCPSubstrate) SessionEvents() <-chan SessionEvent {
	return s.sessionEvents
}

// Reconnect rebinds a lost listener.
func (s *TCPSubstrate) Reconnect(_ context.Context) error {
	return s.listen()
}

// Connect dials remote for a transfer handle.
func (s *TCPSubstrate) Connect(ctx context.Context, remote models.PeerIdentity) (Handle, error) {
	return s.Dial(ctx, remote, PurposeTransfer)
}

// Close stops accepting and closes all substrate channels.
func (s *TCPSubstrate) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.listener != nil {
			closeErr = s.listener.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		close(s.incoming)
		close(s.signals)
		close(s.sessionEvents)
	})
	return closeErr
}

func (s *TCPSubstrate) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			s.mu.Lock()
			if s.listener == listener {
				s.listener = nil
			}
			s.mu.Unlock()
			_ = listener.Close()

			s.log.WithError(err).Warn("listener lost")
			select {
			case s.sessionEvents <- SessionEvent{Kind: SessionLost, Err: fmt.Errorf("accept connection: %w", err)}:
			default:
			}
			return
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *TCPSubstrate) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	log := s.log.WithField("remote_addr", conn.RemoteAddr().String())
	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		log.WithError(err).Warn("set hello deadline")
		return
	}

	hello, err := readHello(conn, s.options.ConnectionTimeout)
	if err != nil {
		log.WithError(err).Warn("inbound hello rejected")
		_ = writeMessage(conn, ErrorMessage{
			Type:      TypeError,
			Code:      "bad_hello",
			Message:   err.Error(),
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}

	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	if err := writeMessage(conn, newHello(local, hello.Purpose)); err != nil {
		log.WithError(err).Warn("write hello")
		return
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		log.WithError(err).Warn("clear hello deadline")
		return
	}

	handle := newTCPHandle(conn, s.connectionOptions(models.PeerIdentity(hello.PeerID)))
	target := s.incoming
	if hello.Purpose == PurposeSignal {
		target = s.signals
	}

	select {
	case target <- handle:
		closeConn = false
	case <-s.closed:
		_ = handle.Close()
		closeConn = false
	}
}

func (s *TCPSubstrate) connectionOptions(remote models.PeerIdentity) ConnectionOptions {
	return ConnectionOptions{
		Remote:            remote,
		KeepAliveInterval: s.options.KeepAliveInterval,
		KeepAliveTimeout:  s.options.KeepAliveTimeout,
		FrameReadTimeout:  s.options.FrameReadTimeout,
	}
}
