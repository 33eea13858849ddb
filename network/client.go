package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"peerdrop/models"
)

// Dial resolves remote, connects, and performs the hello exchange.
func (s *TCPSubstrate) Dial(ctx context.Context, remote models.PeerIdentity, purpose string) (Handle, error) {
	select {
	case <-s.closed:
		return nil, ErrSubstrateClosed
	default:
	}
	if s.options.Resolver == nil {
		return nil, fmt.Errorf("%w: no resolver configured", ErrPeerNotFound)
	}

	address, err := s.options.Resolver.Resolve(ctx, remote)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: s.options.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	deadline := time.Now().Add(s.options.ConnectionTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set hello deadline: %w", err)
	}

	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	if err := writeMessage(conn, newHello(local, purpose)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	hello, err := readHello(conn, time.Until(deadline))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if hello.PeerID != remote.String() {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s answered at %s", ErrPeerNotFound, hello.PeerID, address)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear hello deadline: %w", err)
	}

	return newTCPHandle(conn, s.connectionOptions(remote)), nil
}
