package network

import (
	"sync"
	"time"

	"peerdrop/models"
)

// Link is the ready connection the Manager lends to the transfer layer.
// It is a single-writer, single-reader message channel.
type Link struct {
	handle   Handle
	remote   models.PeerIdentity
	openedAt time.Time

	inbound chan []byte

	closeOnce sync.Once
	done      chan struct{}

	errMu sync.RWMutex
	err   error
}

func newLink(handle Handle, openedAt time.Time) *Link {
	return &Link{
		handle:   handle,
		remote:   handle.Remote(),
		openedAt: openedAt,
		inbound:  make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

// Remote returns the peer on the other end.
func (l *Link) Remote() models.PeerIdentity {
	return l.remote
}

// OpenedAt returns when the link became ready.
func (l *Link) OpenedAt() time.Time {
	return l.openedAt
}

// Send writes one message to the peer.
func (l *Link) Send(payload []byte) error {
	select {
	case <-l.done:
		if err := l.Err(); err != nil {
			return err
		}
		return ErrHandleClosed
	default:
	}
	return l.handle.Send(payload)
}

// Inbound delivers messages from the peer in arrival order.
func (l *Link) Inbound() <-chan []byte {
	return l.inbound
}

// Done is closed when the link terminates.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err returns the terminal error, nil after a clean close.
func (l *Link) Err() error {
	l.errMu.RLock()
	defer l.errMu.RUnlock()
	return l.err
}

// Close terminates the link and its handle.
func (l *Link) Close() error {
	l.finish(nil)
	return l.handle.Close()
}

func (l *Link) finish(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.err = err
		l.errMu.Unlock()
		close(l.done)
	})
}

// pump forwards handle data to the inbound channel until the handle ends.
func (l *Link) pump() {
	defer func() {
		_ = l.handle.Close()
	}()
	for {
		select {
		case ev, ok := <-l.handle.Events():
			if !ok {
				l.finish(nil)
				return
			}
			switch ev.Kind {
			case HandleData:
				select {
				case l.inbound <- ev.Data:
				case <-l.done:
					return
				}
			case HandleClose:
				l.finish(nil)
				return
			case HandleError:
				l.finish(ev.Err)
				return
			}
		case <-l.done:
			return
		}
	}
}
