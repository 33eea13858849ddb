package network

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"peerdrop/models"
)

// ErrPongTimeout indicates keep-alive timed out waiting for pong.
var ErrPongTimeout = errors.New("network: pong timeout")

// ConnectionOptions controls runtime behavior of a framed TCP handle.
type ConnectionOptions struct {
	Remote            models.PeerIdentity
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
}

// tcpHandle is a Handle over one length-prefixed TCP stream. The hello
// exchange has already completed when it is created, so HandleOpen is
// queued immediately.
type tcpHandle struct {
	conn   net.Conn
	remote models.PeerIdentity

	sendMu sync.Mutex

	waitMu       sync.Mutex
	waitingPong  bool
	pingSentAt   time.Time
	pongDeadline time.Time

	lastActivity atomic.Int64
	lastHeard    atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration

	events chan HandleEvent

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newTCPHandle(conn net.Conn, options ConnectionOptions) *tcpHandle {
	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}
	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	h := &tcpHandle{
		conn:              conn,
		remote:            options.Remote,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameReadTimeout:  readTimeout,
		events:            make(chan HandleEvent, 64),
		closed:            make(chan struct{}),
	}

	h.touchActivity()
	h.events <- HandleEvent{Kind: HandleOpen}
	go h.readLoop()
	go h.keepAliveLoop()

	return h
}

// Remote returns the identity announced in the hello exchange.
func (h *tcpHandle) Remote() models.PeerIdentity {
	return h.remote
}

// Events returns open/data/close/error notifications.
func (h *tcpHandle) Events() <-chan HandleEvent {
	return h.events
}

// LastError returns the terminal error, if any.
func (h *tcpHandle) LastError() error {
	h.errMu.RLock()
	defer h.errMu.RUnlock()
	return h.closeErr
}

// Send writes one payload as a frame.
func (h *tcpHandle) Send(payload []byte) error {
	select {
	case <-h.closed:
		if err := h.LastError(); err != nil {
			return err
		}
		return ErrHandleClosed
	default:
	}

	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	if err := WriteFrame(h.conn, payload); err != nil {
		h.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	h.touchActivity()
	return nil
}

func (h *tcpHandle) sendMessage(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return h.Send(payload)
}

// Close terminates the handle.
func (h *tcpHandle) Close() error {
	h.closeWithError(nil)
	return nil
}

func (h *tcpHandle) readLoop() {
	defer h.finish()

	for {
		select {
		case <-h.closed:
			return
		default:
		}

		payload, err := h.readFrame()
		if err != nil {
			if errors.Is(err, errIdle) {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				h.closeWithError(nil)
				return
			}
			h.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		h.markHeard()
		if len(payload) == 0 {
			continue
		}

		msgType, _ := DecodeMessageType(payload)
		switch msgType {
		case TypePing:
			_ = h.sendMessage(PongMessage{Type: TypePong, Timestamp: time.Now().UnixMilli()})
		case TypePong:
			h.ackPong()
		default:
			select {
			case h.events <- HandleEvent{Kind: HandleData, Data: payload}:
			case <-h.closed:
				return
			}
		}
	}
}

var errIdle = errors.New("network: idle read")

// readFrame applies the read timeout only while no byte of the next frame
// has arrived. Once a header byte is consumed the rest of the frame is read
// without a deadline; a stalled peer is caught by the keep-alive instead.
func (h *tcpHandle) readFrame() ([]byte, error) {
	var first [1]byte
	if h.frameReadTimeout > 0 {
		if err := h.conn.SetReadDeadline(time.Now().Add(h.frameReadTimeout)); err != nil {
			return nil, err
		}
	}
	if _, err := io.ReadFull(h.conn, first[:]); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, errIdle
		}
		return nil, err
	}
	if h.frameReadTimeout > 0 {
		if err := h.conn.SetReadDeadline(time.Time{}); err != nil {
			return nil, err
		}
	}
	h.markHeard()
	return ReadFrame(io.MultiReader(bytes.NewReader(first[:]), activityReader{h: h}))
}

// activityReader counts every partial read as proof the peer is alive, so a
// large frame arriving slowly does not trip the pong timeout.
type activityReader struct {
	h *tcpHandle
}

func (r activityReader) Read(p []byte) (int, error) {
	n, err := r.h.conn.Read(p)
	if n > 0 {
		r.h.markHeard()
	}
	return n, err
}

// finish runs once on the read goroutine, which is the only sender of data
// events, so closing the channel here cannot race a send.
func (h *tcpHandle) finish() {
	final := HandleEvent{Kind: HandleClose}
	if err := h.LastError(); err != nil {
		final = HandleEvent{Kind: HandleError, Err: err}
	}
	select {
	case h.events <- final:
	default:
	}
	close(h.events)
}

func (h *tcpHandle) keepAliveLoop() {
	checkEvery := h.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = h.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if h.waitingPongExpired() {
				h.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, h.lastActivity.Load()))
			if idleFor < h.keepAliveInterval || h.isWaitingPong() {
				continue
			}

			if err := h.sendMessage(PingMessage{Type: TypePing, Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
			h.setWaitingPong(time.Now().Add(h.keepAliveTimeout))
		case <-h.closed:
			return
		}
	}
}

func (h *tcpHandle) touchActivity() {
	h.lastActivity.Store(time.Now().UnixNano())
}

func (h *tcpHandle) markHeard() {
	now := time.Now().UnixNano()
	h.lastActivity.Store(now)
	h.lastHeard.Store(now)
}

func (h *tcpHandle) setWaitingPong(deadline time.Time) {
	h.waitMu.Lock()
	defer h.waitMu.Unlock()
	h.waitingPong = true
	h.pingSentAt = time.Now()
	h.pongDeadline = deadline
}

func (h *tcpHandle) ackPong() {
	h.waitMu.Lock()
	defer h.waitMu.Unlock()
	h.waitingPong = false
	h.pingSentAt = time.Time{}
	h.pongDeadline = time.Time{}
}

func (h *tcpHandle) isWaitingPong() bool {
	h.waitMu.Lock()
	defer h.waitMu.Unlock()
	return h.waitingPong
}

func (h *tcpHandle) waitingPongExpired() bool {
	h.waitMu.Lock()
	defer h.waitMu.Unlock()
	if !h.waitingPong || !time.Now().After(h.pongDeadline) {
		return false
	}
	// Bytes received after the ping still prove the peer is alive; the pong
	// may be queued behind a large frame.
	heard := time.Unix(0, h.lastHeard.Load())
	if heard.After(h.pingSentAt) {
		h.waitingPong = false
		h.pingSentAt = time.Time{}
		h.pongDeadline = time.Time{}
		return false
	}
	return true
}

func (h *tcpHandle) closeWithError(err error) {
	h.closeOnce.Do(func() {
		h.errMu.Lock()
		h.closeErr = err
		h.errMu.Unlock()

		_ = h.conn.Close()
		close(h.closed)
	})
}
