package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"peerdrop/models"
)

const (
	dataChannelLabel = "peerdrop"
	// maxFragmentSize keeps every data channel message below the SCTP
	// message size browsers and pion agree on.
	maxFragmentSize = 16 * 1024

	fragmentMore byte = 0
	fragmentLast byte = 1
)

// ErrSignaling indicates the offer/answer exchange failed.
var ErrSignaling = errors.New("network: signaling failed")

// WebRTCOptions configures WebRTCSubstrate.
type WebRTCOptions struct {
	ICEServers []string
	// Signaling carries offers and answers between peers.
	Signaling *TCPSubstrate
	Logger    *logrus.Entry
}

// WebRTCSubstrate opens data channel handles. Offers and answers travel
// over short-lived signaling handles on the TCP substrate.
type WebRTCSubstrate struct {
	config    webrtc.Configuration
	signaling *TCPSubstrate
	log       *logrus.Entry

	incoming chan Handle

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWebRTCSubstrate creates an unstarted WebRTC substrate.
func NewWebRTCSubstrate(options WebRTCOptions) (*WebRTCSubstrate, error) {
	if options.Signaling == nil {
		return nil, fmt.Errorf("%w: no signaling transport", ErrSignaling)
	}
	log := options.Logger
	if log == nil {
		log = logrus.WithField("component", "webrtc")
	}

	config := webrtc.Configuration{}
	if len(options.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: options.ICEServers}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WebRTCSubstrate{
		config:    config,
		signaling: options.Signaling,
		log:       log,
		incoming:  make(chan Handle, 16),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start starts the signaling listener and answers inbound offers.
func (s *WebRTCSubstrate) Start(ctx context.Context, local models.PeerIdentity) error {
	if err := s.signaling.Start(ctx, local); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.answerLoop()
	return nil
}

// Incoming returns inbound data channel handles.
func (s *WebRTCSubstrate) Incoming() <-chan Handle {
	return s.incoming
}

// SessionEvents forwards the signaling transport session events.
func (s *WebRTCSubstrate) SessionEvents() <-chan SessionEvent {
	return s.signaling.SessionEvents()
}

// Reconnect restores the signaling listener.
func (s *WebRTCSubstrate) Reconnect(ctx context.Context) error {
	return s.signaling.Reconnect(ctx)
}

// Connect creates an offer, exchanges it over signaling, and returns a
// handle that reports HandleOpen when the data channel opens.
func (s *WebRTCSubstrate) Connect(ctx context.Context, remote models.PeerIdentity) (Handle, error) {
	signal, err := s.signaling.Dial(ctx, remote, PurposeSignal)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = signal.Close()
	}()

	pc, err := webrtc.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	handle := newRTCHandle(remote, pc, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	local, err := gatherLocalDescription(ctx, pc, offer)
	if err != nil {
		_ = handle.Close()
		return nil, err
	}
	if err := sendSignal(signal, TypeSignalOffer, local); err != nil {
		_ = handle.Close()
		return nil, err
	}

	answer, err := awaitSignal(ctx, signal, TypeSignalAnswer)
	if err != nil {
		_ = handle.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	return handle, nil
}

// Close stops answering and closes the signaling transport.
func (s *WebRTCSubstrate) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()
		closeErr = s.signaling.Close()
		s.wg.Wait()
		close(s.incoming)
	})
	return closeErr
}

func (s *WebRTCSubstrate) answerLoop() {
	defer s.wg.Done()
	for {
		select {
		case signal, ok := <-s.signaling.Signals():
			if !ok {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.answer(signal); err != nil {
					s.log.WithError(err).WithField("remote", signal.Remote()).Warn("answer offer")
				}
			}()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *WebRTCSubstrate) answer(signal Handle) error {
	defer func() {
		_ = signal.Close()
	}()

	ctx, cancel := context.WithTimeout(s.ctx, DefaultConnectionTimeout)
	defer cancel()

	offer, err := awaitSignal(ctx, signal, TypeSignalOffer)
	if err != nil {
		return err
	}

	pc, err := webrtc.NewPeerConnection(s.config)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	remote := signal.Remote()
	opened := make(chan struct{})
	var openOnce sync.Once
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			return
		}
		openOnce.Do(func() { close(opened) })
		handle := newRTCHandle(remote, pc, dc)
		select {
		case s.incoming <- handle:
		case <-s.ctx.Done():
			_ = handle.Close()
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		_ = pc.Close()
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("create answer: %w", err)
	}
	local, err := gatherLocalDescription(ctx, pc, answer)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := sendSignal(signal, TypeSignalAnswer, local); err != nil {
		_ = pc.Close()
		return err
	}

	// The offerer may give up before its data channel arrives.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(DefaultConnectionTimeout)
		defer timer.Stop()
		select {
		case <-opened:
			return
		case <-timer.C:
		case <-s.ctx.Done():
		}
		_ = pc.Close()
	}()
	return nil
}

func gatherLocalDescription(ctx context.Context, pc *webrtc.PeerConnection, description webrtc.SessionDescription) (string, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

func sendSignal(signal Handle, msgType, sdp string) error {
	payload, err := EncodeJSON(SignalMessage{Type: msgType, SDP: sdp})
	if err != nil {
		return err
	}
	if err := signal.Send(payload); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrSignaling, msgType, err)
	}
	return nil
}

func awaitSignal(ctx context.Context, signal Handle, want string) (SignalMessage, error) {
	for {
		select {
		case ev, ok := <-signal.Events():
			if !ok || ev.Kind == HandleClose || ev.Kind == HandleError {
				return SignalMessage{}, fmt.Errorf("%w: channel closed waiting for %s", ErrSignaling, want)
			}
			if ev.Kind != HandleData {
				continue
			}
			var msg SignalMessage
			if err := json.Unmarshal(ev.Data, &msg); err != nil {
				return SignalMessage{}, fmt.Errorf("%w: decode %s: %v", ErrSignaling, want, err)
			}
			if msg.Type != want {
				return SignalMessage{}, fmt.Errorf("%w: expected %q, got %q", ErrSignaling, want, msg.Type)
			}
			return msg, nil
		case <-ctx.Done():
			return SignalMessage{}, ctx.Err()
		}
	}
}

// rtcHandle adapts a data channel to Handle. Payloads larger than one
// fragment are split and reassembled; the channel is ordered and reliable.
type rtcHandle struct {
	remote models.PeerIdentity
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel

	sendMu sync.Mutex

	assembly []byte

	emitMu   sync.RWMutex
	finished bool
	events   chan HandleEvent

	doneOnce sync.Once
	done     chan struct{}
}

func newRTCHandle(remote models.PeerIdentity, pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *rtcHandle {
	h := &rtcHandle{
		remote: remote,
		pc:     pc,
		dc:     dc,
		events: make(chan HandleEvent, 64),
		done:   make(chan struct{}),
	}

	dc.OnOpen(func() {
		h.emit(HandleEvent{Kind: HandleOpen})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if payload, ok := h.reassemble(msg.Data); ok {
			h.emit(HandleEvent{Kind: HandleData, Data: payload})
		}
	})
	dc.OnClose(func() {
		h.finish(nil)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			h.finish(fmt.Errorf("peer connection %s", state))
		case webrtc.PeerConnectionStateClosed:
			h.finish(nil)
		}
	})
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		h.emit(HandleEvent{Kind: HandleOpen})
	}
	return h
}

func (h *rtcHandle) Remote() models.PeerIdentity {
	return h.remote
}

func (h *rtcHandle) Events() <-chan HandleEvent {
	return h.events
}

func (h *rtcHandle) Send(payload []byte) error {
	select {
	case <-h.done:
		return ErrHandleClosed
	default:
	}

	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	for _, fragment := range fragmentPayload(payload, maxFragmentSize) {
		if err := h.dc.Send(fragment); err != nil {
			return fmt.Errorf("send fragment: %w", err)
		}
	}
	return nil
}

func (h *rtcHandle) Close() error {
	h.finish(nil)
	_ = h.dc.Close()
	return h.pc.Close()
}

func (h *rtcHandle) reassemble(fragment []byte) ([]byte, bool) {
	if len(fragment) == 0 {
		return nil, false
	}
	h.assembly = append(h.assembly, fragment[1:]...)
	if fragment[0] != fragmentLast {
		return nil, false
	}
	payload := h.assembly
	h.assembly = nil
	return payload, true
}

func (h *rtcHandle) emit(ev HandleEvent) {
	h.emitMu.RLock()
	defer h.emitMu.RUnlock()
	if h.finished {
		return
	}
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *rtcHandle) finish(err error) {
	h.doneOnce.Do(func() {
		close(h.done)

		h.emitMu.Lock()
		defer h.emitMu.Unlock()
		h.finished = true
		final := HandleEvent{Kind: HandleClose}
		if err != nil {
			final = HandleEvent{Kind: HandleError, Err: err}
		}
		select {
		case h.events <- final:
		case <-time.After(100 * time.Millisecond):
		}
		close(h.events)
	})
}

// fragmentPayload splits payload into flag-prefixed fragments. The first
// byte of each fragment is fragmentLast on the final piece.
func fragmentPayload(payload []byte, size int) [][]byte {
	if size <= 0 {
		size = maxFragmentSize
	}
	count := (len(payload) + size - 1) / size
	if count == 0 {
		count = 1
	}
	fragments := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * size
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		flag := fragmentMore
		if i == count-1 {
			flag = fragmentLast
		}
		fragment := make([]byte, 0, end-start+1)
		fragment = append(fragment, flag)
		fragment = append(fragment, payload[start:end]...)
		fragments = append(fragments, fragment)
	}
	return fragments
}
