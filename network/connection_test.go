package network

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/models"
)

func startTCPPeer(t *testing.T, id models.PeerIdentity, resolver Resolver) *TCPSubstrate {
	t.Helper()
	substrate := NewTCPSubstrate(TCPOptions{
		ListenAddress:     "127.0.0.1:0",
		Resolver:          resolver,
		ConnectionTimeout: 2 * time.Second,
	})
	require.NoError(t, substrate.Start(context.Background(), id))
	t.Cleanup(func() {
		_ = substrate.Close()
	})
	return substrate
}

func nextHandleEvent(t *testing.T, handle Handle) HandleEvent {
	t.Helper()
	select {
	case ev, ok := <-handle.Events():
		if !ok {
			return HandleEvent{Kind: HandleClose}
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for handle event")
		return HandleEvent{}
	}
}

func TestTCPSubstrateExchangesFramesByIdentity(t *testing.T) {
	resolver := NewStaticResolver()
	alice := startTCPPeer(t, "100001", resolver)
	bob := startTCPPeer(t, "200002", resolver)
	resolver.Set("200002", bob.Addr())

	outbound, err := alice.Connect(context.Background(), "200002")
	require.NoError(t, err)
	assert.Equal(t, models.PeerIdentity("200002"), outbound.Remote())
	assert.Equal(t, HandleOpen, nextHandleEvent(t, outbound).Kind)

	var inbound Handle
	select {
	case inbound = <-bob.Incoming():
	case <-time.After(2 * time.Second):
		t.Fatalf("inbound handle not accepted")
	}
	assert.Equal(t, models.PeerIdentity("100001"), inbound.Remote())
	assert.Equal(t, HandleOpen, nextHandleEvent(t, inbound).Kind)

	require.NoError(t, outbound.Send([]byte(`{"type":"ack","fileId":"f","chunkIndex":0}`)))
	ev := nextHandleEvent(t, inbound)
	require.Equal(t, HandleData, ev.Kind)
	assert.JSONEq(t, `{"type":"ack","fileId":"f","chunkIndex":0}`, string(ev.Data))

	require.NoError(t, outbound.Close())
	for {
		ev := nextHandleEvent(t, inbound)
		if ev.Kind == HandleClose || ev.Kind == HandleError {
			break
		}
	}
}

func TestTCPDialRejectsIdentityMismatch(t *testing.T) {
	resolver := NewStaticResolver()
	alice := startTCPPeer(t, "100001", resolver)
	bob := startTCPPeer(t, "200002", resolver)
	resolver.Set("300003", bob.Addr())

	_, err := alice.Connect(context.Background(), "300003")
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestTCPDialUnknownPeer(t *testing.T) {
	alice := startTCPPeer(t, "100001", NewStaticResolver())
	_, err := alice.Connect(context.Background(), "999999")
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestSignalHandlesAreRoutedSeparately(t *testing.T) {
	resolver := NewStaticResolver()
	alice := startTCPPeer(t, "100001", resolver)
	bob := startTCPPeer(t, "200002", resolver)
	resolver.Set("200002", bob.Addr())

	handle, err := alice.Dial(context.Background(), "200002", PurposeSignal)
	require.NoError(t, err)
	defer func() {
		_ = handle.Close()
	}()

	select {
	case signal := <-bob.Signals():
		assert.Equal(t, models.PeerIdentity("100001"), signal.Remote())
		_ = signal.Close()
	case <-bob.Incoming():
		t.Fatalf("signal handle delivered as transfer handle")
	case <-time.After(2 * time.Second):
		t.Fatalf("signal handle not accepted")
	}
}

func TestManagersConnectOverTCP(t *testing.T) {
	resolver := NewStaticResolver()
	aliceSubstrate := NewTCPSubstrate(TCPOptions{ListenAddress: "127.0.0.1:0", Resolver: resolver})
	bobSubstrate := NewTCPSubstrate(TCPOptions{ListenAddress: "127.0.0.1:0", Resolver: resolver})

	alice, err := NewManager(ManagerOptions{Local: "100001", Substrate: aliceSubstrate})
	require.NoError(t, err)
	bob, err := NewManager(ManagerOptions{Local: "200002", Substrate: bobSubstrate})
	require.NoError(t, err)
	defer func() {
		_ = alice.Close()
		_ = bob.Close()
	}()

	require.NoError(t, alice.Start(context.Background()))
	require.NoError(t, bob.Start(context.Background()))
	resolver.Set("200002", bobSubstrate.Addr())

	link, err := alice.Connect(context.Background(), "200002")
	require.NoError(t, err)

	ready := waitForEvent(t, bob, func(ev Event) bool { return ev.Type == EventLinkReady })
	require.NotNil(t, ready.Link)
	assert.Equal(t, models.PeerIdentity("100001"), ready.Link.Remote())

	require.NoError(t, link.Send([]byte(`{"type":"cancel","fileId":"x"}`)))
	select {
	case payload := <-ready.Link.Inbound():
		assert.JSONEq(t, `{"type":"cancel","fileId":"x"}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatalf("payload not delivered")
	}
}

func TestHandleAnswersPingAndTimesOutWithoutPong(t *testing.T) {
	local, remote := net.Pipe()
	defer func() {
		_ = remote.Close()
	}()

	handle := newTCPHandle(local, ConnectionOptions{
		Remote:            "200002",
		KeepAliveInterval: 40 * time.Millisecond,
		KeepAliveTimeout:  40 * time.Millisecond,
		FrameReadTimeout:  time.Second,
	})
	defer func() {
		_ = handle.Close()
	}()
	assert.Equal(t, HandleOpen, nextHandleEvent(t, handle).Kind)

	ping, err := EncodeJSON(PingMessage{Type: TypePing, Timestamp: 1})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(remote, ping))

	// Drain frames without ever answering the handle's own pings.
	sawPong := make(chan struct{}, 1)
	go func() {
		for {
			payload, err := ReadFrame(remote)
			if err != nil {
				return
			}
			if msgType, _ := DecodeMessageType(payload); msgType == TypePong {
				select {
				case sawPong <- struct{}{}:
				default:
				}
			}
		}
	}()

	select {
	case <-sawPong:
	case <-time.After(2 * time.Second):
		t.Fatalf("ping was not answered")
	}

	ev := nextHandleEvent(t, handle)
	require.Equal(t, HandleError, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrPongTimeout)
}

func TestHandleWaitsOutPauseInsideFrame(t *testing.T) {
	local, remote := net.Pipe()
	defer func() {
		_ = remote.Close()
	}()

	handle := newTCPHandle(local, ConnectionOptions{
		Remote:           "200002",
		FrameReadTimeout: 100 * time.Millisecond,
	})
	defer func() {
		_ = handle.Close()
	}()
	assert.Equal(t, HandleOpen, nextHandleEvent(t, handle).Kind)

	payload := []byte(`{"type":"file_chunk","fileId":"f","chunk":"aGVsbG8gd29ybGQ="}`)
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	go func() {
		if _, err := remote.Write(frame[:14]); err != nil {
			return
		}
		time.Sleep(300 * time.Millisecond)
		_, _ = remote.Write(frame[14:])
	}()

	ev := nextHandleEvent(t, handle)
	require.Equal(t, HandleData, ev.Kind, "err: %v", ev.Err)
	assert.Equal(t, payload, ev.Data)

	// The stream is still aligned for the next frame.
	require.NoError(t, WriteFrame(remote, []byte(`{"type":"after"}`)))
	ev = nextHandleEvent(t, handle)
	require.Equal(t, HandleData, ev.Kind)
	assert.Equal(t, []byte(`{"type":"after"}`), ev.Data)
}

func TestChainResolverFallsThrough(t *testing.T) {
	first := NewStaticResolver()
	second := NewStaticResolver()
	second.Set("200002", "127.0.0.1:9000")
	chain := ChainResolver{first, nil, second}

	address, err := chain.Resolve(context.Background(), "200002")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", address)

	_, err = chain.Resolve(context.Background(), "300003")
	assert.ErrorIs(t, err, ErrPeerNotFound)

	byFunc := ResolverFunc(func(context.Context, models.PeerIdentity) (string, error) {
		return "10.0.0.1:1", nil
	})
	address, err = byFunc.Resolve(context.Background(), "300003")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:1", address)
}
