package transfer

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/models"
	"peerdrop/network"
)

func runSession(t *testing.T, options Options) *Session {
	t.Helper()
	session := NewSession(options)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = session.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return session
}

func waitForTransferEvent(t *testing.T, session *Session, kind EventKind, direction Direction) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-session.Events():
			if !ok {
				t.Fatalf("session stopped before %s event", kind)
			}
			if ev.Kind == kind && ev.Direction == direction {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s %s event", direction, kind)
		}
	}
}

func TestSessionsRoundTripThroughBothSinks(t *testing.T) {
	for _, mode := range []SinkKind{SinkMemory, SinkStream} {
		t.Run(string(mode), func(t *testing.T) {
			downloads := t.TempDir()
			senderEnd, receiverEnd := newPipe()
			sender := runSession(t, Options{ChunkSize: 262144})
			receiver := runSession(t, Options{
				ChunkSize:   262144,
				SinkMode:    mode,
				DownloadDir: downloads,
			})
			ctx := context.Background()

			require.NoError(t, receiver.Attach(ctx, receiverEnd, "100001"))
			require.NoError(t, sender.Attach(ctx, senderEnd, "200002"))

			data := patterned(700000)
			desc := descriptorFor(t, "scenario.bin", len(data))
			require.NoError(t, sender.Send(ctx, desc, BytesSource(data)))

			incoming := waitForTransferEvent(t, receiver, EventIncoming, DirectionReceive)
			require.Len(t, incoming.Descriptors, 1)
			assert.Equal(t, desc, incoming.Descriptors[0])

			received := waitForTransferEvent(t, receiver, EventCompleted, DirectionReceive)
			sent := waitForTransferEvent(t, sender, EventCompleted, DirectionSend)
			assert.Equal(t, desc.ID, sent.Descriptor.ID)
			assert.Equal(t, mode, received.SinkKind)
			require.NotNil(t, received.Artifact)

			if mode == SinkMemory {
				assert.Equal(t, data, received.Artifact.Data)
			} else {
				written, err := os.ReadFile(received.Artifact.Path)
				require.NoError(t, err)
				assert.Equal(t, data, written)
			}

			assert.Equal(t, []int{262144, 262144, 175712}, senderEnd.chunkSizes(t))
			assert.Equal(t, 3, receiverEnd.sentOfType(t, network.TypeAck))
			assert.Equal(t, 1, senderEnd.sentOfType(t, network.TypeMetadata))

			stored, err := receiver.Artifacts().Get(desc.ID)
			require.NoError(t, err)
			assert.Equal(t, received.Artifact.Checksum, stored.Checksum)

			snapshot, err := receiver.Snapshot(ctx)
			require.NoError(t, err)
			require.Len(t, snapshot.Incoming, 1)
			assert.Equal(t, IncomingReceived, snapshot.Incoming[0].State)
			assert.True(t, snapshot.Linked)
		})
	}
}

func TestSessionSendsQueuedFilesOnAttach(t *testing.T) {
	senderEnd, receiverEnd := newPipe()
	sender := runSession(t, Options{ChunkSize: 4})
	receiver := runSession(t, Options{ChunkSize: 4, SinkMode: SinkMemory})
	ctx := context.Background()

	first := descriptorFor(t, "first.bin", 10)
	empty := descriptorFor(t, "empty.bin", 0)
	require.NoError(t, sender.Send(ctx, first, BytesSource(patterned(10))))
	require.NoError(t, sender.Send(ctx, empty, BytesSource(nil)))

	snapshot, err := sender.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, snapshot.Linked)
	for _, transfer := range snapshot.Outgoing {
		assert.Equal(t, OutgoingPending, transfer.State)
	}

	require.NoError(t, receiver.Attach(ctx, receiverEnd, "100001"))
	require.NoError(t, sender.Attach(ctx, senderEnd, "200002"))

	seen := map[string]bool{}
	for len(seen) < 2 {
		ev := waitForTransferEvent(t, receiver, EventCompleted, DirectionReceive)
		seen[ev.Descriptor.ID] = true
		if ev.Descriptor.ID == empty.ID {
			assert.Zero(t, ev.Artifact.Size())
		}
	}
}

func TestSessionDetachFailsInFlightTransfer(t *testing.T) {
	senderEnd, _ := newPipe()
	sender := runSession(t, Options{ChunkSize: 4})
	ctx := context.Background()

	desc := descriptorFor(t, "stuck.bin", 12)
	require.NoError(t, sender.Attach(ctx, senderEnd, "100001"))
	require.NoError(t, sender.Send(ctx, desc, BytesSource(patterned(12))))

	require.NoError(t, sender.Detach(ctx, senderEnd, errors.New("peer vanished")))
	failed := waitForTransferEvent(t, sender, EventFailed, DirectionSend)
	assert.Equal(t, desc.ID, failed.Descriptor.ID)
	assert.ErrorIs(t, failed.Err, ErrConnection)

	snapshot, err := sender.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, snapshot.Linked)
}

func TestSessionClosedLinkDetaches(t *testing.T) {
	senderEnd, receiverEnd := newPipe()
	sender := runSession(t, Options{ChunkSize: 4})
	ctx := context.Background()

	require.NoError(t, sender.Attach(ctx, senderEnd, "100001"))
	receiverEnd.Close()

	var unlinked Event
	deadline := time.After(5 * time.Second)
	for unlinked.Kind != EventUnlinked {
		select {
		case unlinked = <-sender.Events():
		case <-deadline:
			t.Fatalf("session did not notice the closed link")
		}
	}
	assert.ErrorIs(t, unlinked.Err, ErrConnection)
}

func TestSessionCancelOutgoingNotifiesReceiver(t *testing.T) {
	senderEnd, receiverEnd := newPipe()
	sender := runSession(t, Options{ChunkSize: 4})
	receiver := runSession(t, Options{ChunkSize: 4, SinkMode: SinkMemory})
	ctx := context.Background()

	desc := descriptorFor(t, "later.bin", 12)
	require.NoError(t, sender.Send(ctx, desc, BytesSource(patterned(12))))
	require.NoError(t, sender.Attach(ctx, senderEnd, "200002"))
	require.NoError(t, sender.Cancel(ctx, desc.ID))
	require.NoError(t, receiver.Attach(ctx, receiverEnd, "100001"))

	failed := waitForTransferEvent(t, receiver, EventFailed, DirectionReceive)
	assert.Equal(t, desc.ID, failed.Descriptor.ID)
	assert.ErrorIs(t, failed.Err, ErrCancelled)
}

func TestSessionKeepsServingWhenEventsAreNotRead(t *testing.T) {
	session := runSession(t, Options{ChunkSize: 4})
	backlog := cap(session.Events()) + 10

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < backlog; i++ {
		desc := descriptorFor(t, "queued.bin", 4)
		require.NoError(t, session.Send(ctx, desc, BytesSource(patterned(4))))
	}

	snapshot, err := session.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snapshot.Outgoing, backlog)
	assert.Len(t, session.Events(), cap(session.Events()))
}

func TestSessionStoppedRejectsCommands(t *testing.T) {
	session := NewSession(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	err := session.Send(context.Background(), models.FileDescriptor{ID: "x", Name: "x"}, BytesSource(nil))
	assert.ErrorIs(t, err, ErrSessionStopped)
}
