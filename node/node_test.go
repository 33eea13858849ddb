package node

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/config"
	"peerdrop/models"
	"peerdrop/network"
	"peerdrop/storage"
	"peerdrop/transfer"
)

func testSettings(t *testing.T, peerID, sinkMode string) *config.Settings {
	t.Helper()
	return &config.Settings{
		PeerID:      peerID,
		DownloadDir: t.TempDir(),
		SinkMode:    sinkMode,
		Substrate:   config.SubstrateTCP,
		LogLevel:    "info",
		LogFormat:   config.LogFormatText,
	}
}

func newTestNode(t *testing.T, settings *config.Settings) *Node {
	t.Helper()
	n, err := New(Options{
		Settings:      settings,
		DataDir:       t.TempDir(),
		ListenAddress: "127.0.0.1:0",
		Manager:       network.ManagerOptions{RetryWindow: 500 * time.Millisecond},
	})
	require.NoError(t, err)
	return n
}

func runNode(t *testing.T, n *Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("node did not stop")
		}
	})

	select {
	case <-n.Ready():
	case err := <-done:
		t.Fatalf("node stopped early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("node never became ready")
	}
}

func waitForNodeEvent(t *testing.T, n *Node, kind transfer.EventKind, direction transfer.Direction) transfer.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-n.Events():
			require.True(t, ok, "events closed while waiting for %s", kind)
			if ev.Kind == kind && ev.Direction == direction {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s %s", direction, kind)
		}
	}
}

func TestTwoNodesTransferAFile(t *testing.T) {
	receiver := newTestNode(t, testSettings(t, "100001", config.SinkModeMemory))
	sender := newTestNode(t, testSettings(t, "200002", config.SinkModeAuto))
	runNode(t, receiver)
	runNode(t, sender)

	payload := bytes.Repeat([]byte("peerdrop"), 75000)
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	ctx := context.Background()
	require.NoError(t, sender.AddPeer("100001", receiver.Addr()))
	require.NoError(t, sender.Connect(ctx, "100001"))
	descriptor, err := sender.SendFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", descriptor.Name)
	assert.Equal(t, "text/plain", descriptor.MimeType)
	assert.Equal(t, int64(len(payload)), descriptor.Size)

	sent := waitForNodeEvent(t, sender, transfer.EventCompleted, transfer.DirectionSend)
	assert.Equal(t, descriptor.ID, sent.Descriptor.ID)
	received := waitForNodeEvent(t, receiver, transfer.EventCompleted, transfer.DirectionReceive)
	assert.Equal(t, descriptor.ID, received.Descriptor.ID)

	artifact, err := receiver.Artifact(descriptor.ID)
	require.NoError(t, err)
	assert.True(t, artifact.InMemory())
	assert.Equal(t, payload, artifact.Data)

	record, err := receiver.store.GetTransfer(descriptor.ID, storage.DirectionReceive)
	require.NoError(t, err)
	assert.Equal(t, storage.TransferStateCompleted, record.State)
	assert.Equal(t, "200002", record.PeerID)
	assert.Equal(t, int64(len(payload)), record.BytesTransferred)
	assert.Equal(t, artifact.Checksum, record.Checksum)
	assert.Equal(t, "memory", record.SinkKind)

	record, err = sender.store.GetTransfer(descriptor.ID, storage.DirectionSend)
	require.NoError(t, err)
	assert.Equal(t, storage.TransferStateCompleted, record.State)
	assert.Equal(t, "100001", record.PeerID)

	savedPath, err := receiver.SaveArtifact(ctx, descriptor.ID)
	require.NoError(t, err)
	onDisk, err := os.ReadFile(savedPath)
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)
	record, err = receiver.store.GetTransfer(descriptor.ID, storage.DirectionReceive)
	require.NoError(t, err)
	assert.Equal(t, savedPath, record.StoredPath)

	status := sender.Status()
	assert.Equal(t, "200002", status.PeerID)
	assert.Equal(t, string(network.StateOpen), status.State)
	assert.Equal(t, "100001", status.Remote)

	require.NoError(t, receiver.DiscardArtifact(ctx, descriptor.ID))
	_, err = receiver.Artifact(descriptor.ID)
	assert.ErrorIs(t, err, transfer.ErrArtifactNotFound)
}

func TestConnectToUnknownPeerFails(t *testing.T) {
	n := newTestNode(t, testSettings(t, "300003", config.SinkModeAuto))
	runNode(t, n)

	err := n.Connect(context.Background(), "999999")
	assert.ErrorIs(t, err, network.ErrConnectFailed)
}

func TestRunFailsWhenPortIsTaken(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	n, err := New(Options{
		Settings:      testSettings(t, "400004", config.SinkModeAuto),
		DataDir:       t.TempDir(),
		ListenAddress: occupied.Addr().String(),
	})
	require.NoError(t, err)

	err = n.Run(context.Background())
	assert.ErrorIs(t, err, network.ErrSubstrateUnavailable)
	_, ok := <-n.Events()
	assert.False(t, ok, "events channel is closed")

	assert.ErrorIs(t, n.Run(context.Background()), ErrAlreadyRunning)
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	settings := testSettings(t, "abc", config.SinkModeAuto)
	_, err := New(Options{Settings: settings, DataDir: t.TempDir()})
	assert.ErrorIs(t, err, config.ErrInvalidSettings)

	_, err = New(Options{DataDir: t.TempDir()})
	assert.ErrorIs(t, err, config.ErrInvalidSettings)
}

func TestNewMarksInterruptedTransfers(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := storage.Open(dataDir)
	require.NoError(t, err)
	require.NoError(t, store.SaveTransfer(storage.TransferRecord{
		TransferID: "left-over",
		Direction:  storage.DirectionReceive,
		Filename:   "big.iso",
		Filesize:   1 << 30,
		State:      storage.TransferStateActive,
	}))
	require.NoError(t, store.Close())

	n, err := New(Options{Settings: testSettings(t, "500005", config.SinkModeAuto), DataDir: dataDir})
	require.NoError(t, err)
	defer n.Close()

	history, err := n.History(storage.TransferFilter{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, storage.TransferStateFailed, history[0].State)
}

func TestHistoryRecords(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	desc := models.FileDescriptor{ID: "f-1", Name: "a.bin", Size: 10, MimeType: "application/octet-stream"}

	records := historyRecords(transfer.Event{
		Kind:        transfer.EventIncoming,
		Direction:   transfer.DirectionReceive,
		Peer:        "200002",
		Descriptors: []models.FileDescriptor{desc, {ID: "f-2", Name: "b.bin", Size: 0}},
		Time:        at,
	})
	require.Len(t, records, 2)
	assert.Equal(t, storage.DirectionReceive, records[0].Direction)
	assert.Equal(t, storage.TransferStatePending, records[0].State)
	assert.Equal(t, at.UnixMilli(), records[0].CreatedAt)

	records = historyRecords(transfer.Event{
		Kind:       transfer.EventCompleted,
		Direction:  transfer.DirectionReceive,
		Descriptor: desc,
		Bytes:      10,
		SinkKind:   transfer.SinkStream,
		Artifact:   &models.Artifact{Descriptor: desc, Path: "/tmp/f-1_a.bin", Checksum: "abc"},
		Time:       at,
	})
	require.Len(t, records, 1)
	assert.Equal(t, storage.TransferStateCompleted, records[0].State)
	assert.Equal(t, "/tmp/f-1_a.bin", records[0].StoredPath)
	assert.Equal(t, "abc", records[0].Checksum)
	assert.Equal(t, "stream", records[0].SinkKind)

	records = historyRecords(transfer.Event{
		Kind:       transfer.EventFailed,
		Direction:  transfer.DirectionSend,
		Descriptor: desc,
		Bytes:      4,
		Err:        errors.New("link closed"),
		Time:       at,
	})
	require.Len(t, records, 1)
	assert.Equal(t, storage.DirectionSend, records[0].Direction)
	assert.Equal(t, "link closed", records[0].Error)

	assert.Empty(t, historyRecords(transfer.Event{Kind: transfer.EventProgress, Descriptor: desc}))
	assert.Empty(t, historyRecords(transfer.Event{Kind: transfer.EventLinked}))
}

func TestDetectMimeType(t *testing.T) {
	dir := t.TempDir()

	text := filepath.Join(dir, "readme.txt")
	require.NoError(t, os.WriteFile(text, []byte("hello"), 0o600))
	assert.Equal(t, "text/plain", detectMimeType(text))

	png := filepath.Join(dir, "image.unknownext")
	require.NoError(t, os.WriteFile(png, []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), 0o600))
	assert.Equal(t, "image/png", detectMimeType(png))
}

func TestConfigureLogging(t *testing.T) {
	logger := logrus.New()
	var out bytes.Buffer
	settings := testSettings(t, "123456", config.SinkModeAuto)
	settings.LogLevel = "warning"
	settings.LogFormat = config.LogFormatJSON

	require.NoError(t, ConfigureLogging(logger, settings, &out))
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	logger.WithField("component", "test").Warn("careful")
	assert.Contains(t, out.String(), `"component":"test"`)

	settings.LogLevel = "loud"
	assert.Error(t, ConfigureLogging(logger, settings, nil))
}
