package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedBufferSinkSealsAtThreshold(t *testing.T) {
	const mib = 1024 * 1024
	data := patterned(5 * mib)
	desc := descriptorFor(t, "big.bin", len(data))
	sink := NewBoundedBufferSink(desc, 2*mib)
	ctx := context.Background()

	for offset := 0; offset < len(data); offset += DefaultChunkSize {
		end := min(offset+DefaultChunkSize, len(data))
		require.NoError(t, sink.Write(ctx, data[offset:end]))
	}
	assert.Equal(t, 2, sink.Segments())
	assert.Len(t, sink.segments[0], 2*mib)
	assert.Len(t, sink.segments[1], 2*mib)

	artifact, err := sink.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sink.Segments())
	assert.Len(t, sink.segments[2], mib)
	assert.Equal(t, int64(5*mib), artifact.Size())
	assert.True(t, artifact.InMemory())
	assert.Equal(t, data, artifact.Data)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), artifact.Checksum)
}

func TestBoundedBufferSinkSplitsWritesAcrossSegments(t *testing.T) {
	desc := descriptorFor(t, "small.bin", 10)
	sink := NewBoundedBufferSink(desc, 4)
	ctx := context.Background()

	require.NoError(t, sink.Write(ctx, []byte("abc")))
	require.NoError(t, sink.Write(ctx, []byte("defgh")))
	require.NoError(t, sink.Write(ctx, []byte("ij")))
	assert.Equal(t, 2, sink.Segments())
	sealed := append([]byte(nil), sink.segments[0]...)

	artifact, err := sink.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefghij"), artifact.Data)
	assert.Equal(t, sealed, sink.segments[0])

	_, err = sink.Finalize(ctx)
	assert.Error(t, err)
}

func TestBoundedBufferSinkAbortReleasesBytes(t *testing.T) {
	sink := NewBoundedBufferSink(descriptorFor(t, "a.bin", 8), 4)
	require.NoError(t, sink.Write(context.Background(), []byte("abcdef")))
	require.NoError(t, sink.Abort())
	assert.Zero(t, sink.Segments())
	assert.Error(t, sink.Write(context.Background(), []byte("x")))
}

func TestStreamingSinkWritesThroughPartialFile(t *testing.T) {
	dir := t.TempDir()
	data := patterned(700000)
	desc := descriptorFor(t, "photo.raw", len(data))
	sink := NewStreamingSink(desc, DiskOpener{Dir: dir})
	ctx := context.Background()

	partial := filepath.Join(dir, desc.ID+"_photo.raw.part")
	_, err := os.Stat(partial)
	assert.True(t, os.IsNotExist(err), "stream must open lazily")

	for offset := 0; offset < len(data); offset += DefaultChunkSize {
		end := min(offset+DefaultChunkSize, len(data))
		require.NoError(t, sink.Write(ctx, data[offset:end]))
	}
	_, err = os.Stat(partial)
	require.NoError(t, err)

	artifact, err := sink.Finalize(ctx)
	require.NoError(t, err)
	assert.False(t, artifact.InMemory())
	assert.Equal(t, filepath.Join(dir, desc.ID+"_photo.raw"), artifact.Path)

	written, err := os.ReadFile(artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, data, written)
	_, err = os.Stat(partial)
	assert.True(t, os.IsNotExist(err))

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), artifact.Checksum)
}

func TestStreamingSinkAbortRemovesPartialFile(t *testing.T) {
	dir := t.TempDir()
	desc := descriptorFor(t, "doc.pdf", 10)
	sink := NewStreamingSink(desc, DiskOpener{Dir: dir})

	require.NoError(t, sink.Write(context.Background(), []byte("hello")))
	require.NoError(t, sink.Abort())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStreamingSinkZeroByteFinalizeCreatesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	desc := descriptorFor(t, "empty.txt", 0)
	sink := NewStreamingSink(desc, DiskOpener{Dir: dir})

	artifact, err := sink.Finalize(context.Background())
	require.NoError(t, err)
	info, err := os.Stat(artifact.Path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestProbeCapability(t *testing.T) {
	assert.Equal(t, SinkStream, ProbeCapability(filepath.Join(t.TempDir(), "downloads")))
	assert.Equal(t, SinkMemory, ProbeCapability(""))

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	assert.Equal(t, SinkMemory, ProbeCapability(filepath.Join(blocker, "downloads")))
}

func TestDescriptorFilenameUsesMimeExtension(t *testing.T) {
	desc := descriptorFor(t, "picture", 1)
	desc.MimeType = "image/png"
	assert.Equal(t, "picture.png", descriptorFilename(desc))

	desc.Name = "picture.jpeg"
	assert.Equal(t, "picture.jpeg", descriptorFilename(desc))
	assert.Equal(t, "id_name.txt", prefixedFilename("id", "../../name.txt"))
}

func TestPrefixedFilenameStaysInsideDirectory(t *testing.T) {
	assert.Equal(t, "escaped_x.txt", prefixedFilename("../escaped", "x.txt"))
	assert.Equal(t, "evil_x.txt", prefixedFilename(`..\evil`, "x.txt"))
	assert.Equal(t, "file_x.txt", prefixedFilename("..", "x.txt"))
	assert.Equal(t, "file_file.bin", prefixedFilename("", "/"))
}

func TestArtifactStoreSave(t *testing.T) {
	store := NewArtifactStore()
	desc := descriptorFor(t, "notes.txt", 5)
	store.Put(modelsArtifact(desc, []byte("hello")))

	dir := t.TempDir()
	path, err := store.Save(desc.ID, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, desc.ID+"_notes.txt"), path)
	saved, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), saved)

	require.Len(t, store.List(), 1)
	store.Remove(desc.ID)
	_, err = store.Save(desc.ID, dir)
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}
