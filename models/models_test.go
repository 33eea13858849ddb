package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkCount(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		chunkSize int
		want      int
	}{
		{name: "empty", size: 0, chunkSize: 262144, want: 0},
		{name: "smaller_than_chunk", size: 10, chunkSize: 262144, want: 1},
		{name: "exact_multiple", size: 2 * 262144, chunkSize: 262144, want: 2},
		{name: "partial_tail", size: 700000, chunkSize: 262144, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := FileDescriptor{ID: "f", Name: "f.bin", Size: tt.size}
			assert.Equal(t, tt.want, desc.ChunkCount(tt.chunkSize))
		})
	}
}

func TestNewFileDescriptorValidates(t *testing.T) {
	desc, err := NewFileDescriptor("photo.png", 42, "image/png")
	require.NoError(t, err)
	assert.NotEmpty(t, desc.ID)

	_, err = NewFileDescriptor("", 42, "")
	assert.Error(t, err)
	_, err = NewFileDescriptor("x", -1, "")
	assert.Error(t, err)

	for _, id := range []string{"../escaped", "f-1", "{" + desc.ID + "}", "urn:uuid:" + desc.ID} {
		hostile := FileDescriptor{ID: id, Name: "x.txt", Size: 5}
		assert.ErrorIs(t, hostile.Validate(), ErrInvalidDescriptorID, id)
	}
}

func TestParsePeerIdentity(t *testing.T) {
	id, err := ParsePeerIdentity("004211")
	require.NoError(t, err)
	assert.Equal(t, PeerIdentity("004211"), id)

	for _, raw := range []string{"", "12345", "1234567", "12a456"} {
		_, err := ParsePeerIdentity(raw)
		assert.ErrorIs(t, err, ErrInvalidPeerIdentity, raw)
	}
}

func TestIdentityGeneratorNeverRepeats(t *testing.T) {
	gen := NewIdentityGenerator()
	gen.Reserve("123456")

	seen := map[PeerIdentity]bool{"123456": true}
	for i := 0; i < 2000; i++ {
		id, err := gen.Next()
		require.NoError(t, err)
		_, err = ParsePeerIdentity(id.String())
		require.NoError(t, err)
		require.False(t, seen[id], "identity %s issued twice", id)
		seen[id] = true
	}
}
