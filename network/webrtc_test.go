package network

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentPayloadReassembles(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 5000)
	fragments := fragmentPayload(payload, 1024)
	require.Len(t, fragments, 40)

	h := &rtcHandle{}
	for i, fragment := range fragments {
		got, ok := h.reassemble(fragment)
		if i < len(fragments)-1 {
			assert.False(t, ok)
			assert.Equal(t, fragmentMore, fragment[0])
			continue
		}
		require.True(t, ok)
		assert.Equal(t, payload, got)
	}
}

func TestFragmentEmptyPayload(t *testing.T) {
	fragments := fragmentPayload(nil, 1024)
	require.Len(t, fragments, 1)
	assert.Equal(t, []byte{fragmentLast}, fragments[0])

	got, ok := (&rtcHandle{}).reassemble(fragments[0])
	assert.True(t, ok)
	assert.Empty(t, got)
}

func TestWebRTCSubstrateRequiresSignaling(t *testing.T) {
	_, err := NewWebRTCSubstrate(WebRTCOptions{})
	assert.ErrorIs(t, err, ErrSignaling)

	substrate, err := NewWebRTCSubstrate(WebRTCOptions{
		Signaling:  NewTCPSubstrate(TCPOptions{}),
		ICEServers: []string{"stun:stun.l.google.com:19302"},
	})
	require.NoError(t, err)
	assert.Len(t, substrate.config.ICEServers, 1)
	require.NoError(t, substrate.Close())
}
