package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir())
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})

	return store
}

func sampleTransfer(id, direction string) TransferRecord {
	return TransferRecord{
		TransferID: id,
		Direction:  direction,
		PeerID:     "482913",
		Filename:   "report.pdf",
		Filesize:   700000,
		MimeType:   "application/pdf",
	}
}
