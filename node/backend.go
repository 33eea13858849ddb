package node

import (
	"context"
	"errors"

	"peerdrop/api"
	"peerdrop/models"
	"peerdrop/storage"
	"peerdrop/transfer"
)

// Status reports identity and link state.
func (n *Node) Status() api.Status {
	status := api.Status{
		PeerID:    n.local.String(),
		Substrate: n.settings.Substrate,
		State:     string(n.manager.State()),
		StartedAt: n.startedAt,
	}
	if link := n.manager.Current(); link != nil {
		status.Remote = link.Remote().String()
	}
	return status
}

// Snapshot copies the live transfer tables.
func (n *Node) Snapshot(ctx context.Context) (transfer.Snapshot, error) {
	return n.session.Snapshot(ctx)
}

// History lists persisted transfers.
func (n *Node) History(filter storage.TransferFilter) ([]storage.TransferRecord, error) {
	return n.store.ListTransfers(filter)
}

// Artifacts lists finalized received files.
func (n *Node) Artifacts() []models.Artifact {
	return n.session.Artifacts().List()
}

// Artifact returns one finalized received file.
func (n *Node) Artifact(id string) (models.Artifact, error) {
	return n.session.Artifacts().Get(id)
}

// SaveArtifact writes an in-memory artifact into the download directory and
// records the path in the history.
func (n *Node) SaveArtifact(_ context.Context, id string) (string, error) {
	path, err := n.session.Artifacts().Save(id, n.settings.DownloadDir)
	if err != nil {
		return "", err
	}
	if err := n.store.UpdateTransferStoredPath(id, path); err != nil && !errors.Is(err, storage.ErrNotFound) {
		n.log.WithError(err).WithField("transfer_id", id).Warn("record saved path failed")
	}
	return path, nil
}

// DiscardArtifact forgets a finished incoming transfer and releases its bytes.
func (n *Node) DiscardArtifact(ctx context.Context, id string) error {
	if _, err := n.session.Artifacts().Get(id); err != nil {
		return err
	}
	return n.session.Discard(ctx, id)
}

// Cancel abandons a transfer in either direction.
func (n *Node) Cancel(ctx context.Context, id string) error {
	return n.session.Cancel(ctx, id)
}
