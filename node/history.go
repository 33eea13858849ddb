package node

import (
	"github.com/sirupsen/logrus"

	"peerdrop/models"
	"peerdrop/storage"
	"peerdrop/transfer"
)

// historyRecords maps one session event onto history rows. Progress events
// produce nothing; the row is updated on the next lifecycle event.
func historyRecords(ev transfer.Event) []storage.TransferRecord {
	direction := storage.DirectionSend
	if ev.Direction == transfer.DirectionReceive {
		direction = storage.DirectionReceive
	}
	base := func(descriptor models.FileDescriptor) storage.TransferRecord {
		return storage.TransferRecord{
			TransferID: descriptor.ID,
			Direction:  direction,
			PeerID:     ev.Peer.String(),
			Filename:   descriptor.Name,
			Filesize:   descriptor.Size,
			MimeType:   descriptor.MimeType,
			SinkKind:   string(ev.SinkKind),
			UpdatedAt:  ev.Time.UnixMilli(),
		}
	}

	switch ev.Kind {
	case transfer.EventQueued:
		record := base(ev.Descriptor)
		record.State = storage.TransferStatePending
		record.CreatedAt = record.UpdatedAt
		return []storage.TransferRecord{record}
	case transfer.EventAnnounced, transfer.EventIncoming:
		records := make([]storage.TransferRecord, 0, len(ev.Descriptors))
		for _, descriptor := range ev.Descriptors {
			record := base(descriptor)
			record.State = storage.TransferStatePending
			record.CreatedAt = record.UpdatedAt
			records = append(records, record)
		}
		return records
	case transfer.EventStarted:
		record := base(ev.Descriptor)
		record.State = storage.TransferStateActive
		return []storage.TransferRecord{record}
	case transfer.EventCompleted:
		record := base(ev.Descriptor)
		record.State = storage.TransferStateCompleted
		record.BytesTransferred = ev.Bytes
		if ev.Artifact != nil {
			record.StoredPath = ev.Artifact.Path
			record.Checksum = ev.Artifact.Checksum
		}
		return []storage.TransferRecord{record}
	case transfer.EventFailed:
		record := base(ev.Descriptor)
		record.State = storage.TransferStateFailed
		record.BytesTransferred = ev.Bytes
		if ev.Err != nil {
			record.Error = ev.Err.Error()
		}
		return []storage.TransferRecord{record}
	default:
		return nil
	}
}

func (n *Node) recordHistory(ev transfer.Event) {
	for _, record := range historyRecords(ev) {
		if err := n.store.SaveTransfer(record); err != nil {
			n.log.WithError(err).WithFields(logrus.Fields{
				"transfer_id": record.TransferID,
				"event":       string(ev.Kind),
			}).Error("persist transfer history failed")
		}
	}
}
