package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SaveTransfer inserts a transfer row or merges it into the existing one.
// Empty descriptive fields never overwrite values recorded earlier, and
// bytes_transferred only grows.
func (s *Store) SaveTransfer(record TransferRecord) error {
	if record.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferDirection(record.Direction); err != nil {
		return err
	}
	if record.Filename == "" {
		return errors.New("filename is required")
	}
	if record.Filesize < 0 {
		return errors.New("filesize must be >= 0")
	}
	if record.State == "" {
		record.State = TransferStatePending
	}
	if err := validateTransferState(record.State); err != nil {
		return err
	}

	now := nowUnixMilli()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = now
	}
	if record.CompletedAt == nil && (record.State == TransferStateCompleted || record.State == TransferStateFailed) {
		completed := record.UpdatedAt
		record.CompletedAt = &completed
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			direction,
			peer_id,
			filename,
			filesize,
			mime_type,
			state,
			bytes_transferred,
			sink_kind,
			stored_path,
			checksum,
			error,
			created_at,
			updated_at,
			completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id, direction) DO UPDATE SET
			peer_id = CASE WHEN excluded.peer_id <> '' THEN excluded.peer_id ELSE transfers.peer_id END,
			mime_type = CASE WHEN excluded.mime_type <> '' THEN excluded.mime_type ELSE transfers.mime_type END,
			state = excluded.state,
			bytes_transferred = MAX(transfers.bytes_transferred, excluded.bytes_transferred),
			sink_kind = CASE WHEN excluded.sink_kind <> '' THEN excluded.sink_kind ELSE transfers.sink_kind END,
			stored_path = CASE WHEN excluded.stored_path <> '' THEN excluded.stored_path ELSE transfers.stored_path END,
			checksum = CASE WHEN excluded.checksum <> '' THEN excluded.checksum ELSE transfers.checksum END,
			error = excluded.error,
			updated_at = excluded.updated_at,
			completed_at = COALESCE(transfers.completed_at, excluded.completed_at)`,
		record.TransferID,
		record.Direction,
		record.PeerID,
		record.Filename,
		record.Filesize,
		record.MimeType,
		record.State,
		record.BytesTransferred,
		record.SinkKind,
		record.StoredPath,
		record.Checksum,
		record.Error,
		record.CreatedAt,
		record.UpdatedAt,
		nullInt64(record.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save transfer %q/%q: %w", record.TransferID, record.Direction, err)
	}
	return nil
}

// UpdateTransferStoredPath records where a received artifact was saved.
func (s *Store) UpdateTransferStoredPath(transferID, path string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET stored_path = ?, updated_at = ?
		WHERE transfer_id = ? AND direction = ?`,
		path,
		nowUnixMilli(),
		transferID,
		DirectionReceive,
	)
	if err != nil {
		return fmt.Errorf("update stored path %q: %w", transferID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for stored path %q: %w", transferID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTransfer fetches one transfer by id and direction.
func (s *Store) GetTransfer(transferID, direction string) (*TransferRecord, error) {
	if err := validateTransferDirection(direction); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(
		`SELECT `+transferColumns+`
		FROM transfers
		WHERE transfer_id = ? AND direction = ?`,
		transferID,
		direction,
	)

	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q/%q: %w", transferID, direction, err)
	}
	return record, nil
}

// ListTransfers returns history rows, newest first.
func (s *Store) ListTransfers(filter TransferFilter) ([]TransferRecord, error) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if filter.Direction != "" {
		if err := validateTransferDirection(filter.Direction); err != nil {
			return nil, err
		}
		clauses = append(clauses, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.PeerID != "" {
		clauses = append(clauses, "peer_id = ?")
		args = append(args, filter.PeerID)
	}
	if filter.State != "" {
		if err := validateTransferState(filter.State); err != nil {
			return nil, err
		}
		clauses = append(clauses, "state = ?")
		args = append(args, filter.State)
	}

	query := `SELECT ` + transferColumns + ` FROM transfers`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at DESC, transfer_id, direction"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		record, scanErr := scanTransfer(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer row: %w", scanErr)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return records, nil
}

// MarkInterruptedTransfers fails every row still pending or active. Transfers
// do not survive a restart, so these rows belong to a previous run.
func (s *Store) MarkInterruptedTransfers() (int64, error) {
	now := nowUnixMilli()
	res, err := s.db.Exec(
		`UPDATE transfers
		SET state = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE state IN (?, ?)`,
		TransferStateFailed,
		interruptedReason,
		now,
		now,
		TransferStatePending,
		TransferStateActive,
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted transfers: %w", err)
	}
	return res.RowsAffected()
}

// PruneTransfers removes finished transfers last updated before cutoffTimestamp.
func (s *Store) PruneTransfers(cutoffTimestamp int64) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM transfers
		WHERE updated_at < ? AND state IN (?, ?)`,
		cutoffTimestamp,
		TransferStateCompleted,
		TransferStateFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	return res.RowsAffected()
}

const transferColumns = `
			transfer_id,
			direction,
			peer_id,
			filename,
			filesize,
			mime_type,
			state,
			bytes_transferred,
			sink_kind,
			stored_path,
			checksum,
			error,
			created_at,
			updated_at,
			completed_at`

func scanTransfer(row scanner) (*TransferRecord, error) {
	var (
		record      TransferRecord
		completedAt sql.NullInt64
	)
	if err := row.Scan(
		&record.TransferID,
		&record.Direction,
		&record.PeerID,
		&record.Filename,
		&record.Filesize,
		&record.MimeType,
		&record.State,
		&record.BytesTransferred,
		&record.SinkKind,
		&record.StoredPath,
		&record.Checksum,
		&record.Error,
		&record.CreatedAt,
		&record.UpdatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	record.CompletedAt = int64Ptr(completedAt)
	return &record, nil
}
