package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// UpsertPeerEndpoint records the latest known address of a peer.
func (s *Store) UpsertPeerEndpoint(endpoint PeerEndpoint) error {
	if endpoint.PeerID == "" {
		return errors.New("peer_id is required")
	}
	endpoint.Address = strings.TrimSpace(endpoint.Address)
	if endpoint.Address == "" {
		return errors.New("address is required")
	}
	if endpoint.Source == "" {
		endpoint.Source = PeerSourceManual
	}
	if err := validatePeerSource(endpoint.Source); err != nil {
		return err
	}
	if endpoint.AddedTimestamp == 0 {
		endpoint.AddedTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (
			peer_id,
			address,
			source,
			added_timestamp,
			last_seen_timestamp,
			last_connected_timestamp
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			address = excluded.address,
			source = excluded.source,
			last_seen_timestamp = COALESCE(excluded.last_seen_timestamp, peers.last_seen_timestamp),
			last_connected_timestamp = COALESCE(excluded.last_connected_timestamp, peers.last_connected_timestamp)`,
		endpoint.PeerID,
		endpoint.Address,
		endpoint.Source,
		endpoint.AddedTimestamp,
		nullInt64(endpoint.LastSeenTimestamp),
		nullInt64(endpoint.LastConnectedTimestamp),
	)
	if err != nil {
		return fmt.Errorf("upsert peer endpoint %q: %w", endpoint.PeerID, err)
	}
	return nil
}

// GetPeerEndpoint fetches a peer endpoint by identity.
func (s *Store) GetPeerEndpoint(peerID string) (*PeerEndpoint, error) {
	row := s.db.QueryRow(
		`SELECT
			peer_id,
			address,
			source,
			added_timestamp,
			last_seen_timestamp,
			last_connected_timestamp
		FROM peers
		WHERE peer_id = ?`,
		peerID,
	)

	endpoint, err := scanPeerEndpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer endpoint %q: %w", peerID, err)
	}
	return endpoint, nil
}

// ListPeerEndpoints returns all known endpoints ordered by identity.
func (s *Store) ListPeerEndpoints() ([]PeerEndpoint, error) {
	rows, err := s.db.Query(
		`SELECT
			peer_id,
			address,
			source,
			added_timestamp,
			last_seen_timestamp,
			last_connected_timestamp
		FROM peers
		ORDER BY peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peer endpoints: %w", err)
	}
	defer rows.Close()

	endpoints := make([]PeerEndpoint, 0)
	for rows.Next() {
		endpoint, scanErr := scanPeerEndpoint(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan peer endpoint row: %w", scanErr)
		}
		endpoints = append(endpoints, *endpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer endpoint rows: %w", err)
	}
	return endpoints, nil
}

// MarkPeerConnected stamps last_connected_timestamp for a known peer.
func (s *Store) MarkPeerConnected(peerID string, timestamp int64) error {
	res, err := s.db.Exec(
		`UPDATE peers
		SET last_connected_timestamp = ?, last_seen_timestamp = ?
		WHERE peer_id = ?`,
		timestamp,
		timestamp,
		peerID,
	)
	if err != nil {
		return fmt.Errorf("mark peer connected %q: %w", peerID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for peer %q: %w", peerID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RemovePeerEndpoint deletes a peer endpoint.
func (s *Store) RemovePeerEndpoint(peerID string) error {
	res, err := s.db.Exec(`DELETE FROM peers WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("remove peer endpoint %q: %w", peerID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for peer %q: %w", peerID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPeerEndpoint(row scanner) (*PeerEndpoint, error) {
	var (
		endpoint      PeerEndpoint
		lastSeen      sql.NullInt64
		lastConnected sql.NullInt64
	)
	if err := row.Scan(
		&endpoint.PeerID,
		&endpoint.Address,
		&endpoint.Source,
		&endpoint.AddedTimestamp,
		&lastSeen,
		&lastConnected,
	); err != nil {
		return nil, err
	}
	endpoint.LastSeenTimestamp = int64Ptr(lastSeen)
	endpoint.LastConnectedTimestamp = int64Ptr(lastConnected)
	return &endpoint, nil
}
