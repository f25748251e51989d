package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"mapsync/models"
)

// UpsertPeer inserts a peer or refreshes its endpoint, role and last seen
// time. first_seen is kept from the original insert.
func (s *Store) UpsertPeer(peer models.Peer) error {
	if peer.UID == "" {
		return errors.New("uid is required")
	}
	lastSeen := peer.LastSeen.UnixMilli()
	if peer.LastSeen.IsZero() {
		lastSeen = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (
			uid,
			ip,
			sync_port,
			is_master,
			source,
			first_seen,
			last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			ip = excluded.ip,
			sync_port = excluded.sync_port,
			is_master = excluded.is_master,
			source = excluded.source,
			last_seen = MAX(peers.last_seen, excluded.last_seen)`,
		peer.UID,
		peer.IP,
		int(peer.SyncPort),
		boolToInt(peer.IsMaster),
		peer.Source,
		lastSeen,
		lastSeen,
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.UID, err)
	}
	return nil
}

// GetPeer fetches a peer by uid.
func (s *Store) GetPeer(uid string) (*KnownPeer, error) {
	row := s.db.QueryRow(
		`SELECT uid, ip, sync_port, is_master, source, first_seen, last_seen
		FROM peers
		WHERE uid = ?`,
		uid,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", uid, err)
	}
	return peer, nil
}

// ListPeers returns all peers, most recently seen first.
func (s *Store) ListPeers() ([]KnownPeer, error) {
	rows, err := s.db.Query(
		`SELECT uid, ip, sync_port, is_master, source, first_seen, last_seen
		FROM peers
		ORDER BY last_seen DESC, uid`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]KnownPeer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}
	return peers, nil
}

// RemovePeer deletes a peer row.
func (s *Store) RemovePeer(uid string) error {
	res, err := s.db.Exec(`DELETE FROM peers WHERE uid = ?`, uid)
	if err != nil {
		return fmt.Errorf("remove peer %q: %w", uid, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove peer rows affected %q: %w", uid, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (*KnownPeer, error) {
	var (
		peer     KnownPeer
		syncPort int
		isMaster int
	)
	if err := row.Scan(
		&peer.UID,
		&peer.IP,
		&syncPort,
		&isMaster,
		&peer.Source,
		&peer.FirstSeen,
		&peer.LastSeen,
	); err != nil {
		return nil, err
	}
	peer.SyncPort = uint16(syncPort)
	peer.IsMaster = isMaster == 1
	return &peer, nil
}
