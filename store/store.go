// Package store remembers synths the daemon has connected to, in SQLite
// (WAL mode).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/usenocturne/synthlink/bluetooth"
	"go.uber.org/zap"
)

// RememberedPeer is a peer with the time it last connected.
type RememberedPeer struct {
	bluetooth.Peer
	LastSeen time.Time `json:"last_seen"`
}

// PeerStore persists connected peers.
type PeerStore struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

// Open opens (or creates) the SQLite file at path and applies the schema.
func Open(path string, logger *zap.Logger) (*PeerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// One writer; WAL still allows concurrent readers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(ddlPeers); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	s := &PeerStore{db: db, log: logger.Named("store"), now: time.Now}
	s.log.Info("opened peer store", zap.String("path", path))
	return s, nil
}

const ddlPeers = `
CREATE TABLE IF NOT EXISTS peers (
    peer_id   TEXT    PRIMARY KEY,
    name      TEXT    NOT NULL DEFAULT '',
    last_seen INTEGER NOT NULL           -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers (last_seen DESC);
`

// Remember records peer as seen now, updating its name.
func (s *PeerStore) Remember(ctx context.Context, peer bluetooth.Peer) error {
	if peer.ID == "" {
		return errors.New("store: peer id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (peer_id, name, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET name = excluded.name, last_seen = excluded.last_seen`,
		peer.ID, peer.Name, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: remember %s: %w", peer.ID, err)
	}
	s.log.Debug("remembered peer", zap.String("peer", peer.ID), zap.String("name", peer.Name))
	return nil
}

// Last returns the most recently connected peer. ok is false when the store
// is empty.
func (s *PeerStore) Last(ctx context.Context) (peer bluetooth.Peer, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT peer_id, name FROM peers ORDER BY last_seen DESC LIMIT 1`)
	switch err := row.Scan(&peer.ID, &peer.Name); {
	case errors.Is(err, sql.ErrNoRows):
		return bluetooth.Peer{}, false, nil
	case err != nil:
		return bluetooth.Peer{}, false, fmt.Errorf("store: last peer: %w", err)
	}
	return peer, true, nil
}

// List returns every remembered peer, most recent first.
func (s *PeerStore) List(ctx context.Context) ([]RememberedPeer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT peer_id, name, last_seen FROM peers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list peers: %w", err)
	}
	defer rows.Close()

	var peers []RememberedPeer
	for rows.Next() {
		var p RememberedPeer
		var ms int64
		if err := rows.Scan(&p.ID, &p.Name, &ms); err != nil {
			return nil, fmt.Errorf("store: scan peer: %w", err)
		}
		p.LastSeen = time.UnixMilli(ms)
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// Forget removes a peer. Unknown ids are not an error.
func (s *PeerStore) Forget(ctx context.Context, peerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM peers WHERE peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("store: forget %s: %w", peerID, err)
	}
	return nil
}

func (s *PeerStore) Close() error {
	return s.db.Close()
}
