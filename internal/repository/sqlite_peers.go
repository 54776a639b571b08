package repository

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"voice-sync/internal/domain"
)

const peerCols = "peer_id, peer_name, peer_url, certificate_fingerprint, last_sync_at"

type sqlitePeerRegistry struct {
	db *sql.DB
}

// NewSQLitePeerRegistry keeps peers in the same sync_peers table the store
// records last-sync times in.
func NewSQLitePeerRegistry(db *sql.DB) PeerRegistry {
	return &sqlitePeerRegistry{db: db}
}

func scanPeer(sc scanner) (*domain.Peer, error) {
	var (
		p            domain.Peer
		fp, lastSync sql.NullString
	)
	if err := sc.Scan(&p.ID, &p.Name, &p.URL, &fp, &lastSync); err != nil {
		return nil, err
	}
	p.CertificateFingerprint = stringPtr(fp)
	var err error
	if p.LastSyncAt, err = parseTimeNull(lastSync); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *sqlitePeerRegistry) GetPeer(ctx context.Context, peerID string) (*domain.Peer, error) {
	p, err := scanPeer(r.db.QueryRowContext(ctx, "SELECT "+peerCols+" FROM sync_peers WHERE peer_id = ?", peerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("peer", peerID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get peer %s", peerID)
	}
	return p, nil
}

func (r *sqlitePeerRegistry) ListPeers(ctx context.Context) ([]*domain.Peer, error) {
	peers, err := collect(ctx, r.db, scanPeer, "SELECT "+peerCols+" FROM sync_peers ORDER BY peer_name, peer_id")
	if err != nil {
		return nil, errors.Wrap(err, "list peers")
	}
	return peers, nil
}

// AddPeer inserts or updates a peer. A nil fingerprint keeps the pinned one.
func (r *sqlitePeerRegistry) AddPeer(ctx context.Context, peer *domain.Peer) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_peers (peer_id, peer_name, peer_url, certificate_fingerprint)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			peer_name = excluded.peer_name,
			peer_url = excluded.peer_url,
			certificate_fingerprint = COALESCE(excluded.certificate_fingerprint, sync_peers.certificate_fingerprint)`,
		peer.ID, peer.Name, peer.URL, nullString(peer.CertificateFingerprint))
	return errors.Wrapf(err, "add peer %s", peer.ID)
}

func (r *sqlitePeerRegistry) RemovePeer(ctx context.Context, peerID string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM sync_peers WHERE peer_id = ?", peerID)
	if err != nil {
		return errors.Wrapf(err, "remove peer %s", peerID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("peer", peerID)
	}
	return nil
}

func (r *sqlitePeerRegistry) UpdateCertificateFingerprint(ctx context.Context, peerID, fingerprint string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE sync_peers SET certificate_fingerprint = ? WHERE peer_id = ?", fingerprint, peerID)
	if err != nil {
		return errors.Wrapf(err, "update fingerprint for %s", peerID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("peer", peerID)
	}
	return nil
}
