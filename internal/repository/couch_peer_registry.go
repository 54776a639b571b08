package repository

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	"voice-sync/internal/domain"
)

const peerDocType = "peer"

type peerDoc struct {
	ID                     string  `json:"_id"`
	Rev                    string  `json:"_rev,omitempty"`
	Type                   string  `json:"type"`
	PeerID                 string  `json:"peer_id"`
	Name                   string  `json:"peer_name"`
	URL                    string  `json:"peer_url"`
	CertificateFingerprint *string `json:"certificate_fingerprint,omitempty"`
	UpdatedAt              string  `json:"updated_at"`
}

func (d *peerDoc) toPeer() *domain.Peer {
	return &domain.Peer{
		ID:                     d.PeerID,
		Name:                   d.Name,
		URL:                    d.URL,
		CertificateFingerprint: d.CertificateFingerprint,
	}
}

type couchPeerRegistry struct {
	client *kivik.Client
	dbName string
}

// ConnectCouchDB opens a CouchDB client and creates dbName when missing.
func ConnectCouchDB(ctx context.Context, url, dbName string) (*kivik.Client, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, errors.Wrap(err, "connect to CouchDB")
	}

	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return nil, errors.Wrap(err, "check database existence")
	}
	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil {
			return nil, errors.Wrapf(err, "create database %s", dbName)
		}
	}
	return client, nil
}

// NewCouchPeerRegistry stores peers as "peer:<id>" documents so several
// devices of one operator can share a registry.
func NewCouchPeerRegistry(client *kivik.Client, dbName string) PeerRegistry {
	return &couchPeerRegistry{
		client: client,
		dbName: dbName,
	}
}

func peerDocID(peerID string) string {
	return fmt.Sprintf("peer:%s", peerID)
}

func (r *couchPeerRegistry) load(ctx context.Context, peerID string) (*peerDoc, error) {
	db := r.client.DB(r.dbName)

	var doc peerDoc
	if err := db.Get(ctx, peerDocID(peerID)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, notFound("peer", peerID)
		}
		return nil, errors.Wrapf(err, "get peer %s", peerID)
	}
	return &doc, nil
}

func (r *couchPeerRegistry) save(ctx context.Context, doc *peerDoc) error {
	db := r.client.DB(r.dbName)

	doc.Type = peerDocType
	doc.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if _, err := db.Put(ctx, doc.ID, doc); err != nil {
		return errors.Wrapf(err, "save peer %s", doc.PeerID)
	}
	return nil
}

func (r *couchPeerRegistry) GetPeer(ctx context.Context, peerID string) (*domain.Peer, error) {
	doc, err := r.load(ctx, peerID)
	if err != nil {
		return nil, err
	}
	return doc.toPeer(), nil
}

func (r *couchPeerRegistry) ListPeers(ctx context.Context) ([]*domain.Peer, error) {
	db := r.client.DB(r.dbName)

	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"type": peerDocType,
		},
	}

	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list peers")
	}
	defer rows.Close()

	var peers []*domain.Peer
	for rows.Next() {
		var doc peerDoc
		if err := rows.ScanDoc(&doc); err != nil {
			continue // Skip malformed docs
		}
		peers = append(peers, doc.toPeer())
	}
	return peers, rows.Err()
}

func (r *couchPeerRegistry) AddPeer(ctx context.Context, peer *domain.Peer) error {
	doc, err := r.load(ctx, peer.ID)
	if errors.Is(err, domain.ErrNotFound) {
		doc = &peerDoc{ID: peerDocID(peer.ID), PeerID: peer.ID}
	} else if err != nil {
		return err
	}

	doc.Name = peer.Name
	doc.URL = peer.URL
	if peer.CertificateFingerprint != nil {
		doc.CertificateFingerprint = peer.CertificateFingerprint
	}
	return r.save(ctx, doc)
}

func (r *couchPeerRegistry) RemovePeer(ctx context.Context, peerID string) error {
	doc, err := r.load(ctx, peerID)
	if err != nil {
		return err
	}

	db := r.client.DB(r.dbName)
	if _, err := db.Delete(ctx, doc.ID, doc.Rev); err != nil {
		return errors.Wrapf(err, "remove peer %s", peerID)
	}
	return nil
}

func (r *couchPeerRegistry) UpdateCertificateFingerprint(ctx context.Context, peerID, fingerprint string) error {
	doc, err := r.load(ctx, peerID)
	if err != nil {
		return err
	}

	doc.CertificateFingerprint = &fingerprint
	return r.save(ctx, doc)
}
