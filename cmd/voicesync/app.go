package main

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"voice-sync/internal/blob"
	"voice-sync/internal/domain"
	"voice-sync/internal/repository"
	"voice-sync/internal/service"
	"voice-sync/internal/trust"
)

// app holds the wired stores and identity shared by every command.
type app struct {
	device   domain.Device
	db       *sql.DB
	store    *repository.SQLiteStore
	peers    repository.PeerRegistry
	blobs    blob.Store
	identity *trust.Identity
	verifier *trust.Verifier
}

func openApp(ctx context.Context) (*app, error) {
	device, err := cfg.ResolveDevice()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
		return nil, errors.Wrap(err, "create database dir")
	}
	db, err := repository.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	a := &app{
		device: device,
		db:     db,
		store:  repository.NewSQLiteStore(db, device, logger),
	}

	switch cfg.Registry.Backend {
	case "couchdb":
		client, err := repository.ConnectCouchDB(ctx, cfg.Registry.URL(), cfg.Registry.Name)
		if err != nil {
			db.Close()
			return nil, err
		}
		a.peers = repository.NewCouchPeerRegistry(client, cfg.Registry.Name)
	default:
		a.peers = repository.NewSQLitePeerRegistry(db)
	}

	switch cfg.Blob.Backend {
	case "s3":
		a.blobs, err = blob.NewS3Store(ctx, blob.S3Config{
			Bucket:          cfg.Blob.S3.Bucket,
			Region:          cfg.Blob.S3.Region,
			Endpoint:        cfg.Blob.S3.Endpoint,
			AccessKeyID:     cfg.Blob.S3.AccessKeyID,
			SecretAccessKey: cfg.Blob.S3.SecretAccessKey,
			Prefix:          cfg.Blob.S3.Prefix,
			UsePathStyle:    cfg.Blob.S3.UsePathStyle,
		})
	case "fs":
		a.blobs, err = blob.NewFileStore(cfg.Blob.Dir)
	}
	if err != nil {
		db.Close()
		return nil, err
	}

	a.identity, err = loadIdentity(device, false)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.verifier = trust.NewVerifier(a.peers, logger)

	logger.Debugw("app opened",
		"device_id", device.ID,
		"database", cfg.Database.Path,
		"registry", cfg.Registry.Backend,
		"blobs", cfg.Blob.Backend,
	)
	return a, nil
}

// loadIdentity prefers explicitly configured TLS files over the identity
// kept in the data dir.
func loadIdentity(device domain.Device, regenerate bool) (*trust.Identity, error) {
	if cfg.Server.CertFile != "" && cfg.Server.KeyFile != "" && !regenerate {
		return trust.LoadIdentity(cfg.Server.CertFile, cfg.Server.KeyFile)
	}
	id, created, err := trust.EnsureIdentity(cfg.Device.DataDir, device.Name, device.ID, regenerate)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Infow("generated device identity", "fingerprint", id.Fingerprint)
	}
	return id, nil
}

func (a *app) sessions(events service.EventPublisher) *service.SessionService {
	dial := service.NewClientDialer(a.device, a.identity, cfg.Sync.RequestTimeout, cfg.Sync.BlobTimeout, logger)
	return service.NewSessionService(a.store, a.store, a.peers, a.verifier, a.blobs, dial, a.device, cfg.Sync.PageLimit, events, logger)
}

func (a *app) conflicts() *service.ConflictService {
	return service.NewConflictService(a.store, a.device, logger)
}

func (a *app) Close() {
	a.db.Close()
}
