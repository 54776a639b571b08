package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"voice-sync/internal/blob"
	"voice-sync/internal/domain"
	"voice-sync/internal/repository"
	"voice-sync/internal/trust"
	"voice-sync/pkg/jwt"
)

// EventPublisher receives session and apply progress. Implementations must
// not block.
type EventPublisher interface {
	Publish(event *domain.SyncEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(*domain.SyncEvent) {}

// SyncService answers the server side of the wire protocol. Every method is
// independently callable; no state is kept between requests.
type SyncService struct {
	store    repository.Store
	entities repository.EntityStore
	blobs    blob.Store
	identity *trust.Identity
	local    domain.Device
	tokenTTL time.Duration
	events   EventPublisher
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewSyncService wires the server role. blobs may be nil when audio
// transfer is disabled; identity may be nil when session tokens are not
// issued.
func NewSyncService(
	store repository.Store,
	entities repository.EntityStore,
	blobs blob.Store,
	identity *trust.Identity,
	local domain.Device,
	tokenTTL time.Duration,
	events EventPublisher,
	logger *zap.SugaredLogger,
) *SyncService {
	if events == nil {
		events = nopPublisher{}
	}
	return &SyncService{
		store:    store,
		entities: entities,
		blobs:    blobs,
		identity: identity,
		local:    local,
		tokenTTL: tokenTTL,
		events:   events,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *SyncService) SupportsAudio() bool {
	return s.blobs != nil
}

// CheckProtocolVersion accepts any version with our major number.
func CheckProtocolVersion(v string) error {
	theirs, err := semver.NewVersion(v)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "parse protocol version %q", v), domain.ErrIncompatibleWire)
	}
	ours := semver.MustParse(domain.ProtocolVersion)
	constraint, err := semver.NewConstraint(fmt.Sprintf("^%d", ours.Major()))
	if err != nil {
		return errors.Wrap(err, "build protocol constraint")
	}
	if !constraint.Check(theirs) {
		err := errors.Newf("protocol version %s is not compatible with %s", theirs, ours)
		return errors.WithHint(errors.Mark(err, domain.ErrIncompatibleWire),
			"upgrade the older device so both speak the same major protocol version")
	}
	return nil
}

func (s *SyncService) Handshake(ctx context.Context, req *domain.HandshakeRequest) (*domain.HandshakeResponse, error) {
	if err := CheckProtocolVersion(req.ProtocolVersion); err != nil {
		return nil, err
	}

	lastSync, err := s.store.GetPeerLastSync(ctx, req.DeviceID)
	if err != nil {
		return nil, errors.Wrap(err, "load last sync")
	}

	resp := &domain.HandshakeResponse{
		DeviceID:          s.local.ID,
		DeviceName:        s.local.Name,
		ProtocolVersion:   domain.ProtocolVersion,
		LastSyncTimestamp: lastSync,
		ServerTimestamp:   s.now(),
		SupportsAudio:     s.SupportsAudio(),
	}

	if s.identity != nil {
		token, err := jwt.GenerateToken(req.DeviceID, s.local.ID, s.tokenTTL, s.identity.PrivateKey)
		if err != nil {
			return nil, err
		}
		resp.SessionToken = token
	}

	s.logger.Infow("handshake", "peer_id", req.DeviceID, "peer_name", req.DeviceName, "last_sync", lastSync)
	return resp, nil
}

// ValidateSession checks a token issued by Handshake and returns the caller
// device id.
func (s *SyncService) ValidateSession(token string) (string, error) {
	if s.identity == nil {
		return "", errors.New("session tokens are not enabled")
	}
	claims, err := jwt.ValidateToken(token, &s.identity.PrivateKey.PublicKey)
	if err != nil {
		return "", err
	}
	return claims.DeviceID, nil
}

// GetChanges returns up to limit changes newer than since in ascending
// timestamp order. The batch is complete when fewer than limit came back.
func (s *SyncService) GetChanges(ctx context.Context, since *time.Time, limit int) (*domain.ChangeBatch, error) {
	switch {
	case limit <= 0:
		limit = domain.DefaultPageLimit
	case limit > domain.MaxPageLimit:
		limit = domain.MaxPageLimit
	}

	changes, latest, err := s.store.GetChangesSince(ctx, since, limit)
	if err != nil {
		return nil, errors.Wrap(err, "get changes")
	}
	if changes == nil {
		changes = []*domain.Change{}
	}
	if latest == nil {
		latest = since
	}

	return &domain.ChangeBatch{
		Changes:       changes,
		FromTimestamp: since,
		ToTimestamp:   latest,
		DeviceID:      s.local.ID,
		DeviceName:    s.local.Name,
		IsComplete:    len(changes) < limit,
	}, nil
}

// ApplyChanges applies a pushed batch and records the caller's last sync.
// Per-change failures are reported in the response, never returned.
func (s *SyncService) ApplyChanges(ctx context.Context, req *domain.ApplyRequest) (*domain.ApplyResponse, error) {
	origin := domain.Device{ID: req.DeviceID, Name: req.DeviceName}

	resp := applyBatch(ctx, s.store, req.Changes, origin, func(c *domain.Change) {
		s.events.Publish(&domain.SyncEvent{
			Type:       domain.EventConflictDetected,
			PeerID:     origin.ID,
			PeerName:   origin.Name,
			EntityType: c.EntityType,
			EntityID:   c.EntityID,
			Timestamp:  s.now(),
		})
	})

	if err := s.store.SetPeerLastSync(ctx, origin.ID, origin.Name, s.now()); err != nil {
		return resp, errors.Wrap(err, "record last sync")
	}

	s.logger.Infow("changes applied",
		"peer_id", origin.ID, "peer_name", origin.Name,
		"received", len(req.Changes), "applied", resp.Applied,
		"conflicts", resp.Conflicts, "errors", len(resp.Errors))
	s.events.Publish(&domain.SyncEvent{
		Type:      domain.EventChangesApplied,
		PeerID:    origin.ID,
		PeerName:  origin.Name,
		Result:    &domain.SyncResult{PeerID: origin.ID, Pulled: resp.Applied, Conflicts: resp.Conflicts, Errors: resp.Errors},
		Timestamp: s.now(),
	})
	return resp, nil
}

func (s *SyncService) Full(ctx context.Context) (*domain.FullSyncResponse, error) {
	ds, err := s.store.GetFullDataset(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get full dataset")
	}
	return &domain.FullSyncResponse{
		FullDataset: *ds,
		DeviceID:    s.local.ID,
		DeviceName:  s.local.Name,
		Timestamp:   s.now(),
	}, nil
}

func (s *SyncService) Status() *domain.StatusResponse {
	return &domain.StatusResponse{
		Status:          "ok",
		DeviceID:        s.local.ID,
		DeviceName:      s.local.Name,
		ProtocolVersion: domain.ProtocolVersion,
		SupportsAudio:   s.SupportsAudio(),
	}
}

func (s *SyncService) ReadAudio(ctx context.Context, audioID string) ([]byte, error) {
	key, err := s.audioKey(ctx, audioID)
	if err != nil {
		return nil, err
	}
	return s.blobs.Read(ctx, key)
}

// WriteAudio stores bytes for an audio file whose metadata already arrived
// as a Change.
func (s *SyncService) WriteAudio(ctx context.Context, audioID string, data []byte) error {
	key, err := s.audioKey(ctx, audioID)
	if err != nil {
		return err
	}
	return s.blobs.Write(ctx, key, data)
}

func (s *SyncService) audioKey(ctx context.Context, audioID string) (string, error) {
	if s.blobs == nil {
		return "", errors.WithHint(errors.Mark(errors.New("audio transfer is disabled"), domain.ErrNotFound),
			"set BLOB_BACKEND to enable audio transfer")
	}
	a, err := s.entities.GetAudioFile(ctx, audioID)
	if err != nil {
		return "", err
	}
	return blob.AudioKey(a), nil
}

// applyBatch applies changes oldest first, one store call each. Skipped
// changes count as applied; errors are collected and never stop the batch.
// changeValidator checks each Change on its own so one malformed item is a
// per-item error instead of rejecting the batch.
var changeValidator = validator.New()

func applyBatch(ctx context.Context, store repository.Store, changes []*domain.Change, origin domain.Device, onConflict func(*domain.Change)) *domain.ApplyResponse {
	// nil entries sort first and are reported as errors.
	sorted := make([]*domain.Change, len(changes))
	copy(sorted, changes)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i] == nil || sorted[j] == nil {
			return sorted[i] == nil && sorted[j] != nil
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	resp := &domain.ApplyResponse{Errors: []string{}}
	for _, c := range sorted {
		if c == nil {
			resp.Errors = append(resp.Errors, "nil change")
			continue
		}
		if err := changeValidator.Struct(c); err != nil {
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s %s: %v", c.EntityType, c.EntityID, err))
			continue
		}
		outcome, err := store.ApplyChange(ctx, c, origin)
		if err != nil {
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s %s: %v", c.EntityType, c.EntityID, err))
			continue
		}
		switch outcome {
		case domain.OutcomeConflict:
			resp.Conflicts++
			if onConflict != nil {
				onConflict(c)
			}
		default:
			resp.Applied++
		}
	}
	return resp
}
