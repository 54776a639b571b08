package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"voice-sync/internal/blob"
	"voice-sync/internal/client"
	"voice-sync/internal/domain"
	"voice-sync/internal/repository"
	"voice-sync/internal/trust"
)

// PeerClient is the wire protocol as seen from the initiating side.
type PeerClient interface {
	Handshake(ctx context.Context) (*client.HandshakeResult, error)
	GetChanges(ctx context.Context, since *time.Time, limit int) (*domain.ChangeBatch, error)
	Apply(ctx context.Context, changes []*domain.Change) (*domain.ApplyResponse, error)
	Full(ctx context.Context) (*domain.FullSyncResponse, error)
	Status(ctx context.Context) (*domain.StatusResponse, error)
	DownloadAudio(ctx context.Context, audioID string) ([]byte, error)
	UploadAudio(ctx context.Context, audioID string, data []byte) error
	Close()
}

// Dialer opens a client for peer, pinned to pinnedFingerprint when set.
type Dialer func(peer *domain.Peer, pinnedFingerprint string) (PeerClient, error)

// NewClientDialer dials peers over HTTPS presenting identity.
func NewClientDialer(local domain.Device, identity *trust.Identity, timeout, blobTimeout time.Duration, logger *zap.SugaredLogger) Dialer {
	return func(peer *domain.Peer, pinned string) (PeerClient, error) {
		return client.New(peer.URL, local, client.Options{
			Identity:          identity,
			PinnedFingerprint: pinned,
			Timeout:           timeout,
			BlobTimeout:       blobTimeout,
			Logger:            logger,
		})
	}
}

const (
	minSkewMargin  = 2 * time.Second
	skewThreshold  = time.Second
	pushBatchLimit = domain.DefaultPageLimit
	maxPullPages   = 10000
)

// AdjustForSkew widens the pull window: the margin is 2s, or twice the
// measured skew when that exceeds 1s and is larger.
func AdjustForSkew(ts time.Time, skew time.Duration) time.Time {
	margin := minSkewMargin
	abs := time.Duration(math.Abs(float64(skew)))
	if abs > skewThreshold && 2*abs > margin {
		margin = 2 * abs
	}
	return ts.Add(-margin)
}

// SessionService drives client-side sync sessions. Sessions against
// different peers may run concurrently; a second session against a peer
// that is already syncing fails with ErrSyncInProgress.
type SessionService struct {
	store     repository.Store
	entities  repository.EntityStore
	peers     repository.PeerRegistry
	verifier  *trust.Verifier
	blobs     blob.Store
	dial      Dialer
	local     domain.Device
	pageLimit int
	events    EventPublisher
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSessionService(
	store repository.Store,
	entities repository.EntityStore,
	peers repository.PeerRegistry,
	verifier *trust.Verifier,
	blobs blob.Store,
	dial Dialer,
	local domain.Device,
	pageLimit int,
	events EventPublisher,
	logger *zap.SugaredLogger,
) *SessionService {
	if pageLimit <= 0 || pageLimit > domain.MaxPageLimit {
		pageLimit = domain.DefaultPageLimit
	}
	if events == nil {
		events = nopPublisher{}
	}
	return &SessionService{
		store:     store,
		entities:  entities,
		peers:     peers,
		verifier:  verifier,
		blobs:     blobs,
		dial:      dial,
		local:     local,
		pageLimit: pageLimit,
		events:    events,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *SessionService) lockPeer(peerID string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[peerID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[peerID] = l
	}
	s.mu.Unlock()

	if !l.TryLock() {
		return nil, errors.Mark(errors.Newf("sync already in progress for peer %s", peerID), domain.ErrSyncInProgress)
	}
	return l.Unlock, nil
}

// session is the state of one run against one peer.
type session struct {
	svc     *SessionService
	peer    *domain.Peer
	client  PeerClient
	hs      *client.HandshakeResult
	result  *domain.SyncResult
	state   domain.SessionState
	logger  *zap.SugaredLogger
	pulled  []*domain.Change
	pushed  []*domain.Change
	started time.Time
}

// Sync runs one session against peerID. Incremental mode falls back to a
// full sync when the peer has no record of a previous sync with us. The
// result is always returned, also alongside a hard failure.
func (s *SessionService) Sync(ctx context.Context, peerID string, mode domain.SyncMode) (*domain.SyncResult, error) {
	if mode == "" {
		mode = domain.SyncModeIncremental
	}
	result := &domain.SyncResult{PeerID: peerID, Mode: mode, Errors: []string{}}

	unlock, err := s.lockPeer(peerID)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, err
	}
	defer unlock()

	sess := &session{
		svc:     s,
		result:  result,
		state:   domain.StateIdle,
		logger:  s.logger.With("peer_id", peerID),
		started: time.Now(),
	}
	err = sess.run(ctx, peerID, mode)
	result.Duration = time.Since(sess.started)

	if err != nil {
		err = &SessionError{PeerID: peerID, Phase: sess.state, Err: err}
		sess.transition(domain.StateFailed)
		result.Success = false
		result.Errors = append(result.Errors, err.Error())
		sess.logger.Warnw("sync failed", "mode", mode, "kind", domain.Classify(err), "error", err)
		s.events.Publish(&domain.SyncEvent{
			Type: domain.EventSessionFailed, PeerID: peerID, PeerName: result.PeerName,
			Result: result, Error: err.Error(), Timestamp: s.now(),
		})
		return result, err
	}

	result.Success = true
	sess.transition(domain.StateDone)
	sess.logger.Infow("sync completed", "mode", result.Mode,
		"pulled", result.Pulled, "pushed", result.Pushed,
		"conflicts", result.Conflicts, "errors", len(result.Errors), "duration", result.Duration)
	s.events.Publish(&domain.SyncEvent{
		Type: domain.EventSessionCompleted, PeerID: peerID, PeerName: result.PeerName,
		Result: result, Timestamp: s.now(),
	})
	return result, nil
}

// Pull runs a pull-only session.
func (s *SessionService) Pull(ctx context.Context, peerID string) (*domain.SyncResult, error) {
	return s.Sync(ctx, peerID, domain.SyncModePullOnly)
}

// Push runs a push-only session.
func (s *SessionService) Push(ctx context.Context, peerID string) (*domain.SyncResult, error) {
	return s.Sync(ctx, peerID, domain.SyncModePushOnly)
}

// FullSync forces re-reconciliation from the peer's entire dataset.
func (s *SessionService) FullSync(ctx context.Context, peerID string) (*domain.SyncResult, error) {
	return s.Sync(ctx, peerID, domain.SyncModeFull)
}

// SyncAll runs one session per registered peer concurrently, at most
// parallel at a time. Per-peer failures are reported in the results.
func (s *SessionService) SyncAll(ctx context.Context, mode domain.SyncMode, parallel int) ([]*domain.SyncResult, error) {
	peers, err := s.peers.ListPeers(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list peers")
	}

	results := make([]*domain.SyncResult, len(peers))
	g, gctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, p := range peers {
		i, p := i, p
		g.Go(func() error {
			res, _ := s.Sync(gctx, p.ID, mode)
			res.PeerName = p.Name
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// PeerStatus probes a peer without starting a session.
func (s *SessionService) PeerStatus(ctx context.Context, peerID string) (*domain.StatusResponse, error) {
	peer, err := s.peers.GetPeer(ctx, peerID)
	if err != nil {
		return nil, err
	}
	c, err := s.dial(peer, fingerprintOf(peer))
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.Status(ctx)
}

func fingerprintOf(p *domain.Peer) string {
	if p.CertificateFingerprint == nil {
		return ""
	}
	return *p.CertificateFingerprint
}

func (sess *session) transition(to domain.SessionState) {
	sess.logger.Debugw("session phase", "from", sess.state, "phase", to)
	sess.state = to
	if to == domain.StateFailed || to == domain.StateDone {
		return
	}
	sess.svc.events.Publish(&domain.SyncEvent{
		Type: domain.EventPhaseChanged, PeerID: sess.result.PeerID, PeerName: sess.result.PeerName,
		Phase: to, Timestamp: sess.svc.now(),
	})
}

func (sess *session) run(ctx context.Context, peerID string, mode domain.SyncMode) error {
	s := sess.svc

	peer, err := s.peers.GetPeer(ctx, peerID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.TrustError(errors.Wrapf(err, "peer %s is not registered", peerID))
	}
	if err != nil {
		return errors.Wrap(err, "load peer")
	}
	if peer.URL == "" {
		return errors.WithHint(errors.Newf("peer %s has no url", peerID), "set one with: voicesync peers add")
	}
	sess.peer = peer
	sess.result.PeerName = peer.Name
	sess.logger = sess.logger.With("peer_name", peer.Name)

	s.events.Publish(&domain.SyncEvent{
		Type: domain.EventSessionStarted, PeerID: peer.ID, PeerName: peer.Name, Timestamp: s.now(),
	})
	sess.logger.Infow("sync started", "mode", mode)

	c, err := s.dial(peer, fingerprintOf(peer))
	if err != nil {
		return err
	}
	defer c.Close()
	sess.client = c

	if err := sess.handshake(ctx); err != nil {
		return err
	}

	lastSync := sess.hs.LastSyncTimestamp
	if mode == domain.SyncModeIncremental && lastSync == nil {
		sess.logger.Infow("no previous sync recorded by peer, running full sync")
		mode = domain.SyncModeFull
		sess.result.Mode = mode
	}

	switch mode {
	case domain.SyncModeFull:
		if err := sess.full(ctx); err != nil {
			return err
		}
		if err := sess.push(ctx, nil); err != nil {
			return err
		}
	case domain.SyncModePullOnly:
		if err := sess.pull(ctx, sess.adjusted(lastSync)); err != nil {
			return err
		}
	case domain.SyncModePushOnly:
		if err := sess.push(ctx, lastSync); err != nil {
			return err
		}
	default:
		if err := sess.pull(ctx, sess.adjusted(lastSync)); err != nil {
			return err
		}
		if err := sess.push(ctx, lastSync); err != nil {
			return err
		}
	}

	sess.transferAudio(ctx)

	if err := s.store.SetPeerLastSync(ctx, peer.ID, peer.Name, s.now()); err != nil {
		return errors.Wrap(err, "record last sync")
	}
	return nil
}

func (sess *session) adjusted(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	adj := AdjustForSkew(*ts, sess.hs.ClockSkew())
	return &adj
}

func (sess *session) handshake(ctx context.Context) error {
	sess.transition(domain.StateHandshaking)

	hs, err := sess.client.Handshake(ctx)
	if err != nil {
		return err
	}

	if id, ok := domain.NormalizeID(hs.DeviceID); !ok || id != sess.peer.ID {
		return domain.TrustError(errors.Newf("peer answered as device %q, expected %s", hs.DeviceID, sess.peer.ID))
	}
	if len(hs.PeerCertificate) == 0 {
		return domain.TrustError(errors.New("peer presented no certificate"))
	}

	verdict, err := sess.svc.verifier.VerifyPeer(ctx, sess.peer.ID, hs.PeerCertificate)
	if err != nil {
		return err
	}
	if err := verdict.Err(sess.peer.ID); err != nil {
		return err
	}
	if verdict.FirstUse {
		sess.logger.Infow("pinned peer certificate", "fingerprint", verdict.Actual)
	}

	sess.hs = hs
	sess.result.SkewSecs = hs.ClockSkew().Seconds()
	sess.logger.Debugw("handshake complete", "skew_seconds", sess.result.SkewSecs, "last_sync", hs.LastSyncTimestamp)
	return nil
}

func (sess *session) origin() domain.Device {
	return domain.Device{ID: sess.peer.ID, Name: sess.peer.Name}
}

func (sess *session) record(resp *domain.ApplyResponse) {
	sess.result.Conflicts += resp.Conflicts
	sess.result.Errors = append(sess.result.Errors, resp.Errors...)
}

func (sess *session) conflictEvent(c *domain.Change) {
	sess.svc.events.Publish(&domain.SyncEvent{
		Type: domain.EventConflictDetected, PeerID: sess.peer.ID, PeerName: sess.peer.Name,
		EntityType: c.EntityType, EntityID: c.EntityID, Timestamp: sess.svc.now(),
	})
}

// pull pages through the peer's changes newer than since. Each next page
// starts just before the previous page's last timestamp so changes sharing
// that instant are fetched again rather than lost.
func (sess *session) pull(ctx context.Context, since *time.Time) error {
	sess.transition(domain.StatePulling)
	s := sess.svc

	cursor := since
	for page := 0; page < maxPullPages; page++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "pull cancelled")
		}
		batch, err := sess.client.GetChanges(ctx, cursor, s.pageLimit)
		if err != nil {
			return err
		}

		resp := applyBatch(ctx, s.store, batch.Changes, sess.origin(), sess.conflictEvent)
		sess.result.Pulled += resp.Applied + resp.Conflicts
		sess.record(resp)
		sess.pulled = append(sess.pulled, batch.Changes...)

		if batch.IsComplete || len(batch.Changes) == 0 || batch.ToTimestamp == nil {
			return nil
		}

		next := batch.ToTimestamp.Add(-time.Microsecond)
		if cursor != nil && !next.After(*cursor) {
			// Every change of the page shares one instant; step past it.
			next = *batch.ToTimestamp
			sess.logger.Warnw("page filled by a single timestamp, advancing past it", "timestamp", next)
		}
		cursor = &next
	}
	return domain.ProtocolError(errors.Newf("peer kept returning pages after %d requests", maxPullPages), "get_changes")
}

// push sends local changes newer than since. Apply is always called at
// least once so the peer records this sync.
func (sess *session) push(ctx context.Context, since *time.Time) error {
	sess.transition(domain.StatePushing)
	s := sess.svc

	var changes []*domain.Change
	seen := make(map[string]bool)
	cursor := since
	for {
		page, latest, err := s.store.GetChangesSince(ctx, cursor, domain.MaxPageLimit)
		if err != nil {
			return errors.Wrap(err, "read local changes")
		}
		for _, c := range page {
			key := fmt.Sprintf("%s/%s/%d", c.EntityType, c.EntityID, c.Timestamp.UnixMicro())
			if !seen[key] {
				seen[key] = true
				changes = append(changes, c)
			}
		}
		if len(page) < domain.MaxPageLimit || latest == nil {
			break
		}
		next := latest.Add(-time.Microsecond)
		if cursor != nil && !next.After(*cursor) {
			next = *latest
		}
		cursor = &next
	}
	sess.pushed = changes

	for start := 0; start == 0 || start < len(changes); start += pushBatchLimit {
		end := min(start+pushBatchLimit, len(changes))
		resp, err := sess.client.Apply(ctx, changes[start:end])
		if err != nil {
			return err
		}
		sess.result.Pushed += resp.Applied + resp.Conflicts
		sess.record(resp)
		if resp.Status() == domain.ApplyStatusPartial {
			sess.logger.Warnw("peer applied batch partially", "applied", resp.Applied, "errors", len(resp.Errors))
		}
		if len(changes) == 0 {
			break
		}
	}
	return nil
}

// full applies the peer's whole dataset as synthesized changes.
func (sess *session) full(ctx context.Context) error {
	sess.transition(domain.StatePulling)
	s := sess.svc

	data, err := sess.client.Full(ctx)
	if err != nil {
		return err
	}
	changes, err := data.FullDataset.Changes()
	if err != nil {
		return domain.ProtocolError(err, "get_full")
	}
	for _, c := range changes {
		c.OriginDeviceID = sess.peer.ID
		c.OriginDeviceName = sess.peer.Name
	}
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Timestamp.Before(changes[j].Timestamp)
	})

	resp := applyBatch(ctx, s.store, changes, sess.origin(), sess.conflictEvent)
	sess.result.Pulled += resp.Applied + resp.Conflicts
	sess.record(resp)
	sess.pulled = append(sess.pulled, changes...)
	return nil
}

// transferAudio moves bytes for audio files that changed during the
// session. Failures are reported and never fail the session.
func (sess *session) transferAudio(ctx context.Context) {
	s := sess.svc
	if s.blobs == nil || !sess.hs.SupportsAudio {
		return
	}

	for _, a := range audioFiles(sess.pulled) {
		key := blob.AudioKey(a)
		if ok, err := s.blobs.Exists(ctx, key); err != nil || ok {
			continue
		}
		data, err := sess.client.DownloadAudio(ctx, a.ID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err == nil {
			err = s.blobs.Write(ctx, key, data)
		}
		if err != nil {
			sess.result.Errors = append(sess.result.Errors, fmt.Sprintf("download audio %s: %v", a.ID, err))
		}
	}

	for _, a := range audioFiles(sess.pushed) {
		data, err := s.blobs.Read(ctx, blob.AudioKey(a))
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err == nil {
			err = sess.client.UploadAudio(ctx, a.ID, data)
		}
		if err != nil {
			sess.result.Errors = append(sess.result.Errors, fmt.Sprintf("upload audio %s: %v", a.ID, err))
		}
	}
}

// audioFiles decodes the live audio file snapshots in changes.
func audioFiles(changes []*domain.Change) []*domain.AudioFile {
	seen := make(map[string]bool)
	var out []*domain.AudioFile
	for _, c := range changes {
		if c.EntityType != domain.EntityAudioFile || c.Operation == domain.OperationDelete || seen[c.EntityID] {
			continue
		}
		var a domain.AudioFile
		if err := json.Unmarshal(c.Data, &a); err != nil || a.ID == "" {
			continue
		}
		seen[c.EntityID] = true
		out = append(out, &a)
	}
	return out
}
