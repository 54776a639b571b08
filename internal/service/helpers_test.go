package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voice-sync/internal/client"
	"voice-sync/internal/domain"
	"voice-sync/internal/repository"
	"voice-sync/internal/trust"
)

var (
	localDevice = domain.Device{ID: strings.Repeat("1", 32), Name: "laptop"}
	peerDevice  = domain.Device{ID: strings.Repeat("2", 32), Name: "desktop"}
	t0          = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
)

func at(h int) *time.Time {
	t := t0.Add(time.Duration(h) * time.Hour)
	return &t
}

func id(n int) string {
	return fmt.Sprintf("%032x", n+1)
}

func assertIs(t *testing.T, err, target error, msgAndArgs ...interface{}) {
	t.Helper()
	if !errors.Is(err, target) {
		assert.Fail(t, fmt.Sprintf("error %v does not match %v", err, target), msgAndArgs...)
	}
}

var (
	identityOnce  sync.Once
	peerIdentity  *trust.Identity
	otherIdentity *trust.Identity
)

func identities(t *testing.T) (*trust.Identity, *trust.Identity) {
	t.Helper()
	identityOnce.Do(func() {
		var err error
		peerIdentity, err = trust.GenerateSelfSignedIdentity(peerDevice.Name, peerDevice.ID)
		require.NoError(t, err)
		otherIdentity, err = trust.GenerateSelfSignedIdentity("impostor", peerDevice.ID)
		require.NoError(t, err)
	})
	return peerIdentity, otherIdentity
}

type testEnv struct {
	db    *sql.DB
	store *repository.SQLiteStore
	peers repository.PeerRegistry
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := repository.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &testEnv{
		db:    db,
		store: repository.NewSQLiteStore(db, localDevice, zap.NewNop().Sugar()),
		peers: repository.NewSQLitePeerRegistry(db),
	}
}

func noteChange(t *testing.T, n *domain.Note, origin domain.Device) *domain.Change {
	t.Helper()
	c, err := domain.NewChange(domain.EntityNote, n.ID, domain.InferOperation(n.ModifiedAt, n.DeletedAt), n, n.Timestamp())
	require.NoError(t, err)
	c.OriginDeviceID = origin.ID
	c.OriginDeviceName = origin.Name
	return c
}

// brokenChange fails to decode inside the store.
func brokenChange(entityID string, ts time.Time) *domain.Change {
	return &domain.Change{
		EntityType: domain.EntityNote,
		EntityID:   entityID,
		Operation:  domain.OperationUpdate,
		Data:       []byte(`"not a note"`),
		Timestamp:  ts,
	}
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []*domain.SyncEvent
}

func (r *recorder) Publish(e *domain.SyncEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// fakePeer is an in-memory PeerClient.
type fakePeer struct {
	mu            sync.Mutex
	device        domain.Device
	cert          []byte
	lastSync      *time.Time
	skew          time.Duration
	supportsAudio bool
	changes       []*domain.Change
	full          *domain.FullSyncResponse
	handshakeErr  error
	// gate, when set, blocks Handshake until closed; entered is closed on
	// the first call.
	gate    chan struct{}
	entered chan struct{}

	calls   []string
	sinces  []*time.Time
	pushed  []*domain.Change
	blobs   map[string][]byte
	uploads map[string][]byte
}

func newFakePeer(t *testing.T) *fakePeer {
	id, _ := identities(t)
	return &fakePeer{
		device:  peerDevice,
		cert:    id.CertDER,
		blobs:   make(map[string][]byte),
		uploads: make(map[string][]byte),
	}
}

func (f *fakePeer) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakePeer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakePeer) Handshake(ctx context.Context) (*client.HandshakeResult, error) {
	f.record("handshake")
	if f.gate != nil {
		close(f.entered)
		<-f.gate
	}
	if f.handshakeErr != nil {
		return nil, f.handshakeErr
	}
	now := time.Now().UTC()
	return &client.HandshakeResult{
		HandshakeResponse: &domain.HandshakeResponse{
			DeviceID:          f.device.ID,
			DeviceName:        f.device.Name,
			ProtocolVersion:   domain.ProtocolVersion,
			LastSyncTimestamp: f.lastSync,
			ServerTimestamp:   now.Add(f.skew),
			SupportsAudio:     f.supportsAudio,
		},
		SentAt:          now,
		ReceivedAt:      now,
		PeerCertificate: f.cert,
	}, nil
}

func (f *fakePeer) GetChanges(ctx context.Context, since *time.Time, limit int) (*domain.ChangeBatch, error) {
	f.record("changes")
	f.mu.Lock()
	f.sinces = append(f.sinces, since)
	f.mu.Unlock()

	var out []*domain.Change
	for _, c := range f.changes {
		if since == nil || c.Timestamp.After(*since) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	batch := &domain.ChangeBatch{Changes: out, FromTimestamp: since, IsComplete: len(out) < limit}
	if len(out) > 0 {
		ts := out[len(out)-1].Timestamp
		batch.ToTimestamp = &ts
	}
	return batch, nil
}

func (f *fakePeer) Apply(ctx context.Context, changes []*domain.Change) (*domain.ApplyResponse, error) {
	f.record("apply")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, changes...)
	return &domain.ApplyResponse{Applied: len(changes), Errors: []string{}}, nil
}

func (f *fakePeer) Full(ctx context.Context) (*domain.FullSyncResponse, error) {
	f.record("full")
	if f.full == nil {
		return &domain.FullSyncResponse{DeviceID: f.device.ID}, nil
	}
	return f.full, nil
}

func (f *fakePeer) Status(ctx context.Context) (*domain.StatusResponse, error) {
	f.record("status")
	return &domain.StatusResponse{Status: "ok", DeviceID: f.device.ID, DeviceName: f.device.Name}, nil
}

func (f *fakePeer) DownloadAudio(ctx context.Context, audioID string) ([]byte, error) {
	f.record("download")
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[audioID]
	if !ok {
		return nil, errors.Mark(errors.New("no bytes"), domain.ErrNotFound)
	}
	return data, nil
}

func (f *fakePeer) UploadAudio(ctx context.Context, audioID string, data []byte) error {
	f.record("upload")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[audioID] = data
	return nil
}

func (f *fakePeer) Close() {}

func dialerFor(fakes map[string]*fakePeer) Dialer {
	return func(peer *domain.Peer, _ string) (PeerClient, error) {
		f, ok := fakes[peer.ID]
		if !ok {
			return nil, domain.TransportError(errors.New("connection refused"), "dial")
		}
		return f, nil
	}
}

func errorsAs(err error, target interface{}) bool {
	return errors.As(err, target)
}
