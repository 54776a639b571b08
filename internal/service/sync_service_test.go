package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voice-sync/internal/blob"
	"voice-sync/internal/domain"
)

func newSyncService(t *testing.T, env *testEnv, blobs blob.Store) (*SyncService, *recorder) {
	t.Helper()
	id, _ := identities(t)
	events := &recorder{}
	return NewSyncService(env.store, env.store, blobs, id, localDevice, time.Hour, events, zap.NewNop().Sugar()), events
}

func TestCheckProtocolVersion(t *testing.T) {
	tests := []struct {
		version string
		wantErr bool
	}{
		{"1.0", false},
		{"1.4.2", false},
		{"1", false},
		{"2.0", true},
		{"0.9", true},
		{"banana", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			err := CheckProtocolVersion(tt.version)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assertIs(t, err, domain.ErrIncompatibleWire)
		})
	}
}

func TestSyncService_Handshake(t *testing.T) {
	env := newEnv(t)
	svc, _ := newSyncService(t, env, nil)
	ctx := context.Background()

	req := &domain.HandshakeRequest{DeviceID: peerDevice.ID, DeviceName: peerDevice.Name, ProtocolVersion: "1.0"}
	resp, err := svc.Handshake(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, localDevice.ID, resp.DeviceID)
	assert.Nil(t, resp.LastSyncTimestamp)
	assert.False(t, resp.SupportsAudio)
	assert.WithinDuration(t, time.Now(), resp.ServerTimestamp, 5*time.Second)

	caller, err := svc.ValidateSession(resp.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, peerDevice.ID, caller)

	require.NoError(t, env.store.SetPeerLastSync(ctx, peerDevice.ID, peerDevice.Name, *at(3)))
	resp, err = svc.Handshake(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, resp.LastSyncTimestamp)
	assert.True(t, at(3).Equal(*resp.LastSyncTimestamp))

	req.ProtocolVersion = "2.0"
	_, err = svc.Handshake(ctx, req)
	assertIs(t, err, domain.ErrIncompatibleWire)
}

func TestSyncService_GetChanges(t *testing.T) {
	env := newEnv(t)
	svc, _ := newSyncService(t, env, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, env.store.SaveNote(ctx, &domain.Note{ID: id(i), CreatedAt: *at(i + 1), Content: "n"}))
	}

	batch, err := svc.GetChanges(ctx, nil, 2)
	require.NoError(t, err)
	assert.Len(t, batch.Changes, 2)
	assert.False(t, batch.IsComplete)
	assert.True(t, at(2).Equal(*batch.ToTimestamp))

	batch, err = svc.GetChanges(ctx, batch.ToTimestamp, 2)
	require.NoError(t, err)
	assert.Len(t, batch.Changes, 1)
	assert.True(t, batch.IsComplete)

	empty, err := svc.GetChanges(ctx, at(10), 0)
	require.NoError(t, err)
	assert.NotNil(t, empty.Changes)
	assert.Empty(t, empty.Changes)
	assert.True(t, empty.IsComplete)
	assert.Equal(t, at(10), empty.ToTimestamp)
}

func TestSyncService_ApplyChanges(t *testing.T) {
	ctx := context.Background()

	t.Run("ten changes with three failures", func(t *testing.T) {
		env := newEnv(t)
		svc, events := newSyncService(t, env, nil)

		var changes []*domain.Change
		for i := 0; i < 10; i++ {
			ts := t0.Add(time.Duration(i) * time.Minute)
			if i < 3 {
				changes = append(changes, brokenChange(id(i), ts))
				continue
			}
			changes = append(changes, noteChange(t, &domain.Note{ID: id(i), CreatedAt: ts, Content: "x"}, peerDevice))
		}

		resp, err := svc.ApplyChanges(ctx, &domain.ApplyRequest{Changes: changes, DeviceID: peerDevice.ID, DeviceName: peerDevice.Name})
		require.NoError(t, err)
		assert.Equal(t, 7, resp.Applied)
		assert.Len(t, resp.Errors, 3)
		assert.Equal(t, domain.ApplyStatusPartial, resp.Status())

		last, err := env.store.GetPeerLastSync(ctx, peerDevice.ID)
		require.NoError(t, err)
		assert.NotNil(t, last, "partial success still records the caller's sync")
		assert.Contains(t, events.types(), domain.EventChangesApplied)
	})

	t.Run("all failed", func(t *testing.T) {
		env := newEnv(t)
		svc, _ := newSyncService(t, env, nil)

		resp, err := svc.ApplyChanges(ctx, &domain.ApplyRequest{
			Changes:  []*domain.Change{brokenChange(id(0), t0), brokenChange(id(1), t0)},
			DeviceID: peerDevice.ID,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.ApplyStatusFailed, resp.Status())
	})

	t.Run("empty batch", func(t *testing.T) {
		env := newEnv(t)
		svc, _ := newSyncService(t, env, nil)

		resp, err := svc.ApplyChanges(ctx, &domain.ApplyRequest{DeviceID: peerDevice.ID})
		require.NoError(t, err)
		assert.Equal(t, domain.ApplyStatusOK, resp.Status())
		assert.NotNil(t, resp.Errors)
	})

	t.Run("applies oldest first", func(t *testing.T) {
		env := newEnv(t)
		svc, _ := newSyncService(t, env, nil)

		created := &domain.Note{ID: id(0), CreatedAt: *at(1), Content: "v1"}
		edited := &domain.Note{ID: id(0), CreatedAt: *at(1), Content: "v2", ModifiedAt: at(2)}
		resp, err := svc.ApplyChanges(ctx, &domain.ApplyRequest{
			Changes:  []*domain.Change{noteChange(t, edited, peerDevice), noteChange(t, created, peerDevice)},
			DeviceID: peerDevice.ID,
		})
		require.NoError(t, err)
		assert.Empty(t, resp.Errors)

		got, err := env.store.GetNote(ctx, id(0))
		require.NoError(t, err)
		assert.Equal(t, "v2", got.Content)
	})
}

func TestSyncService_Full(t *testing.T) {
	env := newEnv(t)
	svc, _ := newSyncService(t, env, nil)
	ctx := context.Background()

	require.NoError(t, env.store.SaveNote(ctx, &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "live"}))
	require.NoError(t, env.store.SaveNote(ctx, &domain.Note{ID: id(1), CreatedAt: *at(0), Content: "dead", DeletedAt: at(1)}))

	full, err := svc.Full(ctx)
	require.NoError(t, err)
	assert.Len(t, full.Notes, 2, "soft-deleted entities are included")
	assert.Equal(t, localDevice.ID, full.DeviceID)
}

func TestSyncService_Audio(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	disabled, _ := newSyncService(t, env, nil)
	_, err := disabled.ReadAudio(ctx, id(0))
	assertIs(t, err, domain.ErrNotFound)

	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	svc, _ := newSyncService(t, env, blobs)
	assert.True(t, svc.Status().SupportsAudio)

	err = svc.WriteAudio(ctx, id(0), []byte("x"))
	assertIs(t, err, domain.ErrNotFound, "bytes need metadata first")

	require.NoError(t, env.store.SaveAudioFile(ctx, &domain.AudioFile{ID: id(0), ImportedAt: *at(0), Filename: "memo.m4a"}))
	require.NoError(t, svc.WriteAudio(ctx, id(0), []byte("RIFF")))

	data, err := svc.ReadAudio(ctx, id(0))
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF"), data)
}
