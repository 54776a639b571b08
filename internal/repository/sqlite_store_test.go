package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voice-sync/internal/domain"
)

var (
	localDevice  = domain.Device{ID: strings.Repeat("1", 32), Name: "laptop"}
	remoteDevice = domain.Device{ID: strings.Repeat("2", 32), Name: "desktop"}
	t0           = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
)

func at(h int) *time.Time {
	t := t0.Add(time.Duration(h) * time.Hour)
	return &t
}

func id(n int) string {
	return strings.Repeat("0", 31) + string(rune('a'+n))
}

// assertIs checks marked errors, which only cockroachdb's errors.Is sees.
func assertIs(t *testing.T, err, target error, msgAndArgs ...interface{}) {
	t.Helper()
	if !errors.Is(err, target) {
		assert.Fail(t, fmt.Sprintf("error %v does not match %v", err, target), msgAndArgs...)
	}
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db, localDevice, zap.NewNop().Sugar())
}

func changeOf(t *testing.T, et domain.EntityType, entityID string, entity interface{ Timestamp() time.Time }, modified, deleted *time.Time) *domain.Change {
	t.Helper()
	c, err := domain.NewChange(et, entityID, domain.InferOperation(modified, deleted), entity, entity.Timestamp())
	require.NoError(t, err)
	c.OriginDeviceID = remoteDevice.ID
	c.OriginDeviceName = remoteDevice.Name
	return c
}

func noteChange(t *testing.T, n *domain.Note) *domain.Change {
	return changeOf(t, domain.EntityNote, n.ID, n, n.ModifiedAt, n.DeletedAt)
}

func apply(t *testing.T, s *SQLiteStore, c *domain.Change) domain.ApplyOutcome {
	t.Helper()
	out, err := s.ApplyChange(context.Background(), c, remoteDevice)
	require.NoError(t, err)
	return out
}

// seedSynced stores a local note and records a last sync after its creation.
func seedSynced(t *testing.T, s *SQLiteStore, n *domain.Note) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveNote(ctx, n))
	require.NoError(t, s.SetPeerLastSync(ctx, remoteDevice.ID, remoteDevice.Name, *at(1)))
}

func TestGetChangesSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveNote(ctx, &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "a"}))
	require.NoError(t, s.SaveTag(ctx, &domain.Tag{ID: id(1), Name: "work", CreatedAt: *at(1)}))
	require.NoError(t, s.SaveNote(ctx, &domain.Note{ID: id(2), CreatedAt: *at(0), Content: "b", ModifiedAt: at(3)}))
	require.NoError(t, s.SaveNoteTag(ctx, &domain.NoteTag{NoteID: id(0), TagID: id(1), CreatedAt: *at(2)}))
	require.NoError(t, s.SaveAudioFile(ctx, &domain.AudioFile{ID: id(3), ImportedAt: *at(4), Filename: "memo.m4a"}))

	all, latest, err := s.GetChangesSince(ctx, nil, 100)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].Timestamp.Before(all[i-1].Timestamp), "changes must be ascending")
	}
	assert.Equal(t, *at(4), *latest)
	assert.Equal(t, domain.OperationUpdate, all[3].Operation)
	assert.Equal(t, domain.EntityNoteTag, all[2].EntityType)
	assert.Equal(t, domain.NoteTagID(id(0), id(1)), all[2].EntityID)
	assert.Equal(t, localDevice.ID, all[0].OriginDeviceID)

	since, _, err := s.GetChangesSince(ctx, at(2), 100)
	require.NoError(t, err)
	require.Len(t, since, 2, "since is exclusive")
	assert.Equal(t, id(2), since[0].EntityID)

	page, pageLatest, err := s.GetChangesSince(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, *at(1), *pageLatest)

	none, noneLatest, err := s.GetChangesSince(ctx, at(10), 100)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Nil(t, noneLatest)
}

func TestApplyChange_NewEntities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	note := &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "hello"}
	assert.Equal(t, domain.OutcomeApplied, apply(t, s, noteChange(t, note)))

	got, err := s.GetNote(ctx, id(0))
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)

	deleted := &domain.Note{ID: id(1), CreatedAt: *at(0), Content: "gone", DeletedAt: at(1)}
	assert.Equal(t, domain.OutcomeApplied, apply(t, s, noteChange(t, deleted)))
	got, err = s.GetNote(ctx, id(1))
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)
}

func TestApplyChange_Idempotent(t *testing.T) {
	parent := id(9)
	summary := "weekly sync"
	changes := func(t *testing.T) []*domain.Change {
		note := &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "v2", ModifiedAt: at(2)}
		delNote := &domain.Note{ID: id(1), CreatedAt: *at(0), Content: "bye", DeletedAt: at(2)}
		tag := &domain.Tag{ID: id(2), Name: "renamed", ParentID: &parent, CreatedAt: *at(0), ModifiedAt: at(2)}
		nt := &domain.NoteTag{NoteID: id(0), TagID: id(2), CreatedAt: *at(2)}
		ntDel := &domain.NoteTag{NoteID: id(1), TagID: id(2), CreatedAt: *at(0), DeletedAt: at(2)}
		audio := &domain.AudioFile{ID: id(3), ImportedAt: *at(0), Filename: "a.wav", Summary: &summary, ModifiedAt: at(2)}
		att := &domain.NoteAttachment{ID: id(4), NoteID: id(0), AttachmentID: id(3), AttachmentType: "audio_file", CreatedAt: *at(2)}
		return []*domain.Change{
			noteChange(t, note),
			noteChange(t, delNote),
			changeOf(t, domain.EntityTag, tag.ID, tag, tag.ModifiedAt, nil),
			changeOf(t, domain.EntityNoteTag, nt.EntityID(), nt, nil, nil),
			changeOf(t, domain.EntityNoteTag, ntDel.EntityID(), ntDel, nil, ntDel.DeletedAt),
			changeOf(t, domain.EntityAudioFile, audio.ID, audio, audio.ModifiedAt, nil),
			changeOf(t, domain.EntityNoteAttachment, att.ID, att, nil, nil),
		}
	}

	tests := []struct {
		name string
		seed func(t *testing.T, s *SQLiteStore)
	}{
		{"empty store", func(t *testing.T, s *SQLiteStore) {}},
		{"existing older data", func(t *testing.T, s *SQLiteStore) {
			ctx := context.Background()
			require.NoError(t, s.SaveNote(ctx, &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "v1"}))
			require.NoError(t, s.SaveNote(ctx, &domain.Note{ID: id(1), CreatedAt: *at(0), Content: "bye"}))
			require.NoError(t, s.SaveTag(ctx, &domain.Tag{ID: id(2), Name: "old", CreatedAt: *at(0)}))
			require.NoError(t, s.SaveNoteTag(ctx, &domain.NoteTag{NoteID: id(1), TagID: id(2), CreatedAt: *at(0)}))
			require.NoError(t, s.SetPeerLastSync(ctx, remoteDevice.ID, remoteDevice.Name, *at(1)))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()
			tt.seed(t, s)

			for _, c := range changes(t) {
				apply(t, s, c)
			}
			once, err := s.GetFullDataset(ctx)
			require.NoError(t, err)
			onceCounts, err := s.CountUnresolved(ctx)
			require.NoError(t, err)

			for _, c := range changes(t) {
				apply(t, s, c)
			}
			twice, err := s.GetFullDataset(ctx)
			require.NoError(t, err)
			twiceCounts, err := s.CountUnresolved(ctx)
			require.NoError(t, err)

			assert.Equal(t, once, twice)
			assert.Equal(t, onceCounts, twiceCounts)
			assert.Equal(t, 7, twice.Size())
		})
	}
}

func TestApplyChange_NoteOnlyRemoteChanged(t *testing.T) {
	s := newTestStore(t)
	seedSynced(t, s, &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "A\nB\n"})

	remote := &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "A\nB2\n", ModifiedAt: at(2)}
	assert.Equal(t, domain.OutcomeApplied, apply(t, s, noteChange(t, remote)))

	got, err := s.GetNote(context.Background(), id(0))
	require.NoError(t, err)
	assert.Equal(t, "A\nB2\n", got.Content)
}

func TestApplyChange_NoteOnlyLocalChanged(t *testing.T) {
	s := newTestStore(t)
	seedSynced(t, s, &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "mine", ModifiedAt: at(2)})

	stale := &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "old"}
	assert.Equal(t, domain.OutcomeSkipped, apply(t, s, noteChange(t, stale)))

	got, err := s.GetNote(context.Background(), id(0))
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Content)
}

func TestApplyChange_ContentConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSynced(t, s, &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "A\nB-L\nC\n", ModifiedAt: at(2)})

	remote := &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "A\nB-R\nC\n", ModifiedAt: at(3)}
	assert.Equal(t, domain.OutcomeConflict, apply(t, s, noteChange(t, remote)))
	assert.Equal(t, domain.OutcomeConflict, apply(t, s, noteChange(t, remote)))

	got, err := s.GetNote(ctx, id(0))
	require.NoError(t, err)
	assert.Equal(t, "A\nB-L\nC\n", got.Content, "local text stays live while the conflict is open")

	conflicts, err := s.ListConflicts(ctx, domain.ConflictKindContent, false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1, "re-applying must not duplicate the conflict")
	cc := conflicts[0].(*domain.ContentConflict)
	assert.Equal(t, "A\nB-L\nC\n", cc.LocalContent)
	assert.Equal(t, "A\nB-R\nC\n", cc.RemoteContent)
	assert.Equal(t, localDevice.ID, cc.LocalDeviceID)
	assert.Equal(t, remoteDevice.ID, cc.RemoteDeviceID)
	assert.Equal(t, remoteDevice.Name, cc.RemoteDeviceName)
	assert.Equal(t, *at(3), cc.RemoteModifiedAt)
	assert.Nil(t, cc.BaseContent)

	counts, err := s.CountUnresolved(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ConflictCounts{Content: 1, Total: 1}, counts)
}

func TestApplyChange_BaseDecidesOneSidedEdit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A note received from the peer records its text as the agreed base.
	first := &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "A\nB\n"}
	apply(t, s, noteChange(t, first))

	// Timestamp-wise both sides look changed since there is no last sync,
	// but the local text still equals the base.
	require.NoError(t, s.SaveNote(ctx, &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "A\nB", ModifiedAt: at(2)}))
	remote := &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "A\nB\nC\n", ModifiedAt: at(3)}
	assert.Equal(t, domain.OutcomeApplied, apply(t, s, noteChange(t, remote)))

	got, err := s.GetNote(ctx, id(0))
	require.NoError(t, err)
	assert.Equal(t, "A\nB\nC\n", got.Content)
}

func TestApplyChange_RemoteDeleteVsLocalEdit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSynced(t, s, &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "edited", ModifiedAt: at(2)})

	remote := &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "original", DeletedAt: at(3)}
	assert.Equal(t, domain.OutcomeConflict, apply(t, s, noteChange(t, remote)))

	got, err := s.GetNote(ctx, id(0))
	require.NoError(t, err)
	assert.Nil(t, got.DeletedAt, "local edit survives")
	assert.Equal(t, "edited", got.Content)

	conflicts, err := s.ListConflicts(ctx, domain.ConflictKindDelete, false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	dc := conflicts[0].(*domain.DeleteConflict)
	assert.Equal(t, "edited", dc.SurvivingContent)
	assert.Equal(t, remoteDevice.ID, dc.DeletingDeviceID)
	assert.Equal(t, *at(3), dc.DeletedAt)
}

func TestApplyChange_RemoteDeleteUnchangedLocal(t *testing.T) {
	s := newTestStore(t)
	seedSynced(t, s, &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "same"})

	remote := &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "same", DeletedAt: at(2)}
	assert.Equal(t, domain.OutcomeApplied, apply(t, s, noteChange(t, remote)))

	got, err := s.GetNote(context.Background(), id(0))
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)
}

func TestApplyChange_RemoteEditVsLocalDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSynced(t, s, &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "before", DeletedAt: at(2)})

	remote := &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "after", ModifiedAt: at(3)}
	assert.Equal(t, domain.OutcomeConflict, apply(t, s, noteChange(t, remote)))

	got, err := s.GetNote(ctx, id(0))
	require.NoError(t, err)
	assert.Nil(t, got.DeletedAt, "remote edit resurrects the note")
	assert.Equal(t, "after", got.Content)

	conflicts, err := s.ListConflicts(ctx, domain.ConflictKindDelete, false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	dc := conflicts[0].(*domain.DeleteConflict)
	assert.Equal(t, localDevice.ID, dc.DeletingDeviceID)
	require.NotNil(t, dc.DeletedContent)
	assert.Equal(t, "before", *dc.DeletedContent)
}

func TestApplyChange_TagRenameConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveTag(ctx, &domain.Tag{ID: id(0), Name: "Work", CreatedAt: *at(0), ModifiedAt: at(2)}))
	require.NoError(t, s.SetPeerLastSync(ctx, remoteDevice.ID, remoteDevice.Name, *at(1)))

	remote := &domain.Tag{ID: id(0), Name: "Job", CreatedAt: *at(0), ModifiedAt: at(3)}
	c := changeOf(t, domain.EntityTag, remote.ID, remote, remote.ModifiedAt, nil)
	assert.Equal(t, domain.OutcomeConflict, apply(t, s, c))
	assert.Equal(t, domain.OutcomeConflict, apply(t, s, c))

	got, err := s.GetTag(ctx, id(0))
	require.NoError(t, err)
	assert.Equal(t, "Work", got.Name)

	conflicts, err := s.ListConflicts(ctx, domain.ConflictKindRename, false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	rc := conflicts[0].(*domain.RenameConflict)
	assert.Equal(t, "Work", rc.LocalName)
	assert.Equal(t, "Job", rc.RemoteName)
}

func TestApplyChange_NoteTagAddWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveNoteTag(ctx, &domain.NoteTag{NoteID: id(0), TagID: id(1), CreatedAt: *at(0), ModifiedAt: at(2)}))
	require.NoError(t, s.SetPeerLastSync(ctx, remoteDevice.ID, remoteDevice.Name, *at(1)))

	removed := &domain.NoteTag{NoteID: id(0), TagID: id(1), CreatedAt: *at(0), DeletedAt: at(3)}
	c := changeOf(t, domain.EntityNoteTag, removed.EntityID(), removed, nil, removed.DeletedAt)
	assert.Equal(t, domain.OutcomeConflict, apply(t, s, c))

	got, err := s.GetNoteTag(ctx, id(0), id(1))
	require.NoError(t, err)
	assert.Nil(t, got.DeletedAt, "association is kept when both sides touched it")

	counts, err := s.CountUnresolved(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Total)
}

func TestApplyChange_AudioLastWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveAudioFile(ctx, &domain.AudioFile{ID: id(0), ImportedAt: *at(0), Filename: "new.wav", ModifiedAt: at(5)}))

	older := &domain.AudioFile{ID: id(0), ImportedAt: *at(0), Filename: "old.wav", ModifiedAt: at(3)}
	assert.Equal(t, domain.OutcomeSkipped, apply(t, s, changeOf(t, domain.EntityAudioFile, older.ID, older, older.ModifiedAt, nil)))

	newer := &domain.AudioFile{ID: id(0), ImportedAt: *at(0), Filename: "newer.wav", ModifiedAt: at(6)}
	assert.Equal(t, domain.OutcomeApplied, apply(t, s, changeOf(t, domain.EntityAudioFile, newer.ID, newer, newer.ModifiedAt, nil)))

	got, err := s.GetAudioFile(ctx, id(0))
	require.NoError(t, err)
	assert.Equal(t, "newer.wav", got.Filename)
}

func TestApplyChange_Malformed(t *testing.T) {
	s := newTestStore(t)

	bad := &domain.Change{EntityType: domain.EntityNote, EntityID: id(0), Operation: domain.OperationCreate, Data: []byte(`{"id":`), Timestamp: t0}
	_, err := s.ApplyChange(context.Background(), bad, remoteDevice)
	assertIs(t, err, domain.ErrProtocol)

	mismatch := noteChange(t, &domain.Note{ID: id(1), CreatedAt: t0, Content: "x"})
	mismatch.EntityID = id(2)
	_, err = s.ApplyChange(context.Background(), mismatch, remoteDevice)
	assertIs(t, err, domain.ErrProtocol)

	unknown := &domain.Change{EntityType: "recording", EntityID: id(0), Operation: domain.OperationCreate, Data: []byte(`{}`), Timestamp: t0}
	_, err = s.ApplyChange(context.Background(), unknown, remoteDevice)
	assert.Error(t, err)
}

func TestResolveConflict_DeleteKeepBoth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSynced(t, s, &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "edited", ModifiedAt: at(2)})
	apply(t, s, noteChange(t, &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "x", DeletedAt: at(3)}))

	conflicts, err := s.ListConflicts(ctx, domain.ConflictKindDelete, false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	dc := conflicts[0].(*domain.DeleteConflict)

	// Simulate a later local delete so restoring is observable.
	require.NoError(t, s.SaveNote(ctx, &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "edited", DeletedAt: at(4)}))

	content := dc.SurvivingContent
	require.NoError(t, s.ResolveConflict(ctx, &domain.Resolution{
		ConflictID:  dc.ID,
		Kind:        domain.ConflictKindDelete,
		Choice:      domain.ChoiceKeepBoth,
		NoteContent: &content,
		Restore:     true,
		ResolvedBy:  localDevice,
		ResolvedAt:  *at(5),
	}))

	got, err := s.GetNote(ctx, id(0))
	require.NoError(t, err)
	assert.Nil(t, got.DeletedAt)
	assert.Equal(t, "edited", got.Content)

	open, err := s.ListConflicts(ctx, domain.ConflictKindDelete, false)
	require.NoError(t, err)
	assert.Empty(t, open)
	all, err := s.ListConflicts(ctx, domain.ConflictKindDelete, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, *at(5), *all[0].Resolved())

	err = s.ResolveConflict(ctx, &domain.Resolution{ConflictID: dc.ID, Kind: domain.ConflictKindDelete, Restore: true, NoteContent: &content, ResolvedAt: *at(6)})
	assertIs(t, err, domain.ErrInvalidChoice, "resolving twice is rejected")
}

func TestFindConflictsByPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSynced(t, s, &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "L", ModifiedAt: at(2)})
	apply(t, s, noteChange(t, &domain.Note{ID: id(0), CreatedAt: *at(0), Content: "R", ModifiedAt: at(3)}))

	conflicts, err := s.ListConflicts(ctx, domain.ConflictKindContent, false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	full := conflicts[0].ConflictID()

	found, err := s.FindConflictsByPrefix(ctx, domain.ConflictKindContent, strings.ToUpper(full[:8]))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, full, found[0].ConflictID())

	none, err := s.FindConflictsByPrefix(ctx, domain.ConflictKindRename, full[:8])
	require.NoError(t, err)
	assert.Empty(t, none)

	wild, err := s.FindConflictsByPrefix(ctx, domain.ConflictKindContent, "%")
	require.NoError(t, err)
	assert.Empty(t, wild, "LIKE wildcards are escaped")
}

func TestPeerLastSync(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetPeerLastSync(ctx, remoteDevice.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	ts := time.Date(2026, 3, 4, 5, 6, 7, 123456000, time.UTC)
	require.NoError(t, s.SetPeerLastSync(ctx, remoteDevice.ID, remoteDevice.Name, ts))
	got, err = s.GetPeerLastSync(ctx, remoteDevice.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, ts.Equal(*got))
}
