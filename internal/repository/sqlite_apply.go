package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"voice-sync/internal/domain"
	"voice-sync/internal/merge"
)

// ApplyChange applies one remote change in its own transaction and reports
// whether it was applied, recorded as a conflict, or skipped. Whether each
// side changed is decided against the last sync with the change's peer.
func (s *SQLiteStore) ApplyChange(ctx context.Context, change *domain.Change, origin domain.Device) (domain.ApplyOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "begin apply")
	}
	defer tx.Rollback() //nolint:errcheck

	lastSync, err := peerLastSync(ctx, tx, origin.ID)
	if err != nil {
		return "", err
	}

	remote := origin
	if change.OriginDeviceID != "" {
		remote = domain.Device{ID: change.OriginDeviceID, Name: change.OriginDeviceName}
		if remote.Name == "" && remote.ID == origin.ID {
			remote.Name = origin.Name
		}
	}

	a := &applier{
		ctx:      ctx,
		tx:       tx,
		change:   change,
		local:    s.local,
		remote:   remote,
		lastSync: lastSync,
		now:      s.now(),
	}

	var outcome domain.ApplyOutcome
	switch change.EntityType {
	case domain.EntityNote:
		outcome, err = a.note()
	case domain.EntityTag:
		outcome, err = a.tag()
	case domain.EntityNoteTag:
		outcome, err = a.noteTag()
	case domain.EntityAudioFile:
		outcome, err = a.audioFile()
	case domain.EntityNoteAttachment:
		outcome, err = a.attachment()
	default:
		err = errors.Newf("unknown entity type %q", change.EntityType)
	}
	if err != nil {
		return "", errors.Wrapf(err, "apply %s %s", change.EntityType, change.EntityID)
	}

	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "commit apply")
	}
	return outcome, nil
}

type applier struct {
	ctx      context.Context
	tx       *sql.Tx
	change   *domain.Change
	local    domain.Device
	remote   domain.Device
	lastSync *time.Time
	now      time.Time
}

// changedSince treats a missing last sync as "changed".
func (a *applier) changedSince(t time.Time) bool {
	return a.lastSync == nil || t.After(*a.lastSync)
}

func (a *applier) isDelete(deletedAt **time.Time) bool {
	if a.change.Operation == domain.OperationDelete && *deletedAt == nil {
		ts := a.change.Timestamp
		*deletedAt = &ts
	}
	return *deletedAt != nil
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return errors.Mark(errors.New("change carries no data"), domain.ErrProtocol)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Mark(errors.Wrap(err, "decode change data"), domain.ErrProtocol)
	}
	return nil
}

func checkID(entityID, dataID string) (string, error) {
	if dataID == "" {
		return entityID, nil
	}
	if dataID != entityID {
		return "", errors.Mark(errors.Newf("entity id %s does not match data id %s", entityID, dataID), domain.ErrProtocol)
	}
	return dataID, nil
}

func modifiedOrCreated(modified *time.Time, created time.Time) time.Time {
	if modified != nil {
		return *modified
	}
	return created
}

func (a *applier) note() (domain.ApplyOutcome, error) {
	var r domain.Note
	if err := decode(a.change.Data, &r); err != nil {
		return "", err
	}
	id, err := checkID(a.change.EntityID, r.ID)
	if err != nil {
		return "", err
	}
	r.ID = id

	existing, err := getNote(a.ctx, a.tx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.OutcomeApplied, upsertNote(a.ctx, a.tx, &r, &r.Content)
	}
	if err != nil {
		return "", err
	}

	remoteDeleted := a.isDelete(&r.DeletedAt)
	localDeleted := existing.DeletedAt != nil
	localModified := modifiedOrCreated(existing.ModifiedAt, existing.CreatedAt)
	remoteModified := modifiedOrCreated(r.ModifiedAt, r.CreatedAt)

	switch {
	case remoteDeleted && localDeleted:
		return domain.OutcomeSkipped, nil

	case remoteDeleted:
		if existing.Content == r.Content || !a.changedSince(localModified) {
			return domain.OutcomeApplied, upsertNote(a.ctx, a.tx, &r, &r.Content)
		}
		// Local edit survives; the deletion is recorded for the user.
		return a.deleteConflict(&domain.DeleteConflict{
			NoteID:              id,
			SurvivingContent:    existing.Content,
			SurvivingModifiedAt: localModified,
			SurvivingDeviceID:   a.local.ID,
			SurvivingDeviceName: a.local.Name,
			DeletedContent:      &r.Content,
			DeletedAt:           *r.DeletedAt,
			DeletingDeviceID:    a.remote.ID,
			DeletingDeviceName:  a.remote.Name,
		})

	case localDeleted:
		if existing.Content == r.Content || !a.changedSince(remoteModified) {
			return domain.OutcomeSkipped, nil
		}
		// Remote edit resurrects the note; the local deletion is recorded.
		resurrected := r
		resurrected.CreatedAt = existing.CreatedAt
		if err := upsertNote(a.ctx, a.tx, &resurrected, &r.Content); err != nil {
			return "", err
		}
		deleted := existing.Content
		return a.deleteConflict(&domain.DeleteConflict{
			NoteID:              id,
			SurvivingContent:    r.Content,
			SurvivingModifiedAt: remoteModified,
			SurvivingDeviceID:   a.remote.ID,
			SurvivingDeviceName: a.remote.Name,
			DeletedContent:      &deleted,
			DeletedAt:           *existing.DeletedAt,
			DeletingDeviceID:    a.local.ID,
			DeletingDeviceName:  a.local.Name,
		})
	}

	if existing.Content == r.Content {
		if existing.Base == nil || *existing.Base != r.Content {
			_, err := a.tx.ExecContext(a.ctx, "UPDATE notes SET base_content = ? WHERE id = ?", r.Content, id)
			return domain.OutcomeSkipped, err
		}
		return domain.OutcomeSkipped, nil
	}

	localChanged := a.changedSince(localModified)
	remoteChanged := a.changedSince(remoteModified)

	// With an agreed base the texts themselves tell which side really moved.
	if localChanged && remoteChanged && existing.Base != nil {
		localChanged = merge.Changed(*existing.Base, existing.Content)
		remoteChanged = merge.Changed(*existing.Base, r.Content)
		if !localChanged && !remoteChanged {
			localChanged, remoteChanged = true, true
		}
	}

	switch {
	case remoteChanged && !localChanged:
		r.CreatedAt = existing.CreatedAt
		return domain.OutcomeApplied, upsertNote(a.ctx, a.tx, &r, &r.Content)
	case !remoteChanged:
		return domain.OutcomeSkipped, nil
	}

	open, err := a.openConflictExists(
		"SELECT 1 FROM conflicts_note_content WHERE note_id = ? AND remote_content = ? AND resolved_at IS NULL LIMIT 1",
		id, r.Content)
	if err != nil || open {
		return domain.OutcomeConflict, err
	}

	_, err = a.tx.ExecContext(a.ctx, `
		INSERT INTO conflicts_note_content
			(id, note_id, base_content, local_content, local_modified_at, local_device_id, local_device_name,
			 remote_content, remote_modified_at, remote_device_id, remote_device_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		domain.NewRecordID(), id, nullString(existing.Base),
		existing.Content, formatTime(localModified), a.local.ID, a.local.Name,
		r.Content, formatTime(remoteModified), a.remote.ID, a.remote.Name,
		formatTime(a.now))
	if err != nil {
		return "", errors.Wrap(err, "record content conflict")
	}
	return domain.OutcomeConflict, nil
}

func (a *applier) deleteConflict(c *domain.DeleteConflict) (domain.ApplyOutcome, error) {
	open, err := a.openConflictExists(
		"SELECT 1 FROM conflicts_note_delete WHERE note_id = ? AND resolved_at IS NULL LIMIT 1", c.NoteID)
	if err != nil || open {
		return domain.OutcomeConflict, err
	}

	_, err = a.tx.ExecContext(a.ctx, `
		INSERT INTO conflicts_note_delete
			(id, note_id, surviving_content, surviving_modified_at, surviving_device_id, surviving_device_name,
			 deleted_content, deleted_at, deleting_device_id, deleting_device_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		domain.NewRecordID(), c.NoteID,
		c.SurvivingContent, formatTime(c.SurvivingModifiedAt), c.SurvivingDeviceID, c.SurvivingDeviceName,
		nullString(c.DeletedContent), formatTime(c.DeletedAt), c.DeletingDeviceID, c.DeletingDeviceName,
		formatTime(a.now))
	if err != nil {
		return "", errors.Wrap(err, "record delete conflict")
	}
	return domain.OutcomeConflict, nil
}

func (a *applier) openConflictExists(query string, args ...interface{}) (bool, error) {
	var one int
	err := a.tx.QueryRowContext(a.ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "look up open conflict")
	}
	return true, nil
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// tag applies renames with conflict detection; deletions and parent moves
// are last-writer-wins.
func (a *applier) tag() (domain.ApplyOutcome, error) {
	var r domain.Tag
	if err := decode(a.change.Data, &r); err != nil {
		return "", err
	}
	id, err := checkID(a.change.EntityID, r.ID)
	if err != nil {
		return "", err
	}
	r.ID = id

	existing, err := getTag(a.ctx, a.tx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.OutcomeApplied, upsertTag(a.ctx, a.tx, &r)
	}
	if err != nil {
		return "", err
	}

	remoteDeleted := a.isDelete(&r.DeletedAt)
	localDeleted := existing.DeletedAt != nil

	if remoteDeleted || localDeleted {
		if remoteDeleted && localDeleted {
			return domain.OutcomeSkipped, nil
		}
		if r.Timestamp().After(existing.Timestamp()) {
			return domain.OutcomeApplied, upsertTag(a.ctx, a.tx, &r)
		}
		return domain.OutcomeSkipped, nil
	}

	if existing.Name == r.Name {
		if !sameParent(existing.ParentID, r.ParentID) && r.Timestamp().After(existing.Timestamp()) {
			return domain.OutcomeApplied, upsertTag(a.ctx, a.tx, &r)
		}
		return domain.OutcomeSkipped, nil
	}

	localModified := modifiedOrCreated(existing.ModifiedAt, existing.CreatedAt)
	remoteModified := modifiedOrCreated(r.ModifiedAt, r.CreatedAt)
	localChanged := a.changedSince(localModified)
	remoteChanged := a.changedSince(remoteModified)

	switch {
	case remoteChanged && !localChanged:
		return domain.OutcomeApplied, upsertTag(a.ctx, a.tx, &r)
	case !remoteChanged:
		return domain.OutcomeSkipped, nil
	}

	open, err := a.openConflictExists(
		"SELECT 1 FROM conflicts_tag_rename WHERE tag_id = ? AND remote_name = ? AND resolved_at IS NULL LIMIT 1",
		id, r.Name)
	if err != nil || open {
		return domain.OutcomeConflict, err
	}

	_, err = a.tx.ExecContext(a.ctx, `
		INSERT INTO conflicts_tag_rename
			(id, tag_id, local_name, local_modified_at, local_device_id, local_device_name,
			 remote_name, remote_modified_at, remote_device_id, remote_device_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		domain.NewRecordID(), id,
		existing.Name, formatTime(localModified), a.local.ID, a.local.Name,
		r.Name, formatTime(remoteModified), a.remote.ID, a.remote.Name,
		formatTime(a.now))
	if err != nil {
		return "", errors.Wrap(err, "record rename conflict")
	}
	return domain.OutcomeConflict, nil
}

// noteTag applies association changes. When both sides touched the same
// association the association is kept ("add wins") and the outcome counts
// as a conflict without a record.
func (a *applier) noteTag() (domain.ApplyOutcome, error) {
	var r domain.NoteTag
	if err := decode(a.change.Data, &r); err != nil {
		return "", err
	}
	noteID, tagID, ok := domain.SplitNoteTagID(a.change.EntityID)
	if !ok {
		return "", errors.Mark(errors.Newf("malformed note tag id %q", a.change.EntityID), domain.ErrProtocol)
	}
	if (r.NoteID != "" && r.NoteID != noteID) || (r.TagID != "" && r.TagID != tagID) {
		return "", errors.Mark(errors.Newf("note tag id %s does not match data", a.change.EntityID), domain.ErrProtocol)
	}
	r.NoteID, r.TagID = noteID, tagID

	remoteDeleted := a.isDelete(&r.DeletedAt)
	incoming := r.Timestamp()
	if a.lastSync != nil && !incoming.After(*a.lastSync) {
		return domain.OutcomeSkipped, nil
	}

	existing, err := getNoteTag(a.ctx, a.tx, noteID, tagID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.OutcomeApplied, upsertNoteTag(a.ctx, a.tx, &r)
	}
	if err != nil {
		return "", err
	}
	localChanged := a.changedSince(existing.Timestamp())

	if !remoteDeleted {
		if existing.DeletedAt == nil {
			return domain.OutcomeSkipped, nil
		}
		revived := *existing
		revived.DeletedAt = nil
		revived.ModifiedAt = &incoming
		if err := upsertNoteTag(a.ctx, a.tx, &revived); err != nil {
			return "", err
		}
		if localChanged {
			return domain.OutcomeConflict, nil
		}
		return domain.OutcomeApplied, nil
	}

	if existing.DeletedAt != nil {
		return domain.OutcomeSkipped, nil
	}
	if localChanged {
		return domain.OutcomeConflict, nil
	}
	removed := *existing
	removed.DeletedAt = r.DeletedAt
	removed.ModifiedAt = r.DeletedAt
	return domain.OutcomeApplied, upsertNoteTag(a.ctx, a.tx, &removed)
}

// audioFile is last-writer-wins on the entity timestamp.
func (a *applier) audioFile() (domain.ApplyOutcome, error) {
	var r domain.AudioFile
	if err := decode(a.change.Data, &r); err != nil {
		return "", err
	}
	id, err := checkID(a.change.EntityID, r.ID)
	if err != nil {
		return "", err
	}
	r.ID = id
	a.isDelete(&r.DeletedAt)

	existing, err := getAudioFile(a.ctx, a.tx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	if existing != nil && !r.Timestamp().After(existing.Timestamp()) {
		return domain.OutcomeSkipped, nil
	}
	return domain.OutcomeApplied, upsertAudioFile(a.ctx, a.tx, &r)
}

// attachment is last-writer-wins on the entity timestamp.
func (a *applier) attachment() (domain.ApplyOutcome, error) {
	var r domain.NoteAttachment
	if err := decode(a.change.Data, &r); err != nil {
		return "", err
	}
	id, err := checkID(a.change.EntityID, r.ID)
	if err != nil {
		return "", err
	}
	r.ID = id
	a.isDelete(&r.DeletedAt)

	existing, err := getAttachment(a.ctx, a.tx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	if existing != nil && !r.Timestamp().After(existing.Timestamp()) {
		return domain.OutcomeSkipped, nil
	}
	return domain.OutcomeApplied, upsertAttachment(a.ctx, a.tx, &r)
}
