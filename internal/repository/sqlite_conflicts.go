package repository

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"voice-sync/internal/domain"
)

const (
	contentConflictCols = "id, note_id, base_content, local_content, local_modified_at, local_device_id, local_device_name, " +
		"remote_content, remote_modified_at, remote_device_id, remote_device_name, created_at, resolved_at"
	deleteConflictCols = "id, note_id, surviving_content, surviving_modified_at, surviving_device_id, surviving_device_name, " +
		"deleted_content, deleted_at, deleting_device_id, deleting_device_name, created_at, resolved_at"
	renameConflictCols = "id, tag_id, local_name, local_modified_at, local_device_id, local_device_name, " +
		"remote_name, remote_modified_at, remote_device_id, remote_device_name, created_at, resolved_at"
)

type conflictTable struct {
	name string
	cols string
	scan func(scanner) (domain.Conflict, error)
}

var conflictTables = map[domain.ConflictKind]conflictTable{
	domain.ConflictKindContent: {"conflicts_note_content", contentConflictCols, scanContentConflict},
	domain.ConflictKindDelete:  {"conflicts_note_delete", deleteConflictCols, scanDeleteConflict},
	domain.ConflictKindRename:  {"conflicts_tag_rename", renameConflictCols, scanRenameConflict},
}

func tableFor(kind domain.ConflictKind) (conflictTable, error) {
	t, ok := conflictTables[kind]
	if !ok {
		return conflictTable{}, errors.Newf("unknown conflict kind %q", kind)
	}
	return t, nil
}

func scanMeta(meta *domain.ConflictMeta, created string, resolved sql.NullString) error {
	var err error
	if meta.CreatedAt, err = parseTime(created); err != nil {
		return err
	}
	meta.ResolvedAt, err = parseTimeNull(resolved)
	return err
}

func scanContentConflict(sc scanner) (domain.Conflict, error) {
	var (
		c                            domain.ContentConflict
		localMod, remoteMod, created string
		base, localName, remoteName  sql.NullString
		resolved                     sql.NullString
	)
	err := sc.Scan(&c.ID, &c.NoteID, &base, &c.LocalContent, &localMod, &c.LocalDeviceID, &localName,
		&c.RemoteContent, &remoteMod, &c.RemoteDeviceID, &remoteName, &created, &resolved)
	if err != nil {
		return nil, err
	}
	c.BaseContent = stringPtr(base)
	c.LocalDeviceName = localName.String
	c.RemoteDeviceName = remoteName.String
	if c.LocalModifiedAt, err = parseTime(localMod); err != nil {
		return nil, err
	}
	if c.RemoteModifiedAt, err = parseTime(remoteMod); err != nil {
		return nil, err
	}
	if err := scanMeta(&c.ConflictMeta, created, resolved); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanDeleteConflict(sc scanner) (domain.Conflict, error) {
	var (
		c                                    domain.DeleteConflict
		survivingMod, deletedAt, created     string
		survivingName, deletedContent, delBy sql.NullString
		resolved                             sql.NullString
	)
	err := sc.Scan(&c.ID, &c.NoteID, &c.SurvivingContent, &survivingMod, &c.SurvivingDeviceID, &survivingName,
		&deletedContent, &deletedAt, &c.DeletingDeviceID, &delBy, &created, &resolved)
	if err != nil {
		return nil, err
	}
	c.SurvivingDeviceName = survivingName.String
	c.DeletedContent = stringPtr(deletedContent)
	c.DeletingDeviceName = delBy.String
	if c.SurvivingModifiedAt, err = parseTime(survivingMod); err != nil {
		return nil, err
	}
	if c.DeletedAt, err = parseTime(deletedAt); err != nil {
		return nil, err
	}
	if err := scanMeta(&c.ConflictMeta, created, resolved); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanRenameConflict(sc scanner) (domain.Conflict, error) {
	var (
		c                            domain.RenameConflict
		localMod, remoteMod, created string
		localName, remoteName        sql.NullString
		resolved                     sql.NullString
	)
	err := sc.Scan(&c.ID, &c.TagID, &c.LocalName, &localMod, &c.LocalDeviceID, &localName,
		&c.RemoteName, &remoteMod, &c.RemoteDeviceID, &remoteName, &created, &resolved)
	if err != nil {
		return nil, err
	}
	c.LocalDeviceName = localName.String
	c.RemoteDeviceName = remoteName.String
	if c.LocalModifiedAt, err = parseTime(localMod); err != nil {
		return nil, err
	}
	if c.RemoteModifiedAt, err = parseTime(remoteMod); err != nil {
		return nil, err
	}
	if err := scanMeta(&c.ConflictMeta, created, resolved); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, kind domain.ConflictKind, includeResolved bool) ([]domain.Conflict, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := "SELECT " + t.cols + " FROM " + t.name
	if !includeResolved {
		query += " WHERE resolved_at IS NULL"
	}
	query += " ORDER BY created_at, id"

	conflicts, err := collect(ctx, s.db, t.scan, query)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s conflicts", kind)
	}
	return conflicts, nil
}

// FindConflictsByPrefix returns every conflict of kind whose id starts with
// prefix, resolved or not.
func (s *SQLiteStore) FindConflictsByPrefix(ctx context.Context, kind domain.ConflictKind, prefix string) ([]domain.Conflict, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := "SELECT " + t.cols + " FROM " + t.name + ` WHERE id LIKE ? ESCAPE '\' ORDER BY id`
	conflicts, err := collect(ctx, s.db, t.scan, query, likePrefix(prefix))
	if err != nil {
		return nil, errors.Wrapf(err, "find %s conflicts", kind)
	}
	return conflicts, nil
}

func (s *SQLiteStore) CountUnresolved(ctx context.Context) (domain.ConflictCounts, error) {
	var counts domain.ConflictCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM conflicts_note_content WHERE resolved_at IS NULL),
			(SELECT COUNT(*) FROM conflicts_note_delete WHERE resolved_at IS NULL),
			(SELECT COUNT(*) FROM conflicts_tag_rename WHERE resolved_at IS NULL)`,
	).Scan(&counts.Content, &counts.Delete, &counts.Rename)
	if err != nil {
		return counts, errors.Wrap(err, "count unresolved conflicts")
	}
	counts.Total = counts.Content + counts.Delete + counts.Rename
	return counts, nil
}

// ResolveConflict writes the chosen outcome to the affected entity and
// stamps the conflict resolved, atomically.
func (s *SQLiteStore) ResolveConflict(ctx context.Context, res *domain.Resolution) error {
	t, err := tableFor(res.Kind)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin resolve")
	}
	defer tx.Rollback() //nolint:errcheck

	c, err := t.scan(tx.QueryRowContext(ctx, "SELECT "+t.cols+" FROM "+t.name+" WHERE id = ?", res.ConflictID))
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("conflict", res.ConflictID)
	}
	if err != nil {
		return errors.Wrap(err, "load conflict")
	}
	if c.Resolved() != nil {
		return errors.Mark(errors.Newf("conflict %s is already resolved", res.ConflictID), domain.ErrInvalidChoice)
	}

	at := formatTime(res.ResolvedAt)
	switch res.Kind {
	case domain.ConflictKindContent:
		if res.NoteContent == nil {
			return errors.New("content resolution without note content")
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE notes SET content = ?, base_content = ?, modified_at = ? WHERE id = ?",
			*res.NoteContent, *res.NoteContent, at, c.EntityID())

	case domain.ConflictKindDelete:
		if res.Restore {
			if res.NoteContent == nil {
				return errors.New("restore resolution without note content")
			}
			_, err = tx.ExecContext(ctx,
				"UPDATE notes SET content = ?, deleted_at = NULL, modified_at = ? WHERE id = ?",
				*res.NoteContent, at, c.EntityID())
		} else {
			_, err = tx.ExecContext(ctx,
				"UPDATE notes SET deleted_at = ?, modified_at = ? WHERE id = ?",
				at, at, c.EntityID())
		}

	case domain.ConflictKindRename:
		if res.TagName == nil {
			return errors.New("rename resolution without tag name")
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE tags SET name = ?, modified_at = ? WHERE id = ?",
			*res.TagName, at, c.EntityID())
	}
	if err != nil {
		return errors.Wrapf(err, "apply %s resolution", res.Kind)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE "+t.name+" SET resolved_at = ? WHERE id = ?", at, res.ConflictID); err != nil {
		return errors.Wrap(err, "stamp conflict resolved")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit resolve")
	}

	s.logger.Infow("conflict resolved",
		"conflict_id", res.ConflictID,
		"kind", res.Kind,
		"choice", res.Choice,
		"entity_id", c.EntityID(),
	)
	return nil
}
