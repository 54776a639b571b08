package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"voice-sync/internal/domain"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// SQLiteStore is the reference local store. It is bound to the identity of
// the device that owns the data.
type SQLiteStore struct {
	db     *sql.DB
	local  domain.Device
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewSQLiteStore(db *sql.DB, local domain.Device, logger *zap.SugaredLogger) *SQLiteStore {
	return &SQLiteStore{
		db:     db,
		local:  local,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQLiteStore) Device() domain.Device {
	return s.local
}

// entity timestamp: the newest of created, modified and deleted.
func tsExpr(created string) string {
	return fmt.Sprintf("MAX(%s, COALESCE(modified_at, ''), COALESCE(deleted_at, ''))", created)
}

const (
	noteCols       = "id, created_at, content, modified_at, deleted_at, base_content"
	tagCols        = "id, name, parent_id, created_at, modified_at, deleted_at"
	noteTagCols    = "note_id, tag_id, created_at, modified_at, deleted_at"
	audioCols      = "id, imported_at, filename, file_created_at, summary, modified_at, deleted_at"
	attachmentCols = "id, note_id, attachment_id, attachment_type, created_at, modified_at, deleted_at"
)

// noteRow is a note plus the last text both sides agreed on.
type noteRow struct {
	domain.Note
	Base *string
}

func scanNote(sc scanner) (*noteRow, error) {
	var (
		n                          noteRow
		created                    string
		modified, deleted, baseTxt sql.NullString
	)
	if err := sc.Scan(&n.ID, &created, &n.Content, &modified, &deleted, &baseTxt); err != nil {
		return nil, err
	}
	var err error
	if n.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if n.ModifiedAt, err = parseTimeNull(modified); err != nil {
		return nil, err
	}
	if n.DeletedAt, err = parseTimeNull(deleted); err != nil {
		return nil, err
	}
	n.Base = stringPtr(baseTxt)
	return &n, nil
}

func scanTag(sc scanner) (*domain.Tag, error) {
	var (
		t                         domain.Tag
		created                   string
		parent, modified, deleted sql.NullString
	)
	if err := sc.Scan(&t.ID, &t.Name, &parent, &created, &modified, &deleted); err != nil {
		return nil, err
	}
	var err error
	t.ParentID = stringPtr(parent)
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.ModifiedAt, err = parseTimeNull(modified); err != nil {
		return nil, err
	}
	if t.DeletedAt, err = parseTimeNull(deleted); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanNoteTag(sc scanner) (*domain.NoteTag, error) {
	var (
		nt                domain.NoteTag
		created           string
		modified, deleted sql.NullString
	)
	if err := sc.Scan(&nt.NoteID, &nt.TagID, &created, &modified, &deleted); err != nil {
		return nil, err
	}
	var err error
	if nt.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if nt.ModifiedAt, err = parseTimeNull(modified); err != nil {
		return nil, err
	}
	if nt.DeletedAt, err = parseTimeNull(deleted); err != nil {
		return nil, err
	}
	return &nt, nil
}

func scanAudioFile(sc scanner) (*domain.AudioFile, error) {
	var (
		a                                       domain.AudioFile
		imported                                string
		fileCreated, summary, modified, deleted sql.NullString
	)
	if err := sc.Scan(&a.ID, &imported, &a.Filename, &fileCreated, &summary, &modified, &deleted); err != nil {
		return nil, err
	}
	var err error
	if a.ImportedAt, err = parseTime(imported); err != nil {
		return nil, err
	}
	if a.FileCreatedAt, err = parseTimeNull(fileCreated); err != nil {
		return nil, err
	}
	a.Summary = stringPtr(summary)
	if a.ModifiedAt, err = parseTimeNull(modified); err != nil {
		return nil, err
	}
	if a.DeletedAt, err = parseTimeNull(deleted); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAttachment(sc scanner) (*domain.NoteAttachment, error) {
	var (
		na                domain.NoteAttachment
		created           string
		modified, deleted sql.NullString
	)
	if err := sc.Scan(&na.ID, &na.NoteID, &na.AttachmentID, &na.AttachmentType, &created, &modified, &deleted); err != nil {
		return nil, err
	}
	var err error
	if na.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if na.ModifiedAt, err = parseTimeNull(modified); err != nil {
		return nil, err
	}
	if na.DeletedAt, err = parseTimeNull(deleted); err != nil {
		return nil, err
	}
	return &na, nil
}

// collect runs query and scans every row with fn.
func collect[T any](ctx context.Context, q querier, fn func(scanner) (T, error), query string, args ...interface{}) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := fn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// sinceQuery selects rows whose entity timestamp is after since, oldest first.
func sinceQuery(table, cols, created string) string {
	ts := tsExpr(created)
	return fmt.Sprintf("SELECT %s FROM %s WHERE (?1 IS NULL OR %s > ?1) ORDER BY %s LIMIT ?2", cols, table, ts, ts)
}

// GetChangesSince returns up to limit changes newer than since in ascending
// timestamp order, and the timestamp of the last one.
func (s *SQLiteStore) GetChangesSince(ctx context.Context, since *time.Time, limit int) ([]*domain.Change, *time.Time, error) {
	if limit <= 0 {
		limit = domain.DefaultPageLimit
	}
	sinceArg := formatTimePtr(since)

	notes, err := collect(ctx, s.db, scanNote, sinceQuery("notes", noteCols, "created_at"), sinceArg, limit)
	if err != nil {
		return nil, nil, errors.Wrap(err, "query note changes")
	}
	tags, err := collect(ctx, s.db, scanTag, sinceQuery("tags", tagCols, "created_at"), sinceArg, limit)
	if err != nil {
		return nil, nil, errors.Wrap(err, "query tag changes")
	}
	audio, err := collect(ctx, s.db, scanAudioFile, sinceQuery("audio_files", audioCols, "imported_at"), sinceArg, limit)
	if err != nil {
		return nil, nil, errors.Wrap(err, "query audio file changes")
	}
	noteTags, err := collect(ctx, s.db, scanNoteTag, sinceQuery("note_tags", noteTagCols, "created_at"), sinceArg, limit)
	if err != nil {
		return nil, nil, errors.Wrap(err, "query note tag changes")
	}
	attachments, err := collect(ctx, s.db, scanAttachment, sinceQuery("note_attachments", attachmentCols, "created_at"), sinceArg, limit)
	if err != nil {
		return nil, nil, errors.Wrap(err, "query attachment changes")
	}

	ds := &domain.FullDataset{Tags: tags, NoteTags: noteTags, AudioFiles: audio, NoteAttachments: attachments}
	for _, n := range notes {
		note := n.Note
		ds.Notes = append(ds.Notes, &note)
	}

	changes, err := s.changesOf(ds)
	if err != nil {
		return nil, nil, err
	}
	if len(changes) > limit {
		changes = changes[:limit]
	}
	if len(changes) == 0 {
		return changes, nil, nil
	}
	latest := changes[len(changes)-1].Timestamp
	return changes, &latest, nil
}

// changesOf converts a dataset into changes stamped with the local device,
// ordered by timestamp. Entity order breaks ties so notes and tags precede
// the associations that reference them.
func (s *SQLiteStore) changesOf(ds *domain.FullDataset) ([]*domain.Change, error) {
	changes, err := ds.Changes()
	if err != nil {
		return nil, errors.Wrap(err, "build changes")
	}
	for _, c := range changes {
		c.OriginDeviceID = s.local.ID
		c.OriginDeviceName = s.local.Name
	}
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Timestamp.Before(changes[j].Timestamp)
	})
	return changes, nil
}

func (s *SQLiteStore) GetFullDataset(ctx context.Context) (*domain.FullDataset, error) {
	ds := &domain.FullDataset{}

	notes, err := collect(ctx, s.db, scanNote, "SELECT "+noteCols+" FROM notes ORDER BY created_at")
	if err != nil {
		return nil, errors.Wrap(err, "load notes")
	}
	for _, n := range notes {
		note := n.Note
		ds.Notes = append(ds.Notes, &note)
	}
	if ds.Tags, err = collect(ctx, s.db, scanTag, "SELECT "+tagCols+" FROM tags ORDER BY created_at"); err != nil {
		return nil, errors.Wrap(err, "load tags")
	}
	if ds.NoteTags, err = collect(ctx, s.db, scanNoteTag, "SELECT "+noteTagCols+" FROM note_tags ORDER BY created_at"); err != nil {
		return nil, errors.Wrap(err, "load note tags")
	}
	if ds.AudioFiles, err = collect(ctx, s.db, scanAudioFile, "SELECT "+audioCols+" FROM audio_files ORDER BY imported_at"); err != nil {
		return nil, errors.Wrap(err, "load audio files")
	}
	if ds.NoteAttachments, err = collect(ctx, s.db, scanAttachment, "SELECT "+attachmentCols+" FROM note_attachments ORDER BY created_at"); err != nil {
		return nil, errors.Wrap(err, "load note attachments")
	}
	return ds, nil
}

func getNote(ctx context.Context, q querier, id string) (*noteRow, error) {
	n, err := scanNote(q.QueryRowContext(ctx, "SELECT "+noteCols+" FROM notes WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("note", id)
	}
	return n, err
}

func getTag(ctx context.Context, q querier, id string) (*domain.Tag, error) {
	t, err := scanTag(q.QueryRowContext(ctx, "SELECT "+tagCols+" FROM tags WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("tag", id)
	}
	return t, err
}

func getNoteTag(ctx context.Context, q querier, noteID, tagID string) (*domain.NoteTag, error) {
	nt, err := scanNoteTag(q.QueryRowContext(ctx, "SELECT "+noteTagCols+" FROM note_tags WHERE note_id = ? AND tag_id = ?", noteID, tagID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("note tag", domain.NoteTagID(noteID, tagID))
	}
	return nt, err
}

func getAudioFile(ctx context.Context, q querier, id string) (*domain.AudioFile, error) {
	a, err := scanAudioFile(q.QueryRowContext(ctx, "SELECT "+audioCols+" FROM audio_files WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("audio file", id)
	}
	return a, err
}

func getAttachment(ctx context.Context, q querier, id string) (*domain.NoteAttachment, error) {
	na, err := scanAttachment(q.QueryRowContext(ctx, "SELECT "+attachmentCols+" FROM note_attachments WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("note attachment", id)
	}
	return na, err
}

// upsertNote writes every column of n. A nil base keeps the stored base.
func upsertNote(ctx context.Context, q querier, n *domain.Note, base *string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO notes (id, created_at, content, modified_at, deleted_at, base_content)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			content = excluded.content,
			modified_at = excluded.modified_at,
			deleted_at = excluded.deleted_at,
			base_content = COALESCE(excluded.base_content, notes.base_content)`,
		n.ID, formatTime(n.CreatedAt), n.Content, formatTimePtr(n.ModifiedAt), formatTimePtr(n.DeletedAt), nullString(base))
	return err
}

func upsertTag(ctx context.Context, q querier, t *domain.Tag) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO tags (id, name, parent_id, created_at, modified_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			parent_id = excluded.parent_id,
			created_at = excluded.created_at,
			modified_at = excluded.modified_at,
			deleted_at = excluded.deleted_at`,
		t.ID, t.Name, nullString(t.ParentID), formatTime(t.CreatedAt), formatTimePtr(t.ModifiedAt), formatTimePtr(t.DeletedAt))
	return err
}

func upsertNoteTag(ctx context.Context, q querier, nt *domain.NoteTag) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO note_tags (note_id, tag_id, created_at, modified_at, deleted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(note_id, tag_id) DO UPDATE SET
			created_at = excluded.created_at,
			modified_at = excluded.modified_at,
			deleted_at = excluded.deleted_at`,
		nt.NoteID, nt.TagID, formatTime(nt.CreatedAt), formatTimePtr(nt.ModifiedAt), formatTimePtr(nt.DeletedAt))
	return err
}

func upsertAudioFile(ctx context.Context, q querier, a *domain.AudioFile) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO audio_files (id, imported_at, filename, file_created_at, summary, modified_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			imported_at = excluded.imported_at,
			filename = excluded.filename,
			file_created_at = excluded.file_created_at,
			summary = excluded.summary,
			modified_at = excluded.modified_at,
			deleted_at = excluded.deleted_at`,
		a.ID, formatTime(a.ImportedAt), a.Filename, formatTimePtr(a.FileCreatedAt), nullString(a.Summary), formatTimePtr(a.ModifiedAt), formatTimePtr(a.DeletedAt))
	return err
}

func upsertAttachment(ctx context.Context, q querier, na *domain.NoteAttachment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO note_attachments (id, note_id, attachment_id, attachment_type, created_at, modified_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			note_id = excluded.note_id,
			attachment_id = excluded.attachment_id,
			attachment_type = excluded.attachment_type,
			created_at = excluded.created_at,
			modified_at = excluded.modified_at,
			deleted_at = excluded.deleted_at`,
		na.ID, na.NoteID, na.AttachmentID, na.AttachmentType, formatTime(na.CreatedAt), formatTimePtr(na.ModifiedAt), formatTimePtr(na.DeletedAt))
	return err
}

func (s *SQLiteStore) GetNote(ctx context.Context, id string) (*domain.Note, error) {
	n, err := getNote(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return &n.Note, nil
}

// SaveNote records a local edit. The agreed base text is left untouched.
func (s *SQLiteStore) SaveNote(ctx context.Context, note *domain.Note) error {
	return errors.Wrap(upsertNote(ctx, s.db, note, nil), "save note")
}

func (s *SQLiteStore) GetTag(ctx context.Context, id string) (*domain.Tag, error) {
	return getTag(ctx, s.db, id)
}

func (s *SQLiteStore) SaveTag(ctx context.Context, tag *domain.Tag) error {
	return errors.Wrap(upsertTag(ctx, s.db, tag), "save tag")
}

func (s *SQLiteStore) GetNoteTag(ctx context.Context, noteID, tagID string) (*domain.NoteTag, error) {
	return getNoteTag(ctx, s.db, noteID, tagID)
}

func (s *SQLiteStore) SaveNoteTag(ctx context.Context, nt *domain.NoteTag) error {
	return errors.Wrap(upsertNoteTag(ctx, s.db, nt), "save note tag")
}

func (s *SQLiteStore) GetAudioFile(ctx context.Context, id string) (*domain.AudioFile, error) {
	return getAudioFile(ctx, s.db, id)
}

func (s *SQLiteStore) SaveAudioFile(ctx context.Context, a *domain.AudioFile) error {
	return errors.Wrap(upsertAudioFile(ctx, s.db, a), "save audio file")
}

func (s *SQLiteStore) SaveNoteAttachment(ctx context.Context, na *domain.NoteAttachment) error {
	return errors.Wrap(upsertAttachment(ctx, s.db, na), "save note attachment")
}

func (s *SQLiteStore) GetPeerLastSync(ctx context.Context, peerID string) (*time.Time, error) {
	return peerLastSync(ctx, s.db, peerID)
}

func peerLastSync(ctx context.Context, q querier, peerID string) (*time.Time, error) {
	var ns sql.NullString
	err := q.QueryRowContext(ctx, "SELECT last_sync_at FROM sync_peers WHERE peer_id = ?", peerID).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read last sync for %s", peerID)
	}
	return parseTimeNull(ns)
}

// SetPeerLastSync records ts for peerID, creating the peer row when absent.
// An empty name never overwrites a known one.
func (s *SQLiteStore) SetPeerLastSync(ctx context.Context, peerID, peerName string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_peers (peer_id, peer_name, last_sync_at) VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			peer_name = CASE WHEN excluded.peer_name = '' THEN sync_peers.peer_name ELSE excluded.peer_name END`,
		peerID, peerName, formatTime(ts))
	return errors.Wrapf(err, "record last sync for %s", peerID)
}
