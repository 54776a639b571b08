package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"voice-sync/internal/domain"
)

// TimeLayout is fixed-width so text comparison in SQL matches time order.
const TimeLayout = "2006-01-02 15:04:05.000000"

const schema = `
CREATE TABLE IF NOT EXISTS notes (
	id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	content TEXT NOT NULL,
	modified_at TEXT,
	deleted_at TEXT,
	base_content TEXT
);

CREATE TABLE IF NOT EXISTS tags (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	parent_id TEXT,
	created_at TEXT NOT NULL,
	modified_at TEXT,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS note_tags (
	note_id TEXT NOT NULL,
	tag_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	modified_at TEXT,
	deleted_at TEXT,
	PRIMARY KEY (note_id, tag_id)
);

CREATE TABLE IF NOT EXISTS audio_files (
	id TEXT PRIMARY KEY,
	imported_at TEXT NOT NULL,
	filename TEXT NOT NULL,
	file_created_at TEXT,
	summary TEXT,
	modified_at TEXT,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS note_attachments (
	id TEXT PRIMARY KEY,
	note_id TEXT NOT NULL,
	attachment_id TEXT NOT NULL,
	attachment_type TEXT NOT NULL,
	created_at TEXT NOT NULL,
	modified_at TEXT,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS conflicts_note_content (
	id TEXT PRIMARY KEY,
	note_id TEXT NOT NULL,
	base_content TEXT,
	local_content TEXT NOT NULL,
	local_modified_at TEXT NOT NULL,
	local_device_id TEXT NOT NULL,
	local_device_name TEXT,
	remote_content TEXT NOT NULL,
	remote_modified_at TEXT NOT NULL,
	remote_device_id TEXT NOT NULL,
	remote_device_name TEXT,
	created_at TEXT NOT NULL,
	resolved_at TEXT
);

CREATE TABLE IF NOT EXISTS conflicts_note_delete (
	id TEXT PRIMARY KEY,
	note_id TEXT NOT NULL,
	surviving_content TEXT NOT NULL,
	surviving_modified_at TEXT NOT NULL,
	surviving_device_id TEXT NOT NULL,
	surviving_device_name TEXT,
	deleted_content TEXT,
	deleted_at TEXT NOT NULL,
	deleting_device_id TEXT NOT NULL,
	deleting_device_name TEXT,
	created_at TEXT NOT NULL,
	resolved_at TEXT
);

CREATE TABLE IF NOT EXISTS conflicts_tag_rename (
	id TEXT PRIMARY KEY,
	tag_id TEXT NOT NULL,
	local_name TEXT NOT NULL,
	local_modified_at TEXT NOT NULL,
	local_device_id TEXT NOT NULL,
	local_device_name TEXT,
	remote_name TEXT NOT NULL,
	remote_modified_at TEXT NOT NULL,
	remote_device_id TEXT NOT NULL,
	remote_device_name TEXT,
	created_at TEXT NOT NULL,
	resolved_at TEXT
);

CREATE TABLE IF NOT EXISTS sync_peers (
	peer_id TEXT PRIMARY KEY,
	peer_name TEXT NOT NULL DEFAULT '',
	peer_url TEXT NOT NULL DEFAULT '',
	certificate_fingerprint TEXT,
	last_sync_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_conflicts_content_open ON conflicts_note_content(note_id) WHERE resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_conflicts_delete_open ON conflicts_note_delete(note_id) WHERE resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_conflicts_rename_open ON conflicts_tag_rename(tag_id) WHERE resolved_at IS NULL;
`

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	// One connection: SQLite serialises writers anyway and an in-memory
	// database lives only as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialize schema")
	}
	return db, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimeLayout, s, time.UTC)
	if err != nil {
		// Accept RFC 3339 text written by other tools.
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, errors.Wrapf(err, "parse timestamp %q", s)
	}
	return t, nil
}

func parseTimeNull(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

// likePrefix escapes prefix for a LIKE ... ESCAPE '\' pattern.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(strings.ToLower(prefix)) + "%"
}

func notFound(what, id string) error {
	return errors.Mark(errors.Newf("%s %s not found", what, id), domain.ErrNotFound)
}
