package domain

import (
	"strings"
	"time"
)

type Note struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	Content    string     `json:"content"`
	ModifiedAt *time.Time `json:"modified_at"`
	DeletedAt  *time.Time `json:"deleted_at"`
}

// Timestamp is the note's own last-modified instant.
func (n *Note) Timestamp() time.Time {
	return LatestOf(n.CreatedAt, n.ModifiedAt, n.DeletedAt)
}

type Tag struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	ParentID   *string    `json:"parent_id"`
	CreatedAt  time.Time  `json:"created_at"`
	ModifiedAt *time.Time `json:"modified_at"`
	DeletedAt  *time.Time `json:"deleted_at"`
}

func (t *Tag) Timestamp() time.Time {
	return LatestOf(t.CreatedAt, t.ModifiedAt, t.DeletedAt)
}

// NoteTag associates a note with a tag. Its entity id is "<note_id>:<tag_id>".
type NoteTag struct {
	NoteID     string     `json:"note_id"`
	TagID      string     `json:"tag_id"`
	CreatedAt  time.Time  `json:"created_at"`
	ModifiedAt *time.Time `json:"modified_at"`
	DeletedAt  *time.Time `json:"deleted_at"`
}

func (nt *NoteTag) EntityID() string {
	return NoteTagID(nt.NoteID, nt.TagID)
}

func (nt *NoteTag) Timestamp() time.Time {
	return LatestOf(nt.CreatedAt, nt.ModifiedAt, nt.DeletedAt)
}

func NoteTagID(noteID, tagID string) string {
	return noteID + ":" + tagID
}

// SplitNoteTagID parses a "<note_id>:<tag_id>" entity id.
func SplitNoteTagID(entityID string) (noteID, tagID string, ok bool) {
	parts := strings.Split(entityID, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// AudioFile is the metadata of an imported recording. The bytes travel
// separately through the blob endpoints, keyed by ID.
type AudioFile struct {
	ID            string     `json:"id"`
	ImportedAt    time.Time  `json:"imported_at"`
	Filename      string     `json:"filename"`
	FileCreatedAt *time.Time `json:"file_created_at"`
	Summary       *string    `json:"summary"`
	ModifiedAt    *time.Time `json:"modified_at"`
	DeletedAt     *time.Time `json:"deleted_at"`
}

func (a *AudioFile) Timestamp() time.Time {
	return LatestOf(a.ImportedAt, a.ModifiedAt, a.DeletedAt)
}

// Extension returns the lower-cased file extension without the dot.
func (a *AudioFile) Extension() string {
	idx := strings.LastIndex(a.Filename, ".")
	if idx < 0 || idx == len(a.Filename)-1 {
		return ""
	}
	return strings.ToLower(a.Filename[idx+1:])
}

type NoteAttachment struct {
	ID             string     `json:"id"`
	NoteID         string     `json:"note_id"`
	AttachmentID   string     `json:"attachment_id"`
	AttachmentType string     `json:"attachment_type"`
	CreatedAt      time.Time  `json:"created_at"`
	ModifiedAt     *time.Time `json:"modified_at"`
	DeletedAt      *time.Time `json:"deleted_at"`
}

func (na *NoteAttachment) Timestamp() time.Time {
	return LatestOf(na.CreatedAt, na.ModifiedAt, na.DeletedAt)
}

// FullDataset is every entity of every type, live and soft-deleted.
type FullDataset struct {
	Notes           []*Note           `json:"notes"`
	Tags            []*Tag            `json:"tags"`
	NoteTags        []*NoteTag        `json:"note_tags"`
	AudioFiles      []*AudioFile      `json:"audio_files"`
	NoteAttachments []*NoteAttachment `json:"note_attachments"`
}

// Changes synthesizes one Change per entity in the order notes, tags, audio
// files, associations. Callers sort by timestamp before applying.
func (d *FullDataset) Changes() ([]*Change, error) {
	var changes []*Change
	add := func(et EntityType, id string, entity interface{}, modified, deleted *time.Time, ts time.Time) error {
		c, err := NewChange(et, id, InferOperation(modified, deleted), entity, ts)
		if err != nil {
			return err
		}
		changes = append(changes, c)
		return nil
	}

	for _, n := range d.Notes {
		if err := add(EntityNote, n.ID, n, n.ModifiedAt, n.DeletedAt, n.Timestamp()); err != nil {
			return nil, err
		}
	}
	for _, t := range d.Tags {
		if err := add(EntityTag, t.ID, t, t.ModifiedAt, t.DeletedAt, t.Timestamp()); err != nil {
			return nil, err
		}
	}
	for _, a := range d.AudioFiles {
		if err := add(EntityAudioFile, a.ID, a, a.ModifiedAt, a.DeletedAt, a.Timestamp()); err != nil {
			return nil, err
		}
	}
	for _, nt := range d.NoteTags {
		if err := add(EntityNoteTag, nt.EntityID(), nt, nt.ModifiedAt, nt.DeletedAt, nt.Timestamp()); err != nil {
			return nil, err
		}
	}
	for _, na := range d.NoteAttachments {
		if err := add(EntityNoteAttachment, na.ID, na, na.ModifiedAt, na.DeletedAt, na.Timestamp()); err != nil {
			return nil, err
		}
	}

	return changes, nil
}

// Size is the number of entities in the dataset.
func (d *FullDataset) Size() int {
	return len(d.Notes) + len(d.Tags) + len(d.NoteTags) + len(d.AudioFiles) + len(d.NoteAttachments)
}
