package domain

import (
	"time"
)

type ConflictKind string

const (
	ConflictKindContent ConflictKind = "content"
	ConflictKindDelete  ConflictKind = "delete"
	ConflictKindRename  ConflictKind = "rename"
)

// ConflictKinds lists the kinds in prefix-search order.
var ConflictKinds = []ConflictKind{ConflictKindContent, ConflictKindDelete, ConflictKindRename}

func ParseConflictKind(s string) (ConflictKind, bool) {
	for _, k := range ConflictKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

type ResolutionChoice string

const (
	ChoiceKeepLocal  ResolutionChoice = "keep_local"
	ChoiceKeepRemote ResolutionChoice = "keep_remote"
	ChoiceMerge      ResolutionChoice = "merge"
	ChoiceKeepBoth   ResolutionChoice = "keep_both"
)

// Conflict is the closed set of conflict records. Exactly one of the
// concrete types ContentConflict, DeleteConflict and RenameConflict
// implements it.
type Conflict interface {
	ConflictID() string
	Kind() ConflictKind
	EntityID() string
	Created() time.Time
	Resolved() *time.Time
	// AllowedChoices lists the resolution choices legal for this kind.
	AllowedChoices() []ResolutionChoice
	sealed()
}

// ConflictMeta holds the fields shared by every conflict kind.
type ConflictMeta struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func (m ConflictMeta) ConflictID() string { return m.ID }
func (m ConflictMeta) Created() time.Time { return m.CreatedAt }
func (m ConflictMeta) Resolved() *time.Time { return m.ResolvedAt }
func (m ConflictMeta) IsOpen() bool { return m.ResolvedAt == nil }

// ContentConflict: both sides modified the same note's text since last sync.
type ContentConflict struct {
	ConflictMeta
	NoteID           string    `json:"note_id"`
	BaseContent      *string   `json:"base_content,omitempty"`
	LocalContent     string    `json:"local_content"`
	LocalModifiedAt  time.Time `json:"local_modified_at"`
	LocalDeviceID    string    `json:"local_device_id"`
	LocalDeviceName  string    `json:"local_device_name,omitempty"`
	RemoteContent    string    `json:"remote_content"`
	RemoteModifiedAt time.Time `json:"remote_modified_at"`
	RemoteDeviceID   string    `json:"remote_device_id"`
	RemoteDeviceName string    `json:"remote_device_name,omitempty"`
}

func (c *ContentConflict) Kind() ConflictKind { return ConflictKindContent }
func (c *ContentConflict) EntityID() string { return c.NoteID }
func (c *ContentConflict) AllowedChoices() []ResolutionChoice {
	return []ResolutionChoice{ChoiceKeepLocal, ChoiceKeepRemote, ChoiceMerge}
}
func (c *ContentConflict) sealed() {}

// DeleteConflict: one side modified an entity while the other soft-deleted
// it since last sync.
type DeleteConflict struct {
	ConflictMeta
	NoteID              string    `json:"note_id"`
	SurvivingContent    string    `json:"surviving_content"`
	SurvivingModifiedAt time.Time `json:"surviving_modified_at"`
	SurvivingDeviceID   string    `json:"surviving_device_id"`
	SurvivingDeviceName string    `json:"surviving_device_name,omitempty"`
	DeletedContent      *string   `json:"deleted_content,omitempty"`
	DeletedAt           time.Time `json:"deleted_at"`
	DeletingDeviceID    string    `json:"deleting_device_id"`
	DeletingDeviceName  string    `json:"deleting_device_name,omitempty"`
}

func (c *DeleteConflict) Kind() ConflictKind { return ConflictKindDelete }
func (c *DeleteConflict) EntityID() string { return c.NoteID }
func (c *DeleteConflict) AllowedChoices() []ResolutionChoice {
	return []ResolutionChoice{ChoiceKeepBoth, ChoiceKeepRemote}
}
func (c *DeleteConflict) sealed() {}

// RenameConflict: both sides renamed the same tag since last sync.
type RenameConflict struct {
	ConflictMeta
	TagID            string    `json:"tag_id"`
	LocalName        string    `json:"local_name"`
	LocalModifiedAt  time.Time `json:"local_modified_at"`
	LocalDeviceID    string    `json:"local_device_id"`
	LocalDeviceName  string    `json:"local_device_name,omitempty"`
	RemoteName       string    `json:"remote_name"`
	RemoteModifiedAt time.Time `json:"remote_modified_at"`
	RemoteDeviceID   string    `json:"remote_device_id"`
	RemoteDeviceName string    `json:"remote_device_name,omitempty"`
}

func (c *RenameConflict) Kind() ConflictKind { return ConflictKindRename }
func (c *RenameConflict) EntityID() string { return c.TagID }
func (c *RenameConflict) AllowedChoices() []ResolutionChoice {
	return []ResolutionChoice{ChoiceKeepLocal, ChoiceKeepRemote}
}
func (c *RenameConflict) sealed() {}

// ChoiceAllowed reports whether choice is legal for c.
func ChoiceAllowed(c Conflict, choice ResolutionChoice) bool {
	for _, allowed := range c.AllowedChoices() {
		if allowed == choice {
			return true
		}
	}
	return false
}

type ConflictCounts struct {
	Content int `json:"content"`
	Delete  int `json:"delete"`
	Rename  int `json:"rename"`
	Total   int `json:"total"`
}

// Resolution is what the conflict manager writes back through the store.
// Exactly the fields relevant to the conflict's kind are set.
type Resolution struct {
	ConflictID string
	Kind       ConflictKind
	Choice     ResolutionChoice
	// NoteContent is the new note text for content resolutions and for
	// delete resolutions that restore the note.
	NoteContent *string
	// Restore clears the note's deletion timestamp.
	Restore bool
	// TagName is the new tag name for rename resolutions.
	TagName    *string
	ResolvedBy Device
	ResolvedAt time.Time
}

type ResolveResult struct {
	ConflictID string           `json:"conflict_id"`
	Kind       ConflictKind     `json:"kind"`
	Choice     ResolutionChoice `json:"choice"`
	EntityID   string           `json:"entity_id"`
	ResolvedAt time.Time        `json:"resolved_at"`
}
