package domain

import (
	"encoding/json"
	"time"
)

type EntityType string

const (
	EntityNote           EntityType = "note"
	EntityTag            EntityType = "tag"
	EntityNoteTag        EntityType = "note_tag"
	EntityAudioFile      EntityType = "audio_file"
	EntityNoteAttachment EntityType = "note_attachment"
)

type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Change is the unit of the sync wire format. Data always carries the full
// current snapshot of the entity, never a diff, so applying a Change twice
// leaves the store in the same state as applying it once.
type Change struct {
	EntityType       EntityType      `json:"entity_type" validate:"required,oneof=note tag note_tag audio_file note_attachment"`
	EntityID         string          `json:"entity_id" validate:"required"`
	Operation        Operation       `json:"operation" validate:"required,oneof=create update delete"`
	Data             json.RawMessage `json:"data" validate:"required"`
	Timestamp        time.Time       `json:"timestamp" validate:"required"`
	OriginDeviceID   string          `json:"device_id"`
	OriginDeviceName string          `json:"device_name,omitempty"`
}

// ApplyOutcome is the result of applying a single Change to the local store.
type ApplyOutcome string

const (
	OutcomeApplied  ApplyOutcome = "applied"
	OutcomeConflict ApplyOutcome = "conflict"
	OutcomeSkipped  ApplyOutcome = "skipped"
)

// NewChange builds a Change whose Data is the JSON snapshot of entity.
func NewChange(entityType EntityType, entityID string, op Operation, entity interface{}, ts time.Time) (*Change, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}
	return &Change{
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Data:       data,
		Timestamp:  ts.UTC(),
	}, nil
}

// InferOperation derives the operation of a snapshot from its timestamps:
// a deletion timestamp means delete, a modification timestamp means update,
// otherwise the entity has only ever been created.
func InferOperation(modifiedAt, deletedAt *time.Time) Operation {
	switch {
	case deletedAt != nil:
		return OperationDelete
	case modifiedAt != nil:
		return OperationUpdate
	default:
		return OperationCreate
	}
}

// LatestOf returns the newest non-nil timestamp, falling back to base.
func LatestOf(base time.Time, others ...*time.Time) time.Time {
	latest := base
	for _, t := range others {
		if t != nil && t.After(latest) {
			latest = *t
		}
	}
	return latest
}
