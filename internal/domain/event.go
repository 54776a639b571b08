package domain

import "time"

type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventPhaseChanged     EventType = "phase_changed"
	EventConflictDetected EventType = "conflict_detected"
	EventSessionCompleted EventType = "session_completed"
	EventSessionFailed    EventType = "session_failed"
	EventChangesApplied   EventType = "changes_applied"
)

// SyncEvent reports session progress to local observers.
type SyncEvent struct {
	Type       EventType    `json:"type"`
	PeerID     string       `json:"peer_id"`
	PeerName   string       `json:"peer_name,omitempty"`
	Phase      SessionState `json:"phase,omitempty"`
	EntityType EntityType   `json:"entity_type,omitempty"`
	EntityID   string       `json:"entity_id,omitempty"`
	Result     *SyncResult  `json:"result,omitempty"`
	Error      string       `json:"error,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}
