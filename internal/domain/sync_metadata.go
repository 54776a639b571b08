package domain

import "time"

const (
	ProtocolVersion  = "1.0"
	DefaultPageLimit = 1000
	MaxPageLimit     = 10000
)

type HandshakeRequest struct {
	DeviceID        string `json:"device_id" validate:"required,hexadecimal,len=32"`
	DeviceName      string `json:"device_name" validate:"max=200"`
	ProtocolVersion string `json:"protocol_version" validate:"required"`
}

type HandshakeResponse struct {
	DeviceID          string     `json:"device_id"`
	DeviceName        string     `json:"device_name"`
	ProtocolVersion   string     `json:"protocol_version"`
	LastSyncTimestamp *time.Time `json:"last_sync_timestamp"`
	ServerTimestamp   time.Time  `json:"server_timestamp"`
	SupportsAudio     bool       `json:"supports_audio"`
	SessionToken      string     `json:"session_token,omitempty"`
}

// ChangeBatch is one page of get_changes.
type ChangeBatch struct {
	Changes       []*Change  `json:"changes"`
	FromTimestamp *time.Time `json:"from_timestamp"`
	ToTimestamp   *time.Time `json:"to_timestamp"`
	DeviceID      string     `json:"device_id"`
	DeviceName    string     `json:"device_name"`
	IsComplete    bool       `json:"is_complete"`
}

type ApplyRequest struct {
	Changes    []*Change `json:"changes"`
	DeviceID   string    `json:"device_id" validate:"required,hexadecimal,len=32"`
	DeviceName string    `json:"device_name"`
}

type ApplyResponse struct {
	Applied   int      `json:"applied"`
	Conflicts int      `json:"conflicts"`
	Errors    []string `json:"errors"`
}

// ApplyStatus distinguishes the three outcomes callers branch on.
type ApplyStatus string

const (
	ApplyStatusOK      ApplyStatus = "ok"
	ApplyStatusPartial ApplyStatus = "partial"
	ApplyStatusFailed  ApplyStatus = "failed"
)

// Status reports all-succeeded, partial success or all-failed. A batch with
// no changes is a success.
func (r *ApplyResponse) Status() ApplyStatus {
	switch {
	case len(r.Errors) == 0:
		return ApplyStatusOK
	case r.Applied > 0 || r.Conflicts > 0:
		return ApplyStatusPartial
	default:
		return ApplyStatusFailed
	}
}

type FullSyncResponse struct {
	FullDataset
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	Timestamp  time.Time `json:"timestamp"`
}

type StatusResponse struct {
	Status          string `json:"status"`
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	ProtocolVersion string `json:"protocol_version"`
	SupportsAudio   bool   `json:"supports_audio"`
}

// SyncResult is what a sync invocation reports, even on partial failure.
type SyncResult struct {
	PeerID    string        `json:"peer_id"`
	PeerName  string        `json:"peer_name"`
	Mode      SyncMode      `json:"mode"`
	Success   bool          `json:"success"`
	Pulled    int           `json:"pulled"`
	Pushed    int           `json:"pushed"`
	Conflicts int           `json:"conflicts"`
	Errors    []string      `json:"errors"`
	SkewSecs  float64       `json:"clock_skew_seconds"`
	Duration  time.Duration `json:"duration"`
}

type SyncMode string

const (
	SyncModeIncremental SyncMode = "incremental"
	SyncModeFull        SyncMode = "full"
	SyncModePullOnly    SyncMode = "pull"
	SyncModePushOnly    SyncMode = "push"
)

// SessionState is a step of the client-side session state machine.
type SessionState string

const (
	StateIdle        SessionState = "idle"
	StateHandshaking SessionState = "handshaking"
	StatePulling     SessionState = "pulling"
	StatePushing     SessionState = "pushing"
	StateDone        SessionState = "done"
	StateFailed      SessionState = "failed"
)
