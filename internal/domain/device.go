package domain

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Device is the local device identity threaded through every store and
// session call.
type Device struct {
	ID   string `json:"device_id"`
	Name string `json:"device_name"`
}

// Peer is a remote device this device syncs with.
type Peer struct {
	ID                     string     `json:"peer_id" yaml:"peer_id" validate:"required,hexadecimal,len=32"`
	Name                   string     `json:"peer_name" yaml:"peer_name"`
	URL                    string     `json:"peer_url" yaml:"peer_url" validate:"omitempty,url"`
	CertificateFingerprint *string    `json:"certificate_fingerprint,omitempty" yaml:"certificate_fingerprint,omitempty"`
	LastSyncAt             *time.Time `json:"last_sync_at,omitempty" yaml:"-"`
}

// NewDeviceID returns a fresh 16-byte device identifier as 32 hex chars.
func NewDeviceID() string {
	return FormatID(uuid.New())
}

// NewRecordID returns a random identifier for conflict records. Conflicts
// are resolved by id prefix, so every leading digit must carry entropy.
func NewRecordID() string {
	return FormatID(uuid.New())
}

func FormatID(id uuid.UUID) string {
	return hex.EncodeToString(id[:])
}

// NormalizeID accepts a dashed or undashed UUID and returns 32 lower hex
// chars. ok is false when s is not a 16-byte identifier.
func NormalizeID(s string) (string, bool) {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	if len(s) != 32 {
		return "", false
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", false
	}
	return s, true
}
