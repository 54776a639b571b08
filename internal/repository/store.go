package repository

import (
	"context"
	"time"

	"voice-sync/internal/domain"
)

// Store is the local dataset as seen by the sync core. Conflict detection
// happens inside ApplyChange; every call is one atomic unit.
type Store interface {
	GetChangesSince(ctx context.Context, since *time.Time, limit int) ([]*domain.Change, *time.Time, error)
	ApplyChange(ctx context.Context, change *domain.Change, origin domain.Device) (domain.ApplyOutcome, error)
	GetFullDataset(ctx context.Context) (*domain.FullDataset, error)

	ListConflicts(ctx context.Context, kind domain.ConflictKind, includeResolved bool) ([]domain.Conflict, error)
	FindConflictsByPrefix(ctx context.Context, kind domain.ConflictKind, prefix string) ([]domain.Conflict, error)
	ResolveConflict(ctx context.Context, res *domain.Resolution) error
	CountUnresolved(ctx context.Context) (domain.ConflictCounts, error)

	GetPeerLastSync(ctx context.Context, peerID string) (*time.Time, error)
	SetPeerLastSync(ctx context.Context, peerID, peerName string, ts time.Time) error
}

// EntityStore is the local editing surface: the store's own writes, which
// never touch the agreed base text of a note.
type EntityStore interface {
	GetNote(ctx context.Context, id string) (*domain.Note, error)
	SaveNote(ctx context.Context, note *domain.Note) error
	GetTag(ctx context.Context, id string) (*domain.Tag, error)
	SaveTag(ctx context.Context, tag *domain.Tag) error
	GetNoteTag(ctx context.Context, noteID, tagID string) (*domain.NoteTag, error)
	SaveNoteTag(ctx context.Context, nt *domain.NoteTag) error
	GetAudioFile(ctx context.Context, id string) (*domain.AudioFile, error)
	SaveAudioFile(ctx context.Context, a *domain.AudioFile) error
	SaveNoteAttachment(ctx context.Context, na *domain.NoteAttachment) error
}

// PeerRegistry holds the devices this device pairs with.
type PeerRegistry interface {
	GetPeer(ctx context.Context, peerID string) (*domain.Peer, error)
	ListPeers(ctx context.Context) ([]*domain.Peer, error)
	AddPeer(ctx context.Context, peer *domain.Peer) error
	RemovePeer(ctx context.Context, peerID string) error
	UpdateCertificateFingerprint(ctx context.Context, peerID, fingerprint string) error
}
