package trust

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"voice-sync/internal/domain"
)

// PeerStore is the slice of the peer registry the verifier needs.
type PeerStore interface {
	GetPeer(ctx context.Context, peerID string) (*domain.Peer, error)
	UpdateCertificateFingerprint(ctx context.Context, peerID, fingerprint string) error
}

type Status int

const (
	Trusted Status = iota
	Mismatch
	UnknownPeer
)

func (s Status) String() string {
	switch s {
	case Trusted:
		return "trusted"
	case Mismatch:
		return "mismatch"
	case UnknownPeer:
		return "unknown_peer"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Verdict is the outcome of VerifyPeer. Expected is empty on first use.
type Verdict struct {
	Status   Status
	Expected string
	Actual   string
	// FirstUse is set when the fingerprint was pinned by this call.
	FirstUse bool
}

// Err converts a non-trusted verdict into an error marked domain.ErrTrust.
func (v Verdict) Err(peerID string) error {
	switch v.Status {
	case Trusted:
		return nil
	case Mismatch:
		return domain.TrustError(&MismatchError{PeerID: peerID, Expected: v.Expected, Actual: v.Actual})
	default:
		return domain.TrustError(errors.Newf("peer %s is not registered", peerID))
	}
}

// MismatchError reports a presented certificate that differs from the pin.
type MismatchError struct {
	PeerID   string
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	if e.PeerID == "" {
		return fmt.Sprintf("certificate fingerprint mismatch: expected %s, got %s", e.Expected, e.Actual)
	}
	return fmt.Sprintf("certificate fingerprint mismatch for peer %s: expected %s, got %s", e.PeerID, e.Expected, e.Actual)
}

type Verifier struct {
	peers  PeerStore
	logger *zap.SugaredLogger
}

func NewVerifier(peers PeerStore, logger *zap.SugaredLogger) *Verifier {
	return &Verifier{peers: peers, logger: logger}
}

// VerifyPeer checks the DER certificate a peer presented against its pinned
// fingerprint, pinning it when none is stored yet.
func (v *Verifier) VerifyPeer(ctx context.Context, peerID string, certDER []byte) (Verdict, error) {
	actual := FingerprintOf(certDER)

	peer, err := v.peers.GetPeer(ctx, peerID)
	if errors.Is(err, domain.ErrNotFound) {
		v.logger.Warnw("certificate presented by unregistered peer", "peer_id", peerID, "fingerprint", actual)
		return Verdict{Status: UnknownPeer, Actual: actual}, nil
	}
	if err != nil {
		return Verdict{}, errors.Wrapf(err, "look up peer %s", peerID)
	}

	if peer.CertificateFingerprint == nil || *peer.CertificateFingerprint == "" {
		if err := v.peers.UpdateCertificateFingerprint(ctx, peerID, actual); err != nil {
			return Verdict{}, errors.Wrapf(err, "pin certificate for peer %s", peerID)
		}
		v.logger.Infow("pinned certificate on first use", "peer_id", peerID, "fingerprint", actual)
		return Verdict{Status: Trusted, Actual: actual, FirstUse: true}, nil
	}

	expected := *peer.CertificateFingerprint
	if FingerprintsEqual(expected, actual) {
		return Verdict{Status: Trusted, Expected: expected, Actual: actual}, nil
	}

	v.logger.Warnw("certificate fingerprint mismatch",
		"peer_id", peerID,
		"expected", expected,
		"actual", actual,
	)
	return Verdict{Status: Mismatch, Expected: expected, Actual: actual}, nil
}

// ExplicitlyTrust replaces a peer's pinned fingerprint after an operator has
// confirmed a certificate rotation.
func (v *Verifier) ExplicitlyTrust(ctx context.Context, peerID, fingerprint string) error {
	if !ValidFingerprint(fingerprint) {
		return errors.WithHint(
			errors.Newf("invalid fingerprint %q", fingerprint),
			"expected SHA256:xx:xx:... with 32 hex pairs",
		)
	}
	if _, err := v.peers.GetPeer(ctx, peerID); err != nil {
		return errors.Wrapf(err, "look up peer %s", peerID)
	}
	if err := v.peers.UpdateCertificateFingerprint(ctx, peerID, fingerprint); err != nil {
		return errors.Wrapf(err, "trust certificate for peer %s", peerID)
	}
	v.logger.Infow("certificate explicitly trusted", "peer_id", peerID, "fingerprint", fingerprint)
	return nil
}
