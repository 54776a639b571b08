package domain

import (
	"github.com/cockroachdb/errors"

	"voice-sync/internal/merge"
)

// Error taxonomy. Concrete errors are marked with one of these so callers
// can branch with errors.Is while keeping the original message and stack.
var (
	// ErrTransport: unreachable peer, timeout, TLS failure. Retryable later.
	ErrTransport = errors.New("transport error")
	// ErrTrust: fingerprint mismatch or unknown peer. Fatal to the session.
	ErrTrust = errors.New("trust error")
	// ErrProtocol: malformed request/response or missing field.
	ErrProtocol = errors.New("protocol error")

	ErrNotFound         = errors.New("not found")
	ErrInvalidChoice    = errors.New("invalid resolution choice")
	ErrAmbiguousPrefix  = errors.New("ambiguous conflict id prefix")
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrCannotAutoMerge  = merge.ErrCannotAutoMerge
	ErrIncompatibleWire = errors.New("incompatible protocol version")
)

func TransportError(err error, op string) error {
	return errors.Mark(errors.Wrapf(err, "%s", op), ErrTransport)
}

func ProtocolError(err error, op string) error {
	return errors.Mark(errors.Wrapf(err, "%s", op), ErrProtocol)
}

func TrustError(err error) error {
	return errors.Mark(err, ErrTrust)
}

// Classify names the taxonomy bucket of err for reporting.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTrust):
		return "trust"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrIncompatibleWire):
		return "protocol"
	case errors.Is(err, ErrSyncInProgress):
		return "busy"
	default:
		return "internal"
	}
}
