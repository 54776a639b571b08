package middleware

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"voice-sync/internal/trust"
	"voice-sync/pkg/response"
)

type PeerVerifier interface {
	VerifyPeer(ctx context.Context, peerID string, certDER []byte) (trust.Verdict, error)
}

// PeerCertMiddleware checks the client certificate of a registered caller
// against its pinned fingerprint. Callers that present no certificate or
// are not registered pass through.
func PeerCertMiddleware(verifier PeerVerifier, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID := r.Header.Get(DeviceIDHeader)
			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 || deviceID == "" {
				next.ServeHTTP(w, r)
				return
			}

			verdict, err := verifier.VerifyPeer(r.Context(), deviceID, r.TLS.PeerCertificates[0].Raw)
			if err != nil {
				logger.Errorw("verify client certificate", "peer_id", deviceID, "error", err)
				response.InternalError(w, "could not verify client certificate")
				return
			}
			if verdict.Status == trust.Mismatch {
				response.ErrorWithHint(w, http.StatusForbidden, verdict.Err(deviceID).Error(),
					"if the peer rotated its certificate, run: voicesync peers trust "+deviceID+" <fingerprint>")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
