package handler

import (
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"voice-sync/internal/domain"
	"voice-sync/pkg/response"
)

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, logger *zap.SugaredLogger, op string, err error) {
	hint := strings.Join(errors.GetAllHints(err), "; ")

	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		response.ErrorWithHint(w, http.StatusBadRequest, err.Error(), hint)
	case errors.Is(err, domain.ErrIncompatibleWire):
		response.ErrorWithHint(w, http.StatusUpgradeRequired, err.Error(), hint)
	case errors.Is(err, domain.ErrTrust):
		response.ErrorWithHint(w, http.StatusForbidden, err.Error(), hint)
	case errors.Is(err, domain.ErrNotFound):
		response.ErrorWithHint(w, http.StatusNotFound, err.Error(), hint)
	case errors.Is(err, domain.ErrProtocol):
		response.ErrorWithHint(w, http.StatusBadRequest, err.Error(), hint)
	default:
		logger.Errorw("request failed", "op", op, "error", err)
		response.InternalError(w, op+" failed")
	}
}
