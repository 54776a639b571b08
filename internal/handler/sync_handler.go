package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"voice-sync/internal/domain"
	"voice-sync/internal/middleware"
	"voice-sync/internal/service"
	"voice-sync/pkg/response"
)

// DefaultMaxBlobBytes caps an uploaded audio file.
const DefaultMaxBlobBytes = 512 << 20

type SyncHandler struct {
	syncService  *service.SyncService
	validate     *validator.Validate
	maxBlobBytes int64
	logger       *zap.SugaredLogger
}

func NewSyncHandler(syncService *service.SyncService, maxBlobBytes int64, logger *zap.SugaredLogger) *SyncHandler {
	if maxBlobBytes <= 0 {
		maxBlobBytes = DefaultMaxBlobBytes
	}
	return &SyncHandler{
		syncService:  syncService,
		validate:     validator.New(),
		maxBlobBytes: maxBlobBytes,
		logger:       logger,
	}
}

func (h *SyncHandler) Handshake(w http.ResponseWriter, r *http.Request) {
	var req domain.HandshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	res, err := h.syncService.Handshake(r.Context(), &req)
	if err != nil {
		writeError(w, h.logger, "handshake", err)
		return
	}

	response.Success(w, res)
}

func (h *SyncHandler) GetChanges(w http.ResponseWriter, r *http.Request) {
	var since *time.Time
	if sinceParam := r.URL.Query().Get("since"); sinceParam != "" {
		t, err := time.Parse(time.RFC3339Nano, sinceParam)
		if err != nil {
			response.BadRequest(w, "invalid since parameter")
			return
		}
		t = t.UTC()
		since = &t
	}

	limit := 0
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n < 0 {
			response.BadRequest(w, "invalid limit parameter")
			return
		}
		limit = n
	}

	batch, err := h.syncService.GetChanges(r.Context(), since, limit)
	if err != nil {
		writeError(w, h.logger, "get_changes", err)
		return
	}

	response.Success(w, batch)
}

// Apply answers 200 when every change landed, 207 on partial success and
// 422 when none did.
func (h *SyncHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var req domain.ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	if caller := middleware.GetDeviceID(r); caller != "" && caller != req.DeviceID {
		response.Forbidden(w, "device_id does not match the session")
		return
	}

	res, err := h.syncService.ApplyChanges(r.Context(), &req)
	if err != nil {
		writeError(w, h.logger, "apply_changes", err)
		return
	}

	switch res.Status() {
	case domain.ApplyStatusOK:
		response.Success(w, res)
	case domain.ApplyStatusPartial:
		response.MultiStatus(w, res)
	default:
		response.Unprocessable(w, res, "no changes could be applied")
	}
}

func (h *SyncHandler) Full(w http.ResponseWriter, r *http.Request) {
	res, err := h.syncService.Full(r.Context())
	if err != nil {
		writeError(w, h.logger, "get_full", err)
		return
	}

	response.Success(w, res)
}

func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	response.Success(w, h.syncService.Status())
}

func (h *SyncHandler) DownloadAudio(w http.ResponseWriter, r *http.Request) {
	audioID := mux.Vars(r)["id"]

	data, err := h.syncService.ReadAudio(r.Context(), audioID)
	if err != nil {
		writeError(w, h.logger, "download_audio", err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *SyncHandler) UploadAudio(w http.ResponseWriter, r *http.Request) {
	audioID := mux.Vars(r)["id"]

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBlobBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(w, http.StatusRequestEntityTooLarge, "audio file too large")
			return
		}
		response.BadRequest(w, "could not read request body")
		return
	}

	if err := h.syncService.WriteAudio(r.Context(), audioID, data); err != nil {
		writeError(w, h.logger, "upload_audio", err)
		return
	}

	response.Success(w, map[string]interface{}{
		"audio_id": audioID,
		"bytes":    len(data),
	})
}
