package handler

import (
	"net/http"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voice-sync/internal/websocket"
)

type WebSocketHandler struct {
	manager  *websocket.Manager
	upgrader ws.Upgrader
	logger   *zap.SugaredLogger
}

func NewWebSocketHandler(manager *websocket.Manager, readBufferSize, writeBufferSize int, logger *zap.SugaredLogger) *WebSocketHandler {
	return &WebSocketHandler{
		manager: manager,
		upgrader: ws.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
		},
		logger: logger,
	}
}

// HandleConnection upgrades a local observer. The optional peer_id query
// parameter limits the stream to one peer.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("upgrade observer connection", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := websocket.NewClient(uuid.NewString(), r.RemoteAddr, r.URL.Query().Get("peer_id"), conn, h.manager)
	if !h.manager.Attach(client) {
		h.logger.Debugw("observer rejected, hub stopped", "remote", r.RemoteAddr)
	}
}
