package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"voice-sync/internal/middleware"
	"voice-sync/pkg/response"
)

type RouterConfig struct {
	Sync   *SyncHandler
	Events *WebSocketHandler
	// Sessions validates bearer tokens; RequireSession rejects data
	// requests without one.
	Sessions       middleware.SessionValidator
	RequireSession bool
	// Verifier is optional; when set, client certificates of registered
	// callers are checked against their pins.
	Verifier    middleware.PeerVerifier
	RateLimiter *middleware.RateLimiter
	Logger      *zap.SugaredLogger
}

func NewRouter(cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(cfg.Logger))
	if cfg.RateLimiter != nil {
		r.Use(middleware.RateLimitMiddleware(cfg.RateLimiter))
	}
	if cfg.Verifier != nil {
		r.Use(middleware.PeerCertMiddleware(cfg.Verifier, cfg.Logger))
	}

	r.HandleFunc("/health", healthHandler).Methods("GET")

	s := r.PathPrefix("/sync").Subrouter()
	s.HandleFunc("/handshake", cfg.Sync.Handshake).Methods("POST")
	s.HandleFunc("/status", cfg.Sync.Status).Methods("GET")

	if cfg.Events != nil {
		s.Handle("/events", middleware.LoopbackOnly(http.HandlerFunc(cfg.Events.HandleConnection))).Methods("GET")
	}

	protected := s.PathPrefix("").Subrouter()
	protected.Use(middleware.SessionMiddleware(cfg.Sessions, cfg.RequireSession))
	protected.HandleFunc("/changes", cfg.Sync.GetChanges).Methods("GET")
	protected.HandleFunc("/apply", cfg.Sync.Apply).Methods("POST")
	protected.HandleFunc("/full", cfg.Sync.Full).Methods("GET")
	protected.HandleFunc("/audio/{id}/file", cfg.Sync.DownloadAudio).Methods("GET")
	protected.HandleFunc("/audio/{id}/file", cfg.Sync.UploadAudio).Methods("PUT")

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]string{"status": "healthy", "service": "voice-sync"})
}
