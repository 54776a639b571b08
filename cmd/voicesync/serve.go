package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"voice-sync/internal/handler"
	"voice-sync/internal/middleware"
	"voice-sync/internal/service"
	"voice-sync/internal/trust"
	"voice-sync/internal/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept sync sessions from paired devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var events service.EventPublisher
		var wsHandler *handler.WebSocketHandler
		if cfg.WebSocket.Enabled {
			hub := websocket.NewManager(
				cfg.WebSocket.MaxObservers,
				cfg.WebSocket.WriteWait,
				cfg.WebSocket.PongWait,
				cfg.WebSocket.PingPeriod,
				logger,
			)
			go hub.Run(ctx)
			events = hub
			wsHandler = handler.NewWebSocketHandler(hub, cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize, logger)
		}

		syncService := service.NewSyncService(a.store, a.store, a.blobs, a.identity, a.device, cfg.Sync.SessionTTL, events, logger)

		routerCfg := handler.RouterConfig{
			Sync:           handler.NewSyncHandler(syncService, cfg.Sync.MaxBlobBytes, logger),
			Events:         wsHandler,
			Sessions:       syncService,
			RequireSession: cfg.Sync.RequireSession,
			Verifier:       a.verifier,
			Logger:         logger,
		}
		if cfg.RateLimit.Enabled {
			routerCfg.RateLimiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute)
		}

		addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
		srv := &http.Server{
			Addr:         addr,
			Handler:      handler.NewRouter(routerCfg),
			TLSConfig:    trust.ServerTLSConfig(a.identity),
			ReadTimeout:  cfg.Sync.BlobTimeout,
			WriteTimeout: cfg.Sync.BlobTimeout,
			IdleTimeout:  60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Infow("serving sync sessions",
				"addr", addr,
				"env", cfg.Server.Env,
				"device_id", a.device.ID,
				"device_name", a.device.Name,
				"fingerprint", a.identity.Fingerprint,
			)
			if err := srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return errors.Wrap(err, "server failed to start")
			}
		case <-ctx.Done():
		}

		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "server forced to shutdown")
		}
		logger.Info("server stopped gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
