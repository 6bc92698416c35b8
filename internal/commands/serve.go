package commands

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	oshttp "net/http"
	"time"

	"circle/internal/api"
	"circle/internal/auth"
	"circle/internal/config"
	"circle/internal/http"
	"circle/internal/storage"
	"circle/internal/ws"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	shutdownTimeout    = 5 * time.Second
	tokenPurgeInterval = time.Hour
)

// Server is the assembled reference server: storage, auth, the room hub and
// both HTTP listeners.
type Server struct {
	API     *http.APIServer
	Admin   *http.AdminServer
	Storage *storage.BboltStorage
	Auth    *auth.AuthService

	logger *slog.Logger
}

// NewServer opens the database and wires the server. ctx bounds the
// lifetime of background caches and open websocket connections.
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return nil, err
	}

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}, bbStorage)
	if err != nil {
		_ = bbStorage.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := ws.NewMetrics(registry)

	hub := ws.NewHub(ws.Config{Store: bbStorage, Metrics: metrics, Logger: logger})
	wsServer := ws.NewServer(ws.ServerConfig{
		Auth:        authService,
		Hub:         hub,
		Metrics:     metrics,
		Logger:      logger,
		BaseContext: ctx,
		SendRate:    rate.Limit(cfg.SendRate),
		SendBurst:   cfg.SendBurst,
	})

	return &Server{
		API:     http.NewAPIServer(api.New(authService, bbStorage, logger), wsServer, cfg.APIAddr, logger),
		Admin:   http.NewAdminServer(api.NewAdminHandler(bbStorage, authService, logger), registry, cfg.AdminAddr, logger),
		Storage: bbStorage,
		Auth:    authService,
		logger:  logger,
	}, nil
}

// Run serves until ctx is done, then shuts both listeners down.
func (s *Server) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.Admin.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := s.API.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		s.purgeTokens(gCtx)
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		s.logger.Info("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.Admin.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Admin server shutdown error", "error", err)
		}
		if err := s.API.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("API server shutdown error", "error", err)
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	return s.Storage.Close()
}

func (s *Server) purgeTokens(ctx context.Context) {
	ticker := time.NewTicker(tokenPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			purged, err := s.Storage.PurgeExpiredTokens(now)
			if err != nil {
				s.logger.Warn("token purge failed", "error", err)
				continue
			}
			if purged > 0 {
				s.logger.Info("expired tokens purged", "count", purged)
			}
		}
	}
}

// Serve runs the server described by cfg until ctx is done.
func Serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	srv, err := NewServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()
	return srv.Run(ctx)
}
