package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dropcode/dropcode/internal/config"
	"github.com/dropcode/dropcode/internal/metrics"
	"github.com/dropcode/dropcode/internal/middleware"
	"github.com/dropcode/dropcode/internal/reaper"
	"github.com/dropcode/dropcode/internal/share"
	"github.com/dropcode/dropcode/internal/storage"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server represents the dropcode server
type Server struct {
	config         *config.Config
	httpServer     *http.Server
	storageBackend storage.Backend
	shareManager   share.Manager
	reaperWorker   *reaper.Worker
	metricsManager *metrics.Manager
	startTime      time.Time
}

// New creates a new dropcode server
func New(cfg *config.Config) (*Server, error) {
	// Initialize storage backend
	storageBackend, err := storage.NewBackend(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}

	// Initialize share manager with SQLite record store
	shareManager, err := share.NewManagerWithDB(cfg.DataDir, storageBackend, share.Options{
		TTL:         cfg.Share.TTL,
		CodeLength:  cfg.Share.CodeLength,
		CodeRetries: cfg.Share.CodeRetries,
		MaxFileSize: cfg.Share.MaxFileSize,
		PublicURL:   cfg.PublicURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create share manager: %w", err)
	}

	// Initialize metrics
	metricsManager := metrics.NewManager()
	metricsManager.RegisterActiveShares(func() float64 {
		n, err := shareManager.Store().CountActive(context.Background(), time.Now().UTC())
		if err != nil {
			logrus.WithError(err).Warn("Failed to count active shares")
			return 0
		}
		return float64(n)
	})

	// Initialize reaper
	reaperWorker := reaper.NewWorker(shareManager.Store(), storageBackend)
	reaperWorker.SetMetrics(metricsManager)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	server := &Server{
		config:         cfg,
		httpServer:     httpServer,
		storageBackend: storageBackend,
		shareManager:   shareManager,
		reaperWorker:   reaperWorker,
		metricsManager: metricsManager,
		startTime:      time.Now(),
	}

	server.setupRoutes()

	return server, nil
}

// Start starts the dropcode server and blocks until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"address":  s.config.Listen,
		"data_dir": s.config.DataDir,
		"ttl":      s.config.Share.TTL,
	}).Info("Starting dropcode server")

	// Start the reaper sweep
	s.reaperWorker.Start(ctx, s.config.Reaper.Interval)

	go func() {
		if err := s.listenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("HTTP server error")
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	return s.shutdown()
}

func (s *Server) listenAndServe() error {
	logrus.WithField("address", s.config.Listen).Info("Starting HTTP server")

	if s.config.EnableTLS {
		return s.httpServer.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) shutdown() error {
	logrus.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Failed to shutdown HTTP server")
	}

	s.reaperWorker.Stop()

	if err := s.shareManager.Close(); err != nil {
		logrus.WithError(err).Error("Failed to close share manager")
	}

	if err := s.storageBackend.Close(); err != nil {
		logrus.WithError(err).Error("Failed to close storage backend")
	}

	return nil
}

func (s *Server) setupRoutes() {
	router := mux.NewRouter()

	router.Use(middleware.Logging())
	router.Use(middleware.CORS())
	if s.config.Metrics.Enable {
		router.Use(s.metricsManager.Middleware())
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/shares", s.handleCreateShare).Methods("POST", "OPTIONS")
	api.HandleFunc("/shares/{code}", s.handleResolve).Methods("GET", "OPTIONS")
	api.HandleFunc("/shares/{code}/download", s.handleDownload).Methods("POST", "OPTIONS")
	api.HandleFunc("/shares/{code}/qr", s.handleQRCode).Methods("GET", "OPTIONS")
	api.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")

	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	if s.config.Metrics.Enable {
		router.Handle(s.config.Metrics.Path, s.metricsManager.Handler()).Methods("GET")
	}

	s.httpServer.Handler = handlers.RecoveryHandler()(router)
}
