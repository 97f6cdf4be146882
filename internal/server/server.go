package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/armorylog/armorylog/internal/config"
	"github.com/armorylog/armorylog/internal/images"
	"github.com/armorylog/armorylog/internal/kvstore"
	"github.com/armorylog/armorylog/internal/maintenance"
	"github.com/armorylog/armorylog/internal/metrics"
	"github.com/armorylog/armorylog/internal/records"
	"github.com/armorylog/armorylog/internal/storage"
	"github.com/armorylog/armorylog/internal/transfer"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Server is the process runtime: it owns the storage context and every
// component built on it. CLI commands construct one and use its parts.
type Server struct {
	config            *config.Config
	logger            *logrus.Logger
	metricsManager    metrics.Manager
	factory           *kvstore.Factory
	fs                *storage.AferoFilesystem
	imageManager      *images.Manager
	repository        *records.Repository
	codec             *transfer.Codec
	maintenanceWorker *maintenance.Worker
	httpServer        *http.Server
	startTime         time.Time
}

// Option customizes a Server.
type Option func(*serverOptions)

type serverOptions struct {
	fs     afero.Fs
	logger *logrus.Logger
	chains []kvstore.FactoryOption
}

// WithFs replaces the filesystem images and exports go through.
func WithFs(fs afero.Fs) Option {
	return func(o *serverOptions) { o.fs = fs }
}

// WithLogger sets the logger passed to every component.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *serverOptions) { o.logger = logger }
}

// WithFactoryOptions forwards options to the storage factory.
func WithFactoryOptions(opts ...kvstore.FactoryOption) Option {
	return func(o *serverOptions) { o.chains = append(o.chains, opts...) }
}

// New creates the runtime for cfg. Storage is configured but not opened;
// the first component that needs it opens it.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	o := serverOptions{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	// Initialize metrics manager
	metricsManager := metrics.NewManager(cfg.Metrics.Listen != "")

	// Initialize storage factory
	factoryOpts := append([]kvstore.FactoryOption{kvstore.WithMetrics(metricsManager)}, o.chains...)
	factory := kvstore.NewFactory(cfg.DataDir, o.logger, factoryOpts...)
	factory.Configure(cfg.Storage)

	fs := storage.NewFilesystem(o.fs)

	imageManager := images.NewManager(cfg.Images.Dir, fs, factory,
		images.WithLogger(o.logger),
		images.WithMetrics(metricsManager),
	)
	repository := records.NewRepository(factory, imageManager, o.logger)
	codec := transfer.NewCodec(repository, o.logger)
	maintenanceWorker := maintenance.NewWorker(imageManager, metricsManager, cfg.DataDir)

	server := &Server{
		config:            cfg,
		logger:            o.logger,
		metricsManager:    metricsManager,
		factory:           factory,
		fs:                fs,
		imageManager:      imageManager,
		repository:        repository,
		codec:             codec,
		maintenanceWorker: maintenanceWorker,
		startTime:         time.Now(),
	}

	if cfg.Metrics.Listen != "" {
		server.httpServer = &http.Server{
			Addr:         cfg.Metrics.Listen,
			Handler:      server.Router(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	return server, nil
}

// Factory returns the storage factory.
func (s *Server) Factory() *kvstore.Factory { return s.factory }

// Filesystem returns the filesystem provider.
func (s *Server) Filesystem() storage.Filesystem { return s.fs }

// Images returns the image manager.
func (s *Server) Images() *images.Manager { return s.imageManager }

// Records returns the record repository.
func (s *Server) Records() *records.Repository { return s.repository }

// Codec returns the export/import codec.
func (s *Server) Codec() *transfer.Codec { return s.codec }

// Metrics returns the metrics manager.
func (s *Server) Metrics() metrics.Manager { return s.metricsManager }

// Export writes the whole dataset into dir and returns the file path.
func (s *Server) Export(ctx context.Context, dir string) (string, error) {
	ds, err := s.repository.Dataset(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load dataset: %w", err)
	}
	path, err := transfer.WriteFile(ctx, s.fs, dir, s.codec.Export(ds))
	if err != nil {
		return "", fmt.Errorf("failed to write export: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"path":         path,
		"firearms":     len(ds.Firearms),
		"ammunition":   len(ds.Ammunition),
		"range_visits": len(ds.RangeVisits),
	}).Info("Export written")
	return path, nil
}

// Import reads an export file and upserts its records.
func (s *Server) Import(ctx context.Context, path string) error {
	raw, err := transfer.ReadFile(ctx, s.fs, path)
	if err != nil {
		return err
	}
	return s.codec.Import(ctx, raw)
}

// Stats summarizes storage usage.
type Stats struct {
	Backend     string              `json:"backend"`
	Engine      string              `json:"engine"`
	InstanceID  string              `json:"instance_id"`
	Keys        int                 `json:"keys"`
	ImagePaths  int                 `json:"image_path_lists"`
	ImageBytes  int64               `json:"image_bytes"`
	ImagesDir   string              `json:"images_dir"`
	Disk        *metrics.DiskStats  `json:"disk,omitempty"`
	LastSweep   *images.SweepReport `json:"last_sweep,omitempty"`
	LastSweepAt *time.Time          `json:"last_sweep_at,omitempty"`
	Uptime      string              `json:"uptime"`
	Collections map[string]int      `json:"collections"`
}

// Stats gathers current usage figures.
func (s *Server) Stats(ctx context.Context) (*Stats, error) {
	backend, err := s.factory.Storage()
	if err != nil {
		return nil, err
	}

	keys := backend.GetAllKeys(ctx)
	stats := &Stats{
		Backend:     string(s.config.Storage.Backend),
		Engine:      backend.Kind(),
		InstanceID:  s.config.Storage.InstanceID,
		Keys:        len(keys),
		ImageBytes:  s.imageManager.StorageSize(ctx),
		ImagesDir:   s.imageManager.Dir(),
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Collections: map[string]int{},
	}
	for _, name := range []string{transfer.Firearms, transfer.Ammunition, transfer.RangeVisits} {
		recs, err := s.repository.List(ctx, name)
		if err != nil {
			return nil, err
		}
		stats.Collections[name] = len(recs)
	}
	for _, key := range keys {
		if strings.HasPrefix(key, images.PathsKeyPrefix) {
			stats.ImagePaths++
		}
	}

	if disk, err := s.metricsManager.UpdateDiskUsage(s.config.DataDir); err == nil {
		stats.Disk = disk
	} else {
		s.logger.WithError(err).Debug("Disk usage unavailable")
	}

	if last := s.maintenanceWorker.Last(); !last.At.IsZero() {
		sweep := last.Sweep
		at := last.At
		stats.LastSweep = &sweep
		stats.LastSweepAt = &at
	}
	return stats, nil
}

// Router builds the HTTP routes of the maintenance endpoint.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", s.metricsManager.GetMetricsHandler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/maintenance", s.handleRunMaintenance).Methods(http.MethodPost)

	logged := handlers.LoggingHandler(s.logger.WriterLevel(logrus.DebugLevel), router)
	return handlers.RecoveryHandler()(logged)
}

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: message})
	s.logger.WithField("error", message).WithField("status", statusCode).Warn("API error")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	backend, err := s.factory.Storage()
	if err != nil {
		s.writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, map[string]string{
		"status": "ok",
		"engine": backend.Kind(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Stats(r.Context())
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, stats)
}

func (s *Server) handleRunMaintenance(w http.ResponseWriter, r *http.Request) {
	result := s.maintenanceWorker.RunOnce(r.Context())
	switch {
	case errors.Is(result.Err, maintenance.ErrPassRunning):
		s.writeError(w, result.Err.Error(), http.StatusConflict)
		return
	case errors.Is(result.Err, images.ErrIndexUnavailable):
		s.writeError(w, result.Err.Error(), http.StatusServiceUnavailable)
		return
	case result.Err != nil:
		s.writeError(w, result.Err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, result.Sweep)
}

// RunMaintenance performs one maintenance pass.
func (s *Server) RunMaintenance(ctx context.Context) maintenance.Result {
	return s.maintenanceWorker.RunOnce(ctx)
}

// Start runs the maintenance worker, and the HTTP endpoint when configured,
// until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"data_dir":        s.config.DataDir,
		"backend":         s.config.Storage.Backend,
		"interval":        s.config.Maintenance.Interval,
		"metrics_address": s.config.Metrics.Listen,
	}).Info("Starting armorylog maintenance")

	// Open storage up front so a broken setup fails fast
	if _, err := s.factory.Storage(); err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	s.maintenanceWorker.Start(ctx, s.config.Maintenance.Interval)

	if s.httpServer != nil {
		go func() {
			logrus.WithField("address", s.config.Metrics.Listen).Info("Starting metrics server")
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.WithError(err).Error("Metrics server error")
			}
		}()
	}

	// Wait for context cancellation
	<-ctx.Done()

	// Graceful shutdown
	return s.shutdown()
}

func (s *Server) shutdown() error {
	logrus.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			logrus.WithError(err).Error("Failed to shutdown metrics server")
		}
	}

	s.maintenanceWorker.Stop()

	return s.Close()
}

// Close releases the storage backend.
func (s *Server) Close() error {
	if err := s.factory.Close(); err != nil {
		logrus.WithError(err).Error("Failed to close storage backend")
		return err
	}
	return nil
}
