package images

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/armorylog/armorylog/internal/kvstore"
	"github.com/armorylog/armorylog/internal/metrics"
	"github.com/armorylog/armorylog/internal/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PathsKeyPrefix is the key namespace of per-entity image path lists.
const PathsKeyPrefix = "image_paths_"

const (
	defaultExt = "jpg"
	fileScheme = "file://"
	tempPrefix = ".tmp_"
)

// StorageProvider hands out the active key-value backend. *kvstore.Factory
// satisfies it.
type StorageProvider interface {
	Storage() (kvstore.Backend, error)
	// UsingFallback reports whether Storage is served by a fallback engine.
	UsingFallback() bool
}

var (
	// ErrIndexUnavailable is returned by CleanupOrphaned when the backend is
	// a fallback engine that never held the configured path lists.
	ErrIndexUnavailable = errors.New("image index unavailable on fallback storage")

	// ErrIndexUnreadable is returned by CleanupOrphaned when a listed path
	// list cannot be read or decoded.
	ErrIndexUnreadable = errors.New("image path list unreadable")
)

// SweepReport summarizes one orphan collection pass.
type SweepReport struct {
	Scanned int `json:"scanned"`
	Live    int `json:"live"`
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}

// Manager stores image files for records and tracks which files each record
// owns. A file is live while its path appears in some record's path list;
// anything else in the images directory is an orphan.
type Manager struct {
	dir     string
	fs      storage.Filesystem
	store   StorageProvider
	metrics metrics.Manager
	logger  *logrus.Logger
	now     func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMetrics records image operations and sweeps.
func WithMetrics(m metrics.Manager) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(mgr *Manager) {
		mgr.logger = logger
	}
}

// WithClock overrides the time source used in generated file names.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) {
		mgr.now = now
	}
}

// NewManager creates a Manager keeping files in dir.
func NewManager(dir string, fs storage.Filesystem, store StorageProvider, opts ...Option) *Manager {
	m := &Manager{
		dir:     filepath.Clean(dir),
		fs:      fs,
		store:   store,
		metrics: metrics.NewManager(false),
		logger:  logrus.New(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the images directory.
func (m *Manager) Dir() string {
	return m.dir
}

// PathsKey returns the key holding the path list of one record.
func PathsKey(entityType, entityID string) string {
	return PathsKeyPrefix + entityType + "_" + entityID
}

// SaveImage copies the image at sourceURI into the images directory under a
// fresh name and returns the new absolute path. sourceURI is a path or a
// file:// URI.
func (m *Manager) SaveImage(ctx context.Context, sourceURI, entityType, entityID string) (string, error) {
	source := strings.TrimPrefix(sourceURI, fileScheme)

	if err := m.fs.MkdirAll(ctx, m.dir); err != nil {
		m.logger.WithError(err).WithField("dir", m.dir).Error("Failed to create images directory")
		m.metrics.RecordImageOperation("save", false)
		return "", fmt.Errorf("failed to create images directory: %w", err)
	}

	dest := filepath.Join(m.dir, m.fileName(source, entityType, entityID))
	size, err := m.fs.Copy(ctx, source, dest)
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"source":      source,
			"entity_type": entityType,
			"entity_id":   entityID,
		}).Error("Failed to save image")
		m.metrics.RecordImageOperation("save", false)
		return "", fmt.Errorf("failed to save image: %w", err)
	}

	m.metrics.RecordImageOperation("save", true)
	m.logger.WithFields(logrus.Fields{
		"path":        dest,
		"entity_type": entityType,
		"entity_id":   entityID,
		"size":        size,
	}).Debug("Image saved")
	return dest, nil
}

// fileName builds <type>_<id>_<unixMillis>_<random8>.<ext>.
func (m *Manager) fileName(source, entityType, entityID string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(source), "."))
	if ext == "" || strings.ContainsAny(ext, `/\`) {
		ext = defaultExt
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%d_%s.%s", entityType, entityID, m.now().UnixMilli(), suffix, ext)
}

// StorePaths replaces the path list of one record.
func (m *Manager) StorePaths(ctx context.Context, entityType, entityID string, paths []string) error {
	backend, err := m.store.Storage()
	if err != nil {
		return fmt.Errorf("failed to get storage: %w", err)
	}

	if paths == nil {
		paths = []string{}
	}
	data, err := json.Marshal(paths)
	if err != nil {
		return fmt.Errorf("failed to encode image paths: %w", err)
	}

	key := PathsKey(entityType, entityID)
	if err := backend.SetItem(ctx, key, string(data)); err != nil {
		m.logger.WithError(err).WithField("key", key).Error("Failed to store image paths")
		m.metrics.RecordImageOperation("store_paths", false)
		return err
	}
	m.metrics.RecordImageOperation("store_paths", true)
	return nil
}

// GetPaths returns the path list of one record. A missing or unreadable list
// yields an empty slice.
func (m *Manager) GetPaths(ctx context.Context, entityType, entityID string) []string {
	backend, err := m.store.Storage()
	if err != nil {
		m.logger.WithError(err).Warn("Storage unavailable, returning no image paths")
		return []string{}
	}
	return m.readPaths(ctx, backend, PathsKey(entityType, entityID))
}

func (m *Manager) readPaths(ctx context.Context, backend kvstore.Backend, key string) []string {
	raw, ok := backend.GetItem(ctx, key)
	if !ok {
		return []string{}
	}
	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		m.logger.WithError(err).WithField("key", key).Warn("Failed to decode image paths")
		return []string{}
	}
	if paths == nil {
		return []string{}
	}
	return paths
}

// DeleteImages removes every file owned by one record and then its path
// list. Failing file deletions are logged and skipped; the list is removed
// regardless.
func (m *Manager) DeleteImages(ctx context.Context, entityType, entityID string) error {
	backend, err := m.store.Storage()
	if err != nil {
		return fmt.Errorf("failed to get storage: %w", err)
	}

	key := PathsKey(entityType, entityID)
	for _, path := range m.readPaths(ctx, backend, key) {
		if err := m.fs.Remove(ctx, path); err != nil {
			m.logger.WithError(err).WithField("path", path).Warn("Failed to delete image file")
			m.metrics.RecordImageOperation("delete_file", false)
			continue
		}
		m.metrics.RecordImageOperation("delete_file", true)
	}

	if err := backend.RemoveItem(ctx, key); err != nil {
		m.logger.WithError(err).WithField("key", key).Error("Failed to remove image path list")
		return err
	}
	return nil
}

// CleanupOrphaned deletes every file in the images directory that no path
// list references. It reads only the path-list index, so records must have
// gone through DeleteImages before their keys are dropped; otherwise their
// files are collected here. Nothing is deleted when the index cannot be
// trusted: on fallback storage, or when any path list fails to read.
func (m *Manager) CleanupOrphaned(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	report := SweepReport{}

	backend, err := m.store.Storage()
	if err != nil {
		return report, fmt.Errorf("failed to get storage: %w", err)
	}

	if m.store.UsingFallback() {
		m.logger.WithField("engine", backend.Kind()).Error("Refusing to collect orphaned images on fallback storage")
		return report, ErrIndexUnavailable
	}

	live, err := m.markLive(ctx, backend)
	if err != nil {
		m.logger.WithError(err).Error("Refusing to collect orphaned images")
		return report, err
	}

	exists, err := m.fs.Exists(ctx, m.dir)
	if err != nil {
		return report, err
	}
	if !exists {
		return report, nil
	}

	names, err := m.fs.ReadDir(ctx, m.dir)
	if err != nil {
		return report, err
	}

	// Sweep
	for _, name := range names {
		if strings.HasPrefix(name, tempPrefix) {
			continue
		}
		path := filepath.Join(m.dir, name)
		info, err := m.fs.Stat(ctx, path)
		if err != nil || !info.Exists || info.IsDir {
			continue
		}

		report.Scanned++
		if _, ok := live[path]; ok {
			report.Live++
			continue
		}

		if err := m.fs.Remove(ctx, path); err != nil {
			report.Failed++
			m.logger.WithError(err).WithField("path", path).Warn("Failed to delete orphaned image")
			continue
		}
		report.Removed++
		m.logger.WithField("path", path).Debug("Deleted orphaned image")
	}

	m.metrics.RecordSweep(report.Scanned, report.Removed, report.Failed, time.Since(start))
	m.logger.WithFields(logrus.Fields{
		"scanned": report.Scanned,
		"live":    report.Live,
		"removed": report.Removed,
		"failed":  report.Failed,
	}).Info("Orphaned image cleanup finished")
	return report, nil
}

// markLive collects every path referenced by a path list. Unlike GetPaths
// it fails on a list it cannot read, since a missing list would turn its
// files into orphans.
func (m *Manager) markLive(ctx context.Context, backend kvstore.Backend) (map[string]struct{}, error) {
	live := make(map[string]struct{})
	for _, key := range backend.GetAllKeys(ctx) {
		if !strings.HasPrefix(key, PathsKeyPrefix) {
			continue
		}
		raw, ok := backend.GetItem(ctx, key)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrIndexUnreadable, key)
		}
		var paths []string
		if err := json.Unmarshal([]byte(raw), &paths); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrIndexUnreadable, key, err)
		}
		for _, path := range paths {
			live[filepath.Clean(path)] = struct{}{}
		}
	}
	return live, nil
}

// StorageSize returns the total size in bytes of the files in the images
// directory. Files that cannot be stated are left out.
func (m *Manager) StorageSize(ctx context.Context) int64 {
	names, err := m.fs.ReadDir(ctx, m.dir)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.WithError(err).WithField("dir", m.dir).Warn("Failed to list images directory")
		}
		return 0
	}

	var total int64
	for _, name := range names {
		info, err := m.fs.Stat(ctx, filepath.Join(m.dir, name))
		if err != nil || !info.Exists || info.IsDir {
			continue
		}
		total += info.Size
	}

	m.metrics.UpdateImageStorage(total)
	return total
}
