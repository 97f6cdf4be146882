package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/armorylog/armorylog/internal/images"
	"github.com/armorylog/armorylog/internal/metrics"
	"github.com/sirupsen/logrus"
)

// ErrPassRunning is returned when a pass is requested while another one is
// still in progress.
var ErrPassRunning = errors.New("maintenance pass already running")

// ImageStore is the part of the image manager the worker drives.
type ImageStore interface {
	CleanupOrphaned(ctx context.Context) (images.SweepReport, error)
	StorageSize(ctx context.Context) int64
	Dir() string
}

// Worker periodically collects orphaned images and refreshes the size and
// disk usage gauges.
type Worker struct {
	images   ImageStore
	metrics  metrics.Manager
	dataDir  string
	ticker   *time.Ticker
	stopChan chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	running bool
	last    Result
}

// Result describes the latest maintenance pass.
type Result struct {
	At         time.Time
	Sweep      images.SweepReport
	ImageBytes int64
	Disk       *metrics.DiskStats
	Err        error
}

// NewWorker creates a new maintenance worker
func NewWorker(imgs ImageStore, m metrics.Manager, dataDir string) *Worker {
	if m == nil {
		m = metrics.NewManager(false)
	}
	return &Worker{
		images:   imgs,
		metrics:  m,
		dataDir:  dataDir,
		stopChan: make(chan struct{}),
	}
}

// Start begins the maintenance worker
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	w.ticker = time.NewTicker(interval)

	logrus.WithField("interval", interval).Info("Maintenance worker started")

	// Run immediately on start
	go w.RunOnce(ctx)

	go func() {
		for {
			select {
			case <-w.ticker.C:
				w.RunOnce(ctx)
			case <-w.stopChan:
				w.ticker.Stop()
				logrus.Info("Maintenance worker stopped")
				return
			case <-ctx.Done():
				w.ticker.Stop()
				logrus.Info("Maintenance worker stopped due to context cancellation")
				return
			}
		}
	}()
}

// Stop stops the maintenance worker
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
}

// Last returns the result of the latest completed pass.
func (w *Worker) Last() Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// RunOnce performs one maintenance pass. A pass requested while another is
// running is skipped and reports ErrPassRunning; Last is left unchanged.
func (w *Worker) RunOnce(ctx context.Context) Result {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		logrus.Debug("Maintenance pass already running, skipping")
		return Result{At: time.Now(), Err: ErrPassRunning}
	}
	w.running = true
	w.mu.Unlock()

	result := Result{At: time.Now()}
	defer func() {
		w.mu.Lock()
		w.running = false
		w.last = result
		w.mu.Unlock()
	}()

	logrus.Debug("Running storage maintenance...")

	report, err := w.images.CleanupOrphaned(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to collect orphaned images")
		result.Err = err
	}
	result.Sweep = report
	result.ImageBytes = w.images.StorageSize(ctx)

	diskPath := w.dataDir
	if diskPath == "" {
		diskPath = w.images.Dir()
	}
	disk, err := w.metrics.UpdateDiskUsage(diskPath)
	if err != nil {
		logrus.WithError(err).WithField("path", diskPath).Warn("Failed to read disk usage")
	} else {
		result.Disk = disk
	}

	logrus.WithFields(logrus.Fields{
		"removed":     report.Removed,
		"failed":      report.Failed,
		"image_bytes": result.ImageBytes,
	}).Info("Storage maintenance completed")
	return result
}
