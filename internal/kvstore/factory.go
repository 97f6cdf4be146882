package kvstore

import (
	"fmt"
	"sync"

	"github.com/armorylog/armorylog/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Factory owns the active storage configuration and lazily builds the one
// Backend serving it. It is constructed once at process start and handed to
// every collaborator that persists data.
//
// Within one configuration epoch Storage always returns the same instance.
// Configure and Reset end the epoch: the cached instance is closed, which
// releases engine directory locks, and the next Storage call builds anew.
type Factory struct {
	mu       sync.Mutex
	dataDir  string
	logger   *logrus.Logger
	metrics  metrics.Manager
	chains   map[Kind][]Constructor
	config   *Config
	instance Backend
	fallback bool
}

// FactoryOption customizes a Factory.
type FactoryOption func(*Factory)

// WithChain replaces the constructors tried, in order, for kind.
func WithChain(kind Kind, constructors ...Constructor) FactoryOption {
	return func(f *Factory) {
		f.chains[kind] = constructors
	}
}

// WithMetrics records backend construction and per-operation metrics.
func WithMetrics(m metrics.Manager) FactoryOption {
	return func(f *Factory) {
		f.metrics = m
	}
}

// DefaultChains returns the strategy chain of every supported kind. The
// SQLite fallback closes each chain.
func DefaultChains() map[Kind][]Constructor {
	return map[Kind][]Constructor{
		KindPrimary: {NewBadgerBackend, NewSQLiteBackend},
		KindPebble:  {NewPebbleBackend, NewSQLiteBackend},
	}
}

// NewFactory creates an unconfigured Factory rooted at dataDir.
func NewFactory(dataDir string, logger *logrus.Logger, opts ...FactoryOption) *Factory {
	if logger == nil {
		logger = logrus.New()
	}
	f := &Factory{
		dataDir: dataDir,
		logger:  logger,
		chains:  DefaultChains(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Configure activates cfg and discards any cached instance.
func (f *Factory) Configure(cfg Config) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cfg.Backend == "" {
		cfg.Backend = KindPrimary
	}
	f.discardLocked()
	f.config = &cfg

	f.logger.WithFields(logrus.Fields{
		"backend":     cfg.Backend,
		"instance_id": cfg.InstanceID,
	}).Debug("Storage configured")
}

// Active returns the current configuration, if any.
func (f *Factory) Active() (Config, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.config == nil {
		return Config{}, false
	}
	return *f.config, true
}

// Storage returns the Backend of the current epoch, building it on first
// use. It fails with ErrNotConfigured before Configure and with
// *UnsupportedKindError for unknown kinds.
func (f *Factory) Storage() (Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.config == nil {
		return nil, ErrNotConfigured
	}
	if f.instance != nil {
		return f.instance, nil
	}

	backend, err := f.buildLocked(*f.config)
	if err != nil {
		return nil, err
	}
	f.instance = backend
	return backend, nil
}

// UsingFallback reports whether the instance of the current epoch was built
// by a later link of the chain than the first. A fallback engine does not
// hold the data of the configured one.
func (f *Factory) UsingFallback() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instance != nil && f.fallback
}

// Reset discards the cached instance but keeps the configuration, forcing a
// fresh probe of the chain on the next Storage call.
func (f *Factory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discardLocked()
}

// Close releases the cached instance. The Factory stays configured.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.instance == nil {
		return nil
	}
	err := f.instance.Close()
	f.instance = nil
	f.fallback = false
	return err
}

func (f *Factory) discardLocked() {
	if f.instance == nil {
		return
	}
	if err := f.instance.Close(); err != nil {
		f.logger.WithError(err).WithField("engine", f.instance.Kind()).Warn("Failed to close discarded storage backend")
	}
	f.instance = nil
	f.fallback = false
}

// buildLocked walks the strategy chain of cfg.Backend.
func (f *Factory) buildLocked(cfg Config) (Backend, error) {
	chain, ok := f.chains[cfg.Backend]
	if !ok {
		return nil, &UnsupportedKindError{Kind: cfg.Backend}
	}
	if len(chain) == 0 {
		return nil, ErrNoBackends
	}

	opts := Options{
		DataDir: f.dataDir,
		Config:  cfg,
		Logger:  f.logger,
	}

	var lastErr error
	for i, construct := range chain {
		backend, err := construct(opts)
		if err != nil {
			lastErr = err
			f.logger.WithError(err).WithFields(logrus.Fields{
				"backend": cfg.Backend,
				"attempt": i + 1,
			}).Warn("Storage backend construction failed, trying next")
			if f.metrics != nil {
				f.metrics.RecordBackendOpen(string(cfg.Backend), false)
			}
			continue
		}

		if f.metrics != nil {
			f.metrics.RecordBackendOpen(string(cfg.Backend), true)
			if i > 0 {
				f.metrics.RecordFallback(string(cfg.Backend), backend.Kind())
			}
			backend = instrument(backend, f.metrics)
		}
		f.fallback = i > 0
		if i > 0 {
			f.logger.WithFields(logrus.Fields{
				"backend": cfg.Backend,
				"engine":  backend.Kind(),
			}).Warn("Using fallback storage backend")
		}
		return backend, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrNoBackends, lastErr)
}
