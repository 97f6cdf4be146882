package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const badgerEngine = "badger"

// BadgerBackend implements Backend using BadgerDB. It is the primary engine:
// the instance id selects its directory and the encryption key, when set,
// turns on Badger's at-rest encryption.
type BadgerBackend struct {
	db     *badger.DB
	ready  atomic.Bool
	logger *logrus.Logger
	stopCh chan struct{}
}

// NewBadgerBackend opens (or creates) the Badger directory of the configured
// instance. It fails when the directory is locked by another process or the
// existing data was written with a different key.
func NewBadgerBackend(opts Options) (Backend, error) {
	logger := opts.logger()
	dbPath := opts.instanceDir()
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create badger directory: %w", err)
	}

	badgerOpts, err := badgerOptions(dbPath, opts.Config, logger)
	if err != nil {
		return nil, err
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	b := &BadgerBackend{
		db:     db,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	b.ready.Store(true)
	go b.runGC()

	logger.WithFields(logrus.Fields{
		"path":      dbPath,
		"encrypted": opts.Config.EncryptionKey != "",
	}).Info("BadgerDB storage initialized")
	return b, nil
}

// badgerOptions is shared with the Pebble migration, which must open a
// legacy directory with the same key it was written with.
func badgerOptions(dbPath string, cfg Config, logger *logrus.Logger) (badger.Options, error) {
	o := badger.DefaultOptions(dbPath).
		WithLogger(newBadgerLogger(logger)).
		WithNumVersionsToKeep(1)

	if cfg.EncryptionKey != "" {
		key, err := deriveKey(cfg.EncryptionKey, cfg.InstanceID)
		if err != nil {
			return o, err
		}
		// Badger refuses encryption without an index cache.
		o = o.WithEncryptionKey(key).WithIndexCacheSize(16 << 20)
	}
	return o, nil
}

// GetItem reads a value in a read-only transaction.
func (b *BadgerBackend) GetItem(ctx context.Context, key string) (string, bool) {
	if !b.ready.Load() {
		return "", false
	}
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false
	}
	if err != nil {
		b.logger.WithError(err).WithField("key", key).Error("Failed to read key from BadgerDB")
		return "", false
	}
	return string(value), true
}

// SetItem upserts a key.
func (b *BadgerBackend) SetItem(ctx context.Context, key, value string) error {
	if !b.ready.Load() {
		return backendErr(badgerEngine, "set", key, ErrClosed)
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		b.logger.WithError(err).WithField("key", key).Error("Failed to write key to BadgerDB")
		return backendErr(badgerEngine, "set", key, err)
	}
	return nil
}

// RemoveItem deletes a key; Badger deletes of absent keys already succeed.
func (b *BadgerBackend) RemoveItem(ctx context.Context, key string) error {
	if !b.ready.Load() {
		return backendErr(badgerEngine, "delete", key, ErrClosed)
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		b.logger.WithError(err).WithField("key", key).Error("Failed to delete key from BadgerDB")
		return backendErr(badgerEngine, "delete", key, err)
	}
	return nil
}

// Clear drops every key of the instance.
func (b *BadgerBackend) Clear(ctx context.Context) error {
	if !b.ready.Load() {
		return backendErr(badgerEngine, "clear", "", ErrClosed)
	}
	if err := b.db.DropAll(); err != nil {
		b.logger.WithError(err).Error("Failed to clear BadgerDB")
		return backendErr(badgerEngine, "clear", "", err)
	}
	return nil
}

// GetAllKeys iterates keys only; Badger returns them sorted.
func (b *BadgerBackend) GetAllKeys(ctx context.Context) []string {
	if !b.ready.Load() {
		return []string{}
	}
	keys := []string{}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		b.logger.WithError(err).Error("Failed to list BadgerDB keys")
		return []string{}
	}
	return keys
}

// Kind implements Backend.
func (b *BadgerBackend) Kind() string { return badgerEngine }

// Close stops value-log GC and closes the database, releasing its directory
// lock.
func (b *BadgerBackend) Close() error {
	if !b.ready.CompareAndSwap(true, false) {
		return nil
	}
	close(b.stopCh)
	b.logger.Debug("Closing BadgerDB storage")
	return b.db.Close()
}

// runGC runs value-log garbage collection periodically.
func (b *BadgerBackend) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.logger.WithError(err).Warn("Failed to run BadgerDB GC")
			}
		case <-b.stopCh:
			return
		}
	}
}

// badgerLogger adapts logrus to BadgerDB's logger interface
type badgerLogger struct {
	logger *logrus.Logger
}

func newBadgerLogger(logger *logrus.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Tracef("[BadgerDB] "+format, args...)
}

// compile-time interface check
var _ Backend = (*BadgerBackend)(nil)
