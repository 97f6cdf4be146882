package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"
)

const pebbleEngine = "pebble"

// PebbleBackend implements Backend using Pebble (CockroachDB's LSM engine).
// Pebble has no at-rest encryption of its own, so values are sealed with
// AES-256-GCM when an encryption key is configured. Keys stay in the clear.
type PebbleBackend struct {
	db     *pebble.DB
	seal   *sealer
	ready  atomic.Bool
	logger *logrus.Logger
}

// NewPebbleBackend opens the Pebble directory of the configured instance,
// migrating a legacy BadgerDB directory in place first if one is found.
func NewPebbleBackend(opts Options) (Backend, error) {
	logger := opts.logger()
	dbPath := opts.instanceDir()

	if err := MigrateFromBadgerIfNeeded(opts); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pebble directory: %w", err)
	}

	s, err := newSealer(opts.Config.EncryptionKey, opts.Config.InstanceID)
	if err != nil {
		return nil, err
	}

	db, err := openPebble(dbPath, logger)
	if err != nil {
		return nil, err
	}

	p := &PebbleBackend{
		db:     db,
		seal:   s,
		logger: logger,
	}
	p.ready.Store(true)

	logger.WithFields(logrus.Fields{
		"path":      dbPath,
		"encrypted": s != nil,
	}).Info("Pebble storage initialized")
	return p, nil
}

func openPebble(dbPath string, logger *logrus.Logger) (*pebble.DB, error) {
	cache := pebble.NewCache(32 << 20)
	defer cache.Unref()

	db, err := pebble.Open(dbPath, &pebble.Options{
		Cache: cache,
		Levels: []pebble.LevelOptions{
			{Compression: pebble.SnappyCompression},
		},
		Logger: &pebbleLogger{logger: logger},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	return db, nil
}

// GetItem reads and unseals a value.
func (p *PebbleBackend) GetItem(ctx context.Context, key string) (string, bool) {
	if !p.ready.Load() {
		return "", false
	}
	val, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false
	}
	if err != nil {
		p.logger.WithError(err).WithField("key", key).Error("Failed to read key from Pebble")
		return "", false
	}
	data := make([]byte, len(val))
	copy(data, val)
	_ = closer.Close()

	plain, err := p.seal.open(key, data)
	if err != nil {
		p.logger.WithError(err).WithField("key", key).Error("Failed to unseal Pebble value")
		return "", false
	}
	return string(plain), true
}

// SetItem seals and writes a value with a synced WAL.
func (p *PebbleBackend) SetItem(ctx context.Context, key, value string) error {
	if !p.ready.Load() {
		return backendErr(pebbleEngine, "set", key, ErrClosed)
	}
	data, err := p.seal.seal(key, []byte(value))
	if err != nil {
		return backendErr(pebbleEngine, "seal", key, err)
	}
	if err := p.db.Set([]byte(key), data, pebble.Sync); err != nil {
		p.logger.WithError(err).WithField("key", key).Error("Failed to write key to Pebble")
		return backendErr(pebbleEngine, "set", key, err)
	}
	return nil
}

// RemoveItem deletes a key. Pebble writes a tombstone for absent keys too.
func (p *PebbleBackend) RemoveItem(ctx context.Context, key string) error {
	if !p.ready.Load() {
		return backendErr(pebbleEngine, "delete", key, ErrClosed)
	}
	if err := p.db.Delete([]byte(key), pebble.Sync); err != nil {
		p.logger.WithError(err).WithField("key", key).Error("Failed to delete key from Pebble")
		return backendErr(pebbleEngine, "delete", key, err)
	}
	return nil
}

// Clear deletes every key in one batch.
func (p *PebbleBackend) Clear(ctx context.Context) error {
	if !p.ready.Load() {
		return backendErr(pebbleEngine, "clear", "", ErrClosed)
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return backendErr(pebbleEngine, "clear", "", err)
	}

	batch := p.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	for valid := iter.First(); valid; valid = iter.Next() {
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			_ = iter.Close()
			return backendErr(pebbleEngine, "clear", "", err)
		}
	}
	iterErr := iter.Error()
	_ = iter.Close()
	if iterErr != nil {
		return backendErr(pebbleEngine, "clear", "", iterErr)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		p.logger.WithError(err).Error("Failed to clear Pebble")
		return backendErr(pebbleEngine, "clear", "", err)
	}
	return nil
}

// GetAllKeys scans the whole keyspace in order.
func (p *PebbleBackend) GetAllKeys(ctx context.Context) []string {
	if !p.ready.Load() {
		return []string{}
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		p.logger.WithError(err).Error("Failed to create Pebble iterator")
		return []string{}
	}
	defer iter.Close() //nolint:errcheck

	keys := []string{}
	for valid := iter.First(); valid; valid = iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		p.logger.WithError(err).Error("Failed to list Pebble keys")
		return []string{}
	}
	return keys
}

// Kind implements Backend.
func (p *PebbleBackend) Kind() string { return pebbleEngine }

// Close flushes and closes the database.
func (p *PebbleBackend) Close() error {
	if !p.ready.CompareAndSwap(true, false) {
		return nil
	}
	p.logger.Debug("Closing Pebble storage")
	return p.db.Close()
}

// pebbleLogger adapts logrus to pebble's Logger interface.
type pebbleLogger struct {
	logger *logrus.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("[Pebble] "+format, args...)
}

// compile-time interface check
var _ Backend = (*PebbleBackend)(nil)
