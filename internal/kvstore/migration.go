package kvstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const (
	migrationBatchSize = 10_000
	badgerKeyRegistry  = "KEYREGISTRY" // file present only in BadgerDB directories
)

// MigrateFromBadgerIfNeeded checks whether the instance directory holds a
// BadgerDB and, if so, copies every key into a fresh Pebble database that
// then takes its place.
//
// Migration flow:
//  1. Detect KEYREGISTRY file → BadgerDB present
//  2. Open BadgerDB with the instance's key
//  3. Open Pebble in <instance>_pebble/ (temporary)
//  4. Copy all keys, sealing values when a key is configured, in batches
//  5. Close both databases
//  6. Rename <instance>/ → <instance>_badger_backup_{ts}/
//  7. Rename <instance>_pebble/ → <instance>/
//
// If migration fails the Badger directory is left untouched.
func MigrateFromBadgerIfNeeded(opts Options) error {
	logger := opts.logger()
	dir := opts.instanceDir()
	keyRegistry := filepath.Join(dir, badgerKeyRegistry)

	if _, err := os.Stat(keyRegistry); os.IsNotExist(err) {
		return nil // fresh instance or already on Pebble
	} else if err != nil {
		return fmt.Errorf("failed to check instance directory: %w", err)
	}

	logger.WithField("path", dir).Info("BadgerDB storage detected; starting migration to Pebble")

	pebbleTmpDir := dir + "_pebble"
	if err := os.RemoveAll(pebbleTmpDir); err != nil {
		return fmt.Errorf("failed to clean up previous migration attempt: %w", err)
	}

	migrated, err := runMigration(dir, pebbleTmpDir, opts.Config, logger)
	if err != nil {
		_ = os.RemoveAll(pebbleTmpDir)
		return fmt.Errorf("migration failed after %d keys: %w", migrated, err)
	}

	backupDir := fmt.Sprintf("%s_badger_backup_%s", dir, time.Now().Format("20060102_150405"))
	if _, err := os.Stat(backupDir); err == nil {
		backupDir += "_2"
	}

	if err := os.Rename(dir, backupDir); err != nil {
		_ = os.RemoveAll(pebbleTmpDir)
		return fmt.Errorf("failed to rename BadgerDB directory: %w", err)
	}
	if err := os.Rename(pebbleTmpDir, dir); err != nil {
		_ = os.Rename(backupDir, dir)
		return fmt.Errorf("failed to rename Pebble directory: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"migrated_keys": migrated,
		"backup_dir":    backupDir,
	}).Info("Migration to Pebble complete")
	return nil
}

// runMigration copies all keys from Badger to Pebble and returns how many
// were written.
func runMigration(badgerDir, pebbleDir string, cfg Config, logger *logrus.Logger) (int64, error) {
	badgerOpts, err := badgerOptions(badgerDir, cfg, logger)
	if err != nil {
		return 0, err
	}
	bdb, err := badger.Open(badgerOpts)
	if err != nil {
		return 0, fmt.Errorf("failed to open BadgerDB for migration: %w", err)
	}
	defer bdb.Close() //nolint:errcheck

	s, err := newSealer(cfg.EncryptionKey, cfg.InstanceID)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(pebbleDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create Pebble migration directory: %w", err)
	}
	pdb, err := openPebble(pebbleDir, logger)
	if err != nil {
		return 0, err
	}
	defer pdb.Close() //nolint:errcheck

	var totalKeys int64
	batch := pdb.NewBatch()

	err = bdb.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 256
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)

			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read BadgerDB value for key %q: %w", key, err)
			}
			sealed, err := s.seal(string(key), val)
			if err != nil {
				return err
			}
			if err := batch.Set(key, sealed, nil); err != nil {
				return fmt.Errorf("failed to write key %q to Pebble batch: %w", key, err)
			}

			totalKeys++
			if totalKeys%migrationBatchSize == 0 {
				if err := batch.Commit(pebble.NoSync); err != nil {
					return fmt.Errorf("failed to commit Pebble batch at key %d: %w", totalKeys, err)
				}
				batch.Close() //nolint:errcheck
				batch = pdb.NewBatch()
				logger.WithField("keys_migrated", totalKeys).Info("Migration progress")
			}
		}
		return nil
	})
	if err != nil {
		batch.Close() //nolint:errcheck
		return totalKeys, err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		batch.Close() //nolint:errcheck
		return totalKeys, fmt.Errorf("failed to commit final Pebble batch: %w", err)
	}
	batch.Close() //nolint:errcheck

	if err := pdb.Flush(); err != nil {
		return totalKeys, fmt.Errorf("failed to flush Pebble after migration: %w", err)
	}
	return totalKeys, nil
}
