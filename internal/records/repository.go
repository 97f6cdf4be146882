package records

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/armorylog/armorylog/internal/images"
	"github.com/armorylog/armorylog/internal/transfer"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

var (
	ErrUnknownCollection = errors.New("unknown collection")
	ErrMissingID         = errors.New("record has no id")
)

// entityTypes maps collection names to the entity type used in record keys
// and image path lists.
var entityTypes = map[string]string{
	transfer.Firearms:    "firearm",
	transfer.Ammunition:  "ammunition",
	transfer.RangeVisits: "range_visit",
}

// EntityType returns the entity type of a collection.
func EntityType(collection string) (string, error) {
	t, ok := entityTypes[collection]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	return t, nil
}

// Key returns the storage key of one record.
func Key(entityType, id string) string {
	return entityType + ":" + id
}

// ImageDeleter releases the image files of one record. *images.Manager
// satisfies it.
type ImageDeleter interface {
	DeleteImages(ctx context.Context, entityType, entityID string) error
}

// Repository stores records as JSON values under <entityType>:<id>.
type Repository struct {
	store  images.StorageProvider
	images ImageDeleter
	logger *logrus.Logger
}

// NewRepository creates a Repository.
func NewRepository(store images.StorageProvider, imgs ImageDeleter, logger *logrus.Logger) *Repository {
	if logger == nil {
		logger = logrus.New()
	}
	return &Repository{
		store:  store,
		images: imgs,
		logger: logger,
	}
}

// RecordID extracts the "id" field of a record.
func RecordID(rec transfer.Record) (string, error) {
	id := gjson.GetBytes(rec, "id")
	if id.Type != gjson.String || id.String() == "" {
		return "", ErrMissingID
	}
	return id.String(), nil
}

// Upsert writes every record, overwriting records with the same id. All ids
// are checked before the first write.
func (r *Repository) Upsert(ctx context.Context, collection string, recs []transfer.Record) error {
	entityType, err := EntityType(collection)
	if err != nil {
		return err
	}

	ids := make([]string, len(recs))
	for i, rec := range recs {
		id, err := RecordID(rec)
		if err != nil {
			return fmt.Errorf("%s[%d]: %w", collection, i, err)
		}
		ids[i] = id
	}

	backend, err := r.store.Storage()
	if err != nil {
		return fmt.Errorf("failed to get storage: %w", err)
	}

	for i, rec := range recs {
		value := string(rec)
		var buf bytes.Buffer
		if err := json.Compact(&buf, rec); err == nil {
			value = buf.String()
		}
		if err := backend.SetItem(ctx, Key(entityType, ids[i]), value); err != nil {
			return err
		}
	}

	r.logger.WithFields(logrus.Fields{
		"collection": collection,
		"count":      len(recs),
	}).Debug("Records upserted")
	return nil
}

// List returns all records of a collection ordered by key.
func (r *Repository) List(ctx context.Context, collection string) ([]transfer.Record, error) {
	entityType, err := EntityType(collection)
	if err != nil {
		return nil, err
	}
	backend, err := r.store.Storage()
	if err != nil {
		return nil, fmt.Errorf("failed to get storage: %w", err)
	}

	prefix := entityType + ":"
	recs := []transfer.Record{}
	for _, key := range backend.GetAllKeys(ctx) {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		value, ok := backend.GetItem(ctx, key)
		if !ok {
			continue
		}
		if !gjson.Valid(value) {
			r.logger.WithField("key", key).Warn("Skipping record with invalid JSON")
			continue
		}
		recs = append(recs, transfer.Record(value))
	}
	return recs, nil
}

// Get returns one record.
func (r *Repository) Get(ctx context.Context, collection, id string) (transfer.Record, bool) {
	entityType, err := EntityType(collection)
	if err != nil {
		return nil, false
	}
	backend, err := r.store.Storage()
	if err != nil {
		r.logger.WithError(err).Warn("Storage unavailable")
		return nil, false
	}
	value, ok := backend.GetItem(ctx, Key(entityType, id))
	if !ok {
		return nil, false
	}
	return transfer.Record(value), true
}

// Delete releases the record's images and then removes the record. If the
// images cannot be released the record stays, so the delete can be retried.
func (r *Repository) Delete(ctx context.Context, collection, id string) error {
	entityType, err := EntityType(collection)
	if err != nil {
		return err
	}
	backend, err := r.store.Storage()
	if err != nil {
		return fmt.Errorf("failed to get storage: %w", err)
	}

	if r.images != nil {
		if err := r.images.DeleteImages(ctx, entityType, id); err != nil {
			return fmt.Errorf("failed to delete images of %s: %w", Key(entityType, id), err)
		}
	}
	return backend.RemoveItem(ctx, Key(entityType, id))
}

// Dataset loads every collection for export.
func (r *Repository) Dataset(ctx context.Context) (transfer.Dataset, error) {
	var ds transfer.Dataset
	var err error
	if ds.Firearms, err = r.List(ctx, transfer.Firearms); err != nil {
		return ds, err
	}
	if ds.Ammunition, err = r.List(ctx, transfer.Ammunition); err != nil {
		return ds, err
	}
	if ds.RangeVisits, err = r.List(ctx, transfer.RangeVisits); err != nil {
		return ds, err
	}
	return ds, nil
}

// compile-time interface check
var _ transfer.Importer = (*Repository)(nil)
