package kvstore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

// Kind selects the strategy chain used to build a Backend.
type Kind string

const (
	// KindPrimary is the Badger engine, falling back to SQLite.
	KindPrimary Kind = "primary"
	// KindPebble is the Pebble engine, falling back to SQLite.
	KindPebble Kind = "pebble"
)

// Config is the active storage configuration. Exactly one is active per
// Factory at a time.
type Config struct {
	Backend       Kind   `mapstructure:"backend"`
	InstanceID    string `mapstructure:"instance_id"`
	EncryptionKey string `mapstructure:"encryption_key"`
}

// Backend defines the key-value contract every storage engine implements.
//
// Reads are best effort: GetItem reports absence and read failures alike as
// ok == false, and GetAllKeys returns an empty slice on failure. Both log the
// underlying error. Mutations return a *BackendError so callers can react.
type Backend interface {
	// GetItem returns the stored value and true, or "" and false.
	GetItem(ctx context.Context, key string) (string, bool)

	// SetItem persists value under key, overwriting any previous value.
	SetItem(ctx context.Context, key, value string) error

	// RemoveItem deletes key. Removing an absent key is not an error.
	RemoveItem(ctx context.Context, key string) error

	// Clear erases every key of this instance.
	Clear(ctx context.Context) error

	// GetAllKeys lists every key in lexicographic order.
	GetAllKeys(ctx context.Context) []string

	// Kind names the engine ("badger", "pebble", "sqlite").
	Kind() string

	io.Closer
}

// Options carries everything a Constructor may need.
type Options struct {
	DataDir string
	Config  Config
	Logger  *logrus.Logger
}

// Constructor builds one Backend. Constructors are chained by the Factory.
type Constructor func(opts Options) (Backend, error)

// instanceDir returns the engine directory of one configured instance.
func (o Options) instanceDir() string {
	id := o.Config.InstanceID
	if id == "" {
		id = "default"
	}
	return filepath.Join(o.DataDir, "kv", id)
}

func (o Options) logger() *logrus.Logger {
	if o.Logger == nil {
		return logrus.New()
	}
	return o.Logger
}

// deriveKey stretches the opaque key string to a 32-byte AES-256 key. The
// instance id is used as HKDF salt so two instances never share a key.
func deriveKey(secret, instanceID string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), []byte(instanceID), []byte("armorylog kv"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return key, nil
}
