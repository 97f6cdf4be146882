package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

// testDataDir uses os.MkdirTemp instead of t.TempDir() because Pebble and
// BadgerDB may hold file handles briefly after Close() on Windows, causing
// TempDir's automatic cleanup to fail with "directory not empty".
func testDataDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "kvstore-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func testOptions(t *testing.T, cfg Config) Options {
	return Options{
		DataDir: testDataDir(t),
		Config:  cfg,
		Logger:  testLogger(),
	}
}

var engines = []struct {
	name      string
	construct Constructor
}{
	{badgerEngine, NewBadgerBackend},
	{pebbleEngine, NewPebbleBackend},
	{sqliteEngine, NewSQLiteBackend},
}

// TestBackendConformance runs the same contract against every engine.
func TestBackendConformance(t *testing.T) {
	configs := []struct {
		name string
		cfg  Config
	}{
		{"plain", Config{InstanceID: "conformance"}},
		{"encrypted", Config{InstanceID: "conformance", EncryptionKey: "correct horse battery staple"}},
	}

	for _, engine := range engines {
		for _, c := range configs {
			t.Run(engine.name+"/"+c.name, func(t *testing.T) {
				backend, err := engine.construct(testOptions(t, c.cfg))
				require.NoError(t, err)
				defer backend.Close()

				assert.Equal(t, engine.name, backend.Kind())
				runConformance(t, backend)
			})
		}
	}
}

func runConformance(t *testing.T, backend Backend) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		v, ok := backend.GetItem(ctx, "missing")
		assert.False(t, ok)
		assert.Equal(t, "", v)
	})

	t.Run("SetGet", func(t *testing.T) {
		require.NoError(t, backend.SetItem(ctx, "firearm:f1", `{"id":"f1"}`))
		v, ok := backend.GetItem(ctx, "firearm:f1")
		require.True(t, ok)
		assert.Equal(t, `{"id":"f1"}`, v)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, backend.SetItem(ctx, "firearm:f1", `{"id":"f1","v":2}`))
		v, ok := backend.GetItem(ctx, "firearm:f1")
		require.True(t, ok)
		assert.Equal(t, `{"id":"f1","v":2}`, v)
	})

	t.Run("EmptyValue", func(t *testing.T) {
		require.NoError(t, backend.SetItem(ctx, "empty", ""))
		v, ok := backend.GetItem(ctx, "empty")
		assert.True(t, ok)
		assert.Equal(t, "", v)
	})

	t.Run("UnicodeValue", func(t *testing.T) {
		require.NoError(t, backend.SetItem(ctx, "notes", "Zielfernrohr ✓ 瞄准镜"))
		v, ok := backend.GetItem(ctx, "notes")
		require.True(t, ok)
		assert.Equal(t, "Zielfernrohr ✓ 瞄准镜", v)
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		require.NoError(t, backend.SetItem(ctx, "gone", "x"))
		require.NoError(t, backend.RemoveItem(ctx, "gone"))
		require.NoError(t, backend.RemoveItem(ctx, "gone"))
		require.NoError(t, backend.RemoveItem(ctx, "never-existed"))
		_, ok := backend.GetItem(ctx, "gone")
		assert.False(t, ok)
	})

	t.Run("GetAllKeysSorted", func(t *testing.T) {
		require.NoError(t, backend.Clear(ctx))
		for _, k := range []string{"range_visit:r1", "ammunition:a1", "image_paths_firearm_f1", "firearm:f1"} {
			require.NoError(t, backend.SetItem(ctx, k, "{}"))
		}
		assert.Equal(t, []string{
			"ammunition:a1",
			"firearm:f1",
			"image_paths_firearm_f1",
			"range_visit:r1",
		}, backend.GetAllKeys(ctx))
	})

	t.Run("Clear", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			require.NoError(t, backend.SetItem(ctx, fmt.Sprintf("k%02d", i), "v"))
		}
		require.NoError(t, backend.Clear(ctx))
		keys := backend.GetAllKeys(ctx)
		assert.NotNil(t, keys)
		assert.Empty(t, keys)
	})

	t.Run("ClosedBackend", func(t *testing.T) {
		require.NoError(t, backend.Close())
		// Double close is harmless
		require.NoError(t, backend.Close())

		_, ok := backend.GetItem(ctx, "firearm:f1")
		assert.False(t, ok)
		assert.Empty(t, backend.GetAllKeys(ctx))

		err := backend.SetItem(ctx, "k", "v")
		var backendErr *BackendError
		require.True(t, errors.As(err, &backendErr))
		assert.Equal(t, backend.Kind(), backendErr.Engine)
		assert.Equal(t, "set", backendErr.Op)
		assert.ErrorIs(t, err, ErrClosed)

		assert.ErrorIs(t, backend.RemoveItem(ctx, "k"), ErrClosed)
		assert.ErrorIs(t, backend.Clear(ctx), ErrClosed)
	})
}

func TestPersistenceAcrossReopen(t *testing.T) {
	ctx := context.Background()

	for _, engine := range engines {
		t.Run(engine.name, func(t *testing.T) {
			opts := testOptions(t, Config{InstanceID: "reopen", EncryptionKey: "k1"})

			first, err := engine.construct(opts)
			require.NoError(t, err)
			require.NoError(t, first.SetItem(ctx, "ammunition:a1", `{"id":"a1"}`))
			require.NoError(t, first.Close())

			second, err := engine.construct(opts)
			require.NoError(t, err)
			defer second.Close()

			v, ok := second.GetItem(ctx, "ammunition:a1")
			require.True(t, ok)
			assert.Equal(t, `{"id":"a1"}`, v)
		})
	}
}

func TestInstancesAreIsolated(t *testing.T) {
	ctx := context.Background()
	dataDir := testDataDir(t)

	for _, engine := range []struct {
		name      string
		construct Constructor
	}{
		{badgerEngine, NewBadgerBackend},
		{pebbleEngine, NewPebbleBackend},
	} {
		t.Run(engine.name, func(t *testing.T) {
			a, err := engine.construct(Options{DataDir: dataDir, Config: Config{InstanceID: engine.name + "-a"}, Logger: testLogger()})
			require.NoError(t, err)
			defer a.Close()
			b, err := engine.construct(Options{DataDir: dataDir, Config: Config{InstanceID: engine.name + "-b"}, Logger: testLogger()})
			require.NoError(t, err)
			defer b.Close()

			require.NoError(t, a.SetItem(ctx, "firearm:f1", "a"))
			_, ok := b.GetItem(ctx, "firearm:f1")
			assert.False(t, ok)
		})
	}
}

func TestSQLiteIgnoresInstanceAndKey(t *testing.T) {
	ctx := context.Background()
	dataDir := testDataDir(t)

	a, err := NewSQLiteBackend(Options{DataDir: dataDir, Config: Config{InstanceID: "a", EncryptionKey: "x"}, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, a.SetItem(ctx, "firearm:f1", "shared"))
	require.NoError(t, a.Close())

	b, err := NewSQLiteBackend(Options{DataDir: dataDir, Config: Config{InstanceID: "b"}, Logger: testLogger()})
	require.NoError(t, err)
	defer b.Close()

	v, ok := b.GetItem(ctx, "firearm:f1")
	require.True(t, ok)
	assert.Equal(t, "shared", v)
}

func TestBadgerRejectsWrongKey(t *testing.T) {
	opts := testOptions(t, Config{InstanceID: "locked", EncryptionKey: "right"})

	b, err := NewBadgerBackend(opts)
	require.NoError(t, err)
	require.NoError(t, b.SetItem(context.Background(), "k", "v"))
	require.NoError(t, b.Close())

	opts.Config.EncryptionKey = "wrong"
	_, err = NewBadgerBackend(opts)
	assert.Error(t, err)
}

func TestDeriveKey(t *testing.T) {
	k1, err := deriveKey("secret", "a")
	require.NoError(t, err)
	assert.Len(t, k1, 32)

	again, err := deriveKey("secret", "a")
	require.NoError(t, err)
	assert.Equal(t, k1, again)

	other, err := deriveKey("secret", "b")
	require.NoError(t, err)
	assert.NotEqual(t, k1, other, "instance id salts the key")
}

func TestBackendErrorFormatting(t *testing.T) {
	err := backendErr(badgerEngine, "set", "firearm:f1", errors.New("disk full"))
	assert.Equal(t, `badger set "firearm:f1": disk full`, err.Error())

	err = backendErr(sqliteEngine, "clear", "", errors.New("locked"))
	assert.Equal(t, "sqlite clear: locked", err.Error())
}
