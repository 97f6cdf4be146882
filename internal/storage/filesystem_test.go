package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestFilesystem(t *testing.T) (*AferoFilesystem, afero.Fs) {
	memFs := afero.NewMemMapFs()
	return NewFilesystem(memFs), memFs
}

// TestNewFilesystem tests provider creation
func TestNewFilesystem(t *testing.T) {
	t.Run("nil fs means OS filesystem", func(t *testing.T) {
		fs := NewFilesystem(nil)
		_, ok := fs.Fs().(*afero.OsFs)
		assert.True(t, ok)
	})

	t.Run("wraps the given fs", func(t *testing.T) {
		memFs := afero.NewMemMapFs()
		assert.Equal(t, memFs, NewFilesystem(memFs).Fs())
	})
}

// TestExistsAndMkdirAll tests directory creation and existence checks
func TestExistsAndMkdirAll(t *testing.T) {
	fs, _ := createTestFilesystem(t)
	ctx := context.Background()

	exists, err := fs.Exists(ctx, "/data/images")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, fs.MkdirAll(ctx, "/data/images"))
	// Idempotent
	require.NoError(t, fs.MkdirAll(ctx, "/data/images"))

	exists, err = fs.Exists(ctx, "/data/images")
	require.NoError(t, err)
	assert.True(t, exists)
}

// TestCopy tests atomic copies
func TestCopy(t *testing.T) {
	ctx := context.Background()

	t.Run("copies bytes", func(t *testing.T) {
		fs, memFs := createTestFilesystem(t)
		require.NoError(t, afero.WriteFile(memFs, "/src/a.jpg", []byte("image-bytes"), 0644))
		require.NoError(t, memFs.MkdirAll("/dst", 0755))

		n, err := fs.Copy(ctx, "/src/a.jpg", "/dst/b.jpg")
		require.NoError(t, err)
		assert.Equal(t, int64(len("image-bytes")), n)

		data, err := afero.ReadFile(memFs, "/dst/b.jpg")
		require.NoError(t, err)
		assert.Equal(t, "image-bytes", string(data))
	})

	t.Run("leaves no temp files behind", func(t *testing.T) {
		fs, memFs := createTestFilesystem(t)
		require.NoError(t, afero.WriteFile(memFs, "/src/a.jpg", []byte("x"), 0644))
		require.NoError(t, memFs.MkdirAll("/dst", 0755))

		_, err := fs.Copy(ctx, "/src/a.jpg", "/dst/a.jpg")
		require.NoError(t, err)

		names, err := fs.ReadDir(ctx, "/dst")
		require.NoError(t, err)
		assert.Equal(t, []string{"a.jpg"}, names)
	})

	t.Run("missing source", func(t *testing.T) {
		fs, memFs := createTestFilesystem(t)
		require.NoError(t, memFs.MkdirAll("/dst", 0755))

		_, err := fs.Copy(ctx, "/src/missing.jpg", "/dst/a.jpg")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)

		var fileErr *FileError
		require.True(t, errors.As(err, &fileErr))
		assert.Equal(t, "copy", fileErr.Op)
		assert.Equal(t, "/src/missing.jpg", fileErr.Path)
	})

	t.Run("directory source", func(t *testing.T) {
		fs, memFs := createTestFilesystem(t)
		require.NoError(t, memFs.MkdirAll("/src/dir", 0755))

		_, err := fs.Copy(ctx, "/src/dir", "/src/out.jpg")
		assert.ErrorIs(t, err, ErrIsDirectory)
	})
}

// TestRemove tests file deletion
func TestRemove(t *testing.T) {
	fs, memFs := createTestFilesystem(t)
	ctx := context.Background()
	require.NoError(t, afero.WriteFile(memFs, "/data/a.jpg", []byte("x"), 0644))

	require.NoError(t, fs.Remove(ctx, "/data/a.jpg"))

	err := fs.Remove(ctx, "/data/a.jpg")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestReadDir tests sorted listing
func TestReadDir(t *testing.T) {
	fs, memFs := createTestFilesystem(t)
	ctx := context.Background()

	for _, name := range []string{"c.jpg", "a.jpg", "b.jpg"} {
		require.NoError(t, afero.WriteFile(memFs, filepath.Join("/data", name), []byte("x"), 0644))
	}

	names, err := fs.ReadDir(ctx, "/data")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "b.jpg", "c.jpg"}, names)

	_, err = fs.ReadDir(ctx, "/nowhere")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestStat tests metadata lookups
func TestStat(t *testing.T) {
	fs, memFs := createTestFilesystem(t)
	ctx := context.Background()
	require.NoError(t, afero.WriteFile(memFs, "/data/a.jpg", []byte("12345"), 0644))

	info, err := fs.Stat(ctx, "/data/a.jpg")
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.False(t, info.IsDir)
	assert.Equal(t, int64(5), info.Size)

	info, err = fs.Stat(ctx, "/data/missing.jpg")
	require.NoError(t, err)
	assert.False(t, info.Exists)

	info, err = fs.Stat(ctx, "/data")
	require.NoError(t, err)
	assert.True(t, info.IsDir)
}

// TestWriteAndReadFile tests whole-file helpers
func TestWriteAndReadFile(t *testing.T) {
	fs, memFs := createTestFilesystem(t)
	ctx := context.Background()
	require.NoError(t, memFs.MkdirAll("/export", 0755))

	require.NoError(t, fs.WriteFile(ctx, "/export/out.json", []byte(`{"version":"1.0"}`)))
	data, err := fs.ReadFile(ctx, "/export/out.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"1.0"}`, string(data))

	_, err = fs.ReadFile(ctx, "/export/none.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestPathValidation tests that unsafe paths are rejected
func TestPathValidation(t *testing.T) {
	fs, _ := createTestFilesystem(t)
	ctx := context.Background()

	tests := []struct {
		name string
		path string
	}{
		{"empty", ""},
		{"relative", "images/a.jpg"},
		{"traversal", "/data/../etc/passwd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fs.Exists(ctx, tt.path)
			assert.ErrorIs(t, err, ErrInvalidPath)

			_, err = fs.Stat(ctx, tt.path)
			assert.ErrorIs(t, err, ErrInvalidPath)

			assert.ErrorIs(t, fs.Remove(ctx, tt.path), ErrInvalidPath)
		})
	}
}

// TestOsFilesystem runs a copy against the real disk
func TestOsFilesystem(t *testing.T) {
	dir := t.TempDir()
	fs := NewFilesystem(afero.NewOsFs())
	ctx := context.Background()

	src := filepath.Join(dir, "src.jpg")
	require.NoError(t, os.WriteFile(src, []byte(strings.Repeat("z", 4096)), 0644))

	dst := filepath.Join(dir, "images", "dst.jpg")
	require.NoError(t, fs.MkdirAll(ctx, filepath.Dir(dst)))

	n, err := fs.Copy(ctx, src, dst)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), n)

	info, err := fs.Stat(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Size)
}

func TestCopyDoesNotUseGlobalLogger(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()
	level := logrus.GetLevel()
	logrus.SetLevel(logrus.DebugLevel)
	defer logrus.SetLevel(level)

	fs, memFs := createTestFilesystem(t)
	require.NoError(t, afero.WriteFile(memFs, "/src/a.jpg", []byte("data"), 0644))
	require.NoError(t, fs.MkdirAll(context.Background(), "/dst"))

	n, err := fs.Copy(context.Background(), "/src/a.jpg", "/dst/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Empty(t, hook.AllEntries(), "logging belongs to the caller's logger")
}
