package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// Filesystem is the provider image blobs and export files are written
// through. Paths are absolute paths on the underlying filesystem.
type Filesystem interface {
	// Exists reports whether path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// MkdirAll creates path and any missing parents; existing directories
	// are not an error.
	MkdirAll(ctx context.Context, path string) error

	// Copy copies the bytes of from into to, replacing to atomically.
	Copy(ctx context.Context, from, to string) (int64, error)

	// Remove deletes one file. A missing file yields ErrNotFound.
	Remove(ctx context.Context, path string) error

	// ReadDir lists the names of the entries of dir, sorted.
	ReadDir(ctx context.Context, dir string) ([]string, error)

	// Stat describes path; a missing path yields FileInfo{Exists: false}
	// and no error.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// WriteFile writes data to path atomically.
	WriteFile(ctx context.Context, path string, data []byte) error

	// ReadFile returns the content of path.
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// AferoFilesystem implements Filesystem on top of an afero.Fs, so production
// code runs on afero.NewOsFs() and tests on afero.NewMemMapFs().
type AferoFilesystem struct {
	fs afero.Fs
}

// NewFilesystem wraps an afero.Fs. A nil fs means the OS filesystem.
func NewFilesystem(base afero.Fs) *AferoFilesystem {
	if base == nil {
		base = afero.NewOsFs()
	}
	return &AferoFilesystem{fs: base}
}

// Fs exposes the underlying afero filesystem.
func (a *AferoFilesystem) Fs() afero.Fs {
	return a.fs
}

// Exists checks if a path exists
func (a *AferoFilesystem) Exists(ctx context.Context, path string) (bool, error) {
	if err := validatePath(path); err != nil {
		return false, err
	}
	ok, err := afero.Exists(a.fs, path)
	if err != nil {
		return false, fileErr("stat", path, err)
	}
	return ok, nil
}

// MkdirAll creates a directory tree
func (a *AferoFilesystem) MkdirAll(ctx context.Context, path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if err := a.fs.MkdirAll(path, 0755); err != nil {
		return fileErr("mkdir", path, err)
	}
	return nil
}

// Copy streams from into a temporary file next to to and renames it into
// place, so a failed copy never leaves a truncated destination.
func (a *AferoFilesystem) Copy(ctx context.Context, from, to string) (int64, error) {
	if err := validatePath(from); err != nil {
		return 0, err
	}
	if err := validatePath(to); err != nil {
		return 0, err
	}

	src, err := a.fs.Open(from)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fileErr("copy", from, ErrNotFound)
		}
		return 0, fileErr("copy", from, err)
	}
	defer src.Close()

	if info, err := src.Stat(); err == nil && info.IsDir() {
		return 0, fileErr("copy", from, ErrIsDirectory)
	}

	return a.writeAtomic(to, src)
}

// Remove deletes a single file
func (a *AferoFilesystem) Remove(ctx context.Context, path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if err := a.fs.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileErr("remove", path, ErrNotFound)
		}
		return fileErr("remove", path, err)
	}
	return nil
}

// ReadDir lists entry names of a directory
func (a *AferoFilesystem) ReadDir(ctx context.Context, dir string) ([]string, error) {
	if err := validatePath(dir); err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(a.fs, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fileErr("readdir", dir, ErrNotFound)
		}
		return nil, fileErr("readdir", dir, err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Stat returns file metadata
func (a *AferoFilesystem) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := validatePath(path); err != nil {
		return FileInfo{}, err
	}
	info, err := a.fs.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return FileInfo{Exists: false}, nil
	}
	if err != nil {
		return FileInfo{}, fileErr("stat", path, err)
	}
	return FileInfo{
		Exists:  true,
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime().Unix(),
	}, nil
}

// WriteFile writes a whole file atomically
func (a *AferoFilesystem) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := validatePath(path); err != nil {
		return err
	}
	_, err := a.writeAtomic(path, strings.NewReader(string(data)))
	return err
}

// ReadFile reads a whole file
func (a *AferoFilesystem) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(a.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fileErr("read", path, ErrNotFound)
		}
		return nil, fileErr("read", path, err)
	}
	return data, nil
}

// writeAtomic copies r into a temp file in the destination directory and
// renames it over path.
func (a *AferoFilesystem) writeAtomic(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	tempFile, err := afero.TempFile(a.fs, dir, ".tmp_")
	if err != nil {
		return 0, fileErr("create", path, err)
	}
	tempName := tempFile.Name()

	n, err := io.Copy(tempFile, r)
	if closeErr := tempFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = a.fs.Remove(tempName)
		return 0, fileErr("write", path, err)
	}

	if err := a.fs.Rename(tempName, path); err != nil {
		_ = a.fs.Remove(tempName)
		return 0, fileErr("rename", path, err)
	}
	return n, nil
}

// validatePath rejects empty and relative paths and traversal segments.
func validatePath(path string) error {
	if path == "" {
		return ErrInvalidPath
	}
	if !filepath.IsAbs(path) && !strings.HasPrefix(path, string(os.PathSeparator)) {
		return ErrInvalidPath
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return ErrInvalidPath
		}
	}
	return nil
}

// compile-time interface check
var _ Filesystem = (*AferoFilesystem)(nil)
