package storage

import (
	"errors"
	"fmt"
)

// Common storage errors
var (
	ErrNotFound    = errors.New("file does not exist")
	ErrInvalidPath = errors.New("invalid path")
	ErrIsDirectory = errors.New("path is a directory")
)

// FileError wraps a failed filesystem operation on one path.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

func fileErr(op, path string, err error) error {
	return &FileError{Op: op, Path: path, Err: err}
}

// FileInfo is the subset of file metadata callers need.
type FileInfo struct {
	Exists  bool
	Size    int64
	IsDir   bool
	ModTime int64
}
