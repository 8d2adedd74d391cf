// Package store implements the shared directory that filesfer serves: a flat
// namespace of regular files addressed by bare name.
package store

import (
	"context"
	"errors"
	"io"

	"github.com/cyberinferno/filesfer/protocol"
)

var (
	// ErrNotFound is returned when a named file does not exist or is still
	// being uploaded.
	ErrNotFound = errors.New("file not found")

	// ErrInvalidName is returned when a requested name has no usable final
	// path component.
	ErrInvalidName = protocol.ErrInvalidName

	// ErrBusy is returned by Delete while an upload of the name is in
	// progress.
	ErrBusy = errors.New("file is being uploaded")

	// ErrUploadClosed is returned by writes on a committed or aborted upload.
	ErrUploadClosed = errors.New("upload already finished")
)

// Store is the shared file store used by connection handlers.
type Store interface {
	// List returns the names of the stored files, sorted. Files with an
	// upload in progress are not listed.
	List(ctx context.Context) ([]string, error)

	// Open opens a stored file for reading.
	//
	// Returns:
	//   - The file content
	//   - The file size in bytes
	//   - ErrNotFound, ErrInvalidName or an I/O error
	Open(name string) (io.ReadCloser, int64, error)

	// Create starts an upload that replaces any existing file of that name.
	// Each upload writes its own temp file, so concurrent uploads of one name
	// never mix: the last to commit wins, and the name stays hidden until
	// every one of them has finished. The caller must Commit or Abort the
	// returned Upload.
	Create(name string) (*Upload, error)

	// Delete removes a stored file.
	Delete(name string) error

	// Exists reports whether a completed file of that name is stored.
	Exists(name string) bool

	// Size returns the size of a stored file.
	Size(name string) (int64, error)
}
