package store

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"sync"
)

const uploadBufferSize = 64 * 1024

// Upload is the write side of one in-progress upload. Bytes go to a private
// temp file in the store root that Commit renames over the target name.
// Abort deletes the temp file and the target, unless another upload of the
// name committed in the meantime. Both are idempotent and may race with
// Write from another goroutine.
type Upload struct {
	store *DiskStore
	key   inflightKey
	path  string
	tmp   string
	base  uint64

	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	written int64
	done    bool
}

func newUpload(s *DiskStore, key inflightKey, path string, f *os.File, base uint64) *Upload {
	return &Upload{
		store: s,
		key:   key,
		path:  path,
		tmp:   f.Name(),
		base:  base,
		file:  f,
		w:     bufio.NewWriterSize(f, uploadBufferSize),
	}
}

// Name returns the sanitized file name.
func (u *Upload) Name() string {
	return u.key.name
}

// Written returns the number of bytes accepted so far.
func (u *Upload) Written() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.written
}

// Write implements io.Writer.
func (u *Upload) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.done {
		return 0, ErrUploadClosed
	}

	n, err := u.w.Write(p)
	u.written += int64(n)
	return n, err
}

// Commit flushes and closes the temp file and renames it over the target
// name; the last upload to commit wins. If flushing or the rename fails the
// upload is treated like an Abort and the error returned. Calling Commit on a
// finished upload returns ErrUploadClosed.
func (u *Upload) Commit() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.done {
		return ErrUploadClosed
	}
	u.done = true
	defer u.store.release(u.key)

	err := u.w.Flush()
	if closeErr := u.file.Close(); err == nil {
		err = closeErr
	}

	if err == nil {
		err = u.store.publish(u)
	}

	if err != nil {
		_ = os.Remove(u.tmp)
		_ = u.store.discard(u)
		return err
	}

	return nil
}

// Abort closes and deletes the partial file and drops the previous content
// of the target name. It is a no-op on a finished upload.
func (u *Upload) Abort() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.done {
		return nil
	}
	u.done = true
	defer u.store.release(u.key)

	_ = u.file.Close()
	if err := os.Remove(u.tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return u.store.discard(u)
}
