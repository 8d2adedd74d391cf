package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cyberinferno/filesfer/cacher"
	"github.com/cyberinferno/filesfer/idgenerator"
	"github.com/cyberinferno/filesfer/protocol"
	"github.com/cyberinferno/filesfer/safeset"
)

const (
	listCacheKey = "list"

	// Uploads are written to tempPrefix*tempSuffix inside the root and
	// renamed over the target name on commit.
	tempPrefix = ".filesfer-"
	tempSuffix = ".part"
)

// inflightKey identifies one upload; several may target the same name.
type inflightKey struct {
	name string
	id   uint64
}

// Options configures a DiskStore.
type Options struct {
	// ListCacheTTL caches directory listings for this long. Zero disables
	// the cache. Uploads and deletes made through the store invalidate it.
	ListCacheTTL time.Duration
}

// DiskStore is a Store rooted at a single directory.
type DiskStore struct {
	root      string
	inflight  *safeset.SafeSet[inflightKey]
	uploadIDs *idgenerator.IdGenerator
	listCache *cacher.MemoryCacher[[]string]
	listTTL   time.Duration

	// commitMu orders renames onto a name against aborts removing it.
	commitMu  sync.Mutex
	commits   map[string]uint64
	commitSeq uint64
}

// NewDiskStore creates the root directory if needed and returns a store
// serving it.
//
// Parameters:
//   - root: The shared directory
//   - opts: Store options
//
// Returns:
//   - The DiskStore
//   - An error if root cannot be created or is not a directory
func NewDiskStore(root string, opts Options) (*DiskStore, error) {
	if root == "" {
		return nil, errors.New("store root is empty")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store root: %w", err)
	}

	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat store root: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("store root %s is not a directory", abs)
	}

	s := &DiskStore{
		root:      abs,
		inflight:  safeset.NewSafeSet[inflightKey](),
		uploadIDs: idgenerator.NewIdGenerator(0),
		listTTL:   opts.ListCacheTTL,
		commits:   make(map[string]uint64),
	}

	if err := s.removeStaleParts(); err != nil {
		return nil, err
	}

	if opts.ListCacheTTL > 0 {
		s.listCache = cacher.NewMemoryCacher[[]string](opts.ListCacheTTL, 2*opts.ListCacheTTL)
	}

	return s, nil
}

// Root returns the absolute path of the shared directory.
func (s *DiskStore) Root() string {
	return s.root
}

// InFlight returns the distinct names currently being uploaded, sorted.
func (s *DiskStore) InFlight() []string {
	seen := make(map[string]struct{})
	s.inflight.Range(func(k inflightKey) bool {
		seen[k.name] = struct{}{}
		return true
	})

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// List implements Store.
func (s *DiskStore) List(ctx context.Context) ([]string, error) {
	var (
		names []string
		err   error
	)

	if s.listCache != nil {
		names, err = s.listCache.GetOrFetch(ctx, listCacheKey, s.listTTL, s.scan)
	} else {
		names, err = s.scan(ctx)
	}
	if err != nil {
		return nil, err
	}

	busy := make(map[string]struct{})
	s.inflight.Range(func(k inflightKey) bool {
		busy[k.name] = struct{}{}
		return true
	})

	visible := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := busy[name]; !ok {
			visible = append(visible, name)
		}
	}

	return visible, nil
}

// Open implements Store.
func (s *DiskStore) Open(name string) (io.ReadCloser, int64, error) {
	p, clean, err := s.resolve(name)
	if err != nil {
		return nil, 0, err
	}

	if s.busy(clean) {
		return nil, 0, ErrNotFound
	}

	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}

	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, 0, ErrNotFound
	}

	return f, info.Size(), nil
}

// Create implements Store.
func (s *DiskStore) Create(name string) (*Upload, error) {
	p, clean, err := s.resolve(name)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(s.root, tempPrefix+"*"+tempSuffix)
	if err != nil {
		return nil, err
	}

	if err := f.Chmod(0644); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, err
	}

	key := inflightKey{name: clean, id: s.uploadIDs.Next()}

	s.commitMu.Lock()
	s.inflight.Add(key)
	base := s.commits[clean]
	s.commitMu.Unlock()

	return newUpload(s, key, p, f, base), nil
}

// Delete implements Store.
func (s *DiskStore) Delete(name string) error {
	p, clean, err := s.resolve(name)
	if err != nil {
		return err
	}

	if s.busy(clean) {
		return ErrBusy
	}

	defer s.invalidate()
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}

	return nil
}

// Exists implements Store.
func (s *DiskStore) Exists(name string) bool {
	_, err := s.Size(name)
	return err == nil
}

// Size implements Store.
func (s *DiskStore) Size(name string) (int64, error) {
	p, clean, err := s.resolve(name)
	if err != nil {
		return 0, err
	}

	if s.busy(clean) {
		return 0, ErrNotFound
	}

	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, err
	}

	if !info.Mode().IsRegular() {
		return 0, ErrNotFound
	}

	return info.Size(), nil
}

func (s *DiskStore) scan(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && listable(e.Name()) {
			names = append(names, e.Name())
		}
	}

	return names, nil
}

// listable reports whether a name on disk can be served. Upload temp files
// are internal, and names containing the separator or a line break cannot be
// framed in a LIST reply.
func listable(name string) bool {
	return !isTempName(name) && !strings.ContainsAny(name, protocol.Separator+"\r\n")
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, tempSuffix)
}

// removeStaleParts deletes upload temp files left behind by a previous run.
func (s *DiskStore) removeStaleParts() error {
	stale, err := filepath.Glob(filepath.Join(s.root, tempPrefix+"*"+tempSuffix))
	if err != nil {
		return err
	}

	for _, p := range stale {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove stale upload %s: %w", filepath.Base(p), err)
		}
	}

	return nil
}

func (s *DiskStore) resolve(name string) (string, string, error) {
	clean, err := protocol.SanitizeFileName(name)
	if err != nil {
		return "", "", err
	}

	if isTempName(clean) {
		return "", "", ErrInvalidName
	}

	return filepath.Join(s.root, clean), clean, nil
}

func (s *DiskStore) invalidate() {
	if s.listCache != nil {
		_ = s.listCache.Clear(context.Background())
	}
}

func (s *DiskStore) busy(name string) bool {
	return s.inflight.Any(func(k inflightKey) bool {
		return k.name == name
	})
}

// publish renames a finished upload over its target name.
func (s *DiskStore) publish(u *Upload) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if err := os.Rename(u.tmp, u.path); err != nil {
		return err
	}

	s.commitSeq++
	s.commits[u.key.name] = s.commitSeq
	return nil
}

// discard removes the target of a failed upload, unless another upload of
// the same name has committed since this one was created.
func (s *DiskStore) discard(u *Upload) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if s.commits[u.key.name] != u.base {
		return nil
	}

	if info, err := os.Lstat(u.path); err != nil || !info.Mode().IsRegular() {
		return nil
	}

	if err := os.Remove(u.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return nil
}

func (s *DiskStore) release(key inflightKey) {
	s.commitMu.Lock()
	s.inflight.Remove(key)
	if !s.busy(key.name) {
		delete(s.commits, key.name)
	}
	s.commitMu.Unlock()

	s.invalidate()
}
