// Package cache owns the on-disk attachment cache: a flat directory of
// files named after cache keys, written atomically and swept by age.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailattach/internal/model"
	"github.com/nhle/mailattach/internal/store"
)

// tempPrefix marks files that are still being written.
const tempPrefix = ".part-"

// WriteMeta describes the payload being written.
type WriteMeta struct {
	// Name is the attachment display name, used as a readable suffix.
	Name string

	// ContentType is used to pick an extension when Name has none.
	ContentType string

	// Expected is the exact number of bytes that must be written, or a
	// negative value when unknown.
	Expected int64

	// Source is recorded in the cache index.
	Source model.SourceKind
}

// Store is the CacheStore: it exclusively owns the cache directory and
// every file in it. Safe for concurrent use.
type Store struct {
	dir        string
	previewDir string
	index      store.Index
	logger     *logrus.Logger

	mu     sync.Mutex
	leases map[string]int
}

// Option configures a Store.
type Option func(*Store)

// WithIndex mirrors every write and removal into idx.
func WithIndex(idx store.Index) Option {
	return func(s *Store) { s.index = idx }
}

// WithLogger sets the logger used for non-fatal problems.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPreviewDir sets the session-scoped directory used for payloads that
// are not worth caching.
func WithPreviewDir(dir string) Option {
	return func(s *Store) { s.previewDir = dir }
}

// NewStore creates a store rooted at dir. The directory is created lazily
// by EnsureDirectory.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir:        filepath.Clean(dir),
		previewDir: filepath.Join(os.TempDir(), "mailattach-preview"),
		leases:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logrus.New()
		s.logger.SetOutput(io.Discard)
	}
	return s
}

// Dir returns the cache root.
func (s *Store) Dir() string {
	return s.dir
}

// EnsureDirectory creates the cache root if absent and returns its path.
func (s *Store) EnsureDirectory() (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", model.NewError(
			model.KindStorageUnavailable, "ensure cache directory",
			fmt.Errorf("creating %s: %w", s.dir, err),
		)
	}

	info, err := os.Stat(s.dir)
	if err != nil {
		return "", model.NewError(model.KindStorageUnavailable, "ensure cache directory", err)
	}
	if !info.IsDir() {
		return "", model.Errorf(
			model.KindStorageUnavailable, "ensure cache directory",
			"%s is not a directory", s.dir,
		)
	}

	return s.dir, nil
}

// Find returns the first existing cache file for key, checking in order:
//
//	{dir}/{key}
//	{dir}/{key}_{displayName}
//	{dir}/{key}.{ext}
//	{dir}/{key}_* and {dir}/{key}.*, whatever the suffix
//	{dir}/{displayName}
//
// The display name only picks a suffix; any file carrying the key prefix
// belongs to the attachment. The last candidate predates key-prefixed
// names and is only trusted when expectedSize is known and matches the
// file size, since unrelated attachments may share a display name.
func (s *Store) Find(key model.CacheKey, displayName string, expectedSize int64) (string, bool) {
	k := string(key)
	name := model.SafeName(displayName)

	candidates := []string{filepath.Join(s.dir, k)}
	if name != "" {
		candidates = append(candidates, filepath.Join(s.dir, k+"_"+name))
	}
	if ext := filepath.Ext(name); ext != "" {
		candidates = append(candidates, filepath.Join(s.dir, k+strings.ToLower(ext)))
	}
	for _, p := range candidates {
		if isRegular(p) {
			return p, true
		}
	}

	if p, ok := s.findKeyed(key); ok {
		return p, true
	}

	if name != "" && expectedSize > 0 {
		p := filepath.Join(s.dir, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			if info.Size() == expectedSize {
				return p, true
			}
			s.logger.WithFields(logrus.Fields{
				"path":     p,
				"size":     info.Size(),
				"expected": expectedSize,
			}).Debug("Ignoring legacy cache file with mismatched size")
		}
	}

	return "", false
}

// findKeyed scans the cache root for a file whose name starts with key
// followed by "_" or ".".
func (s *Store) findKeyed(key model.CacheKey) (string, bool) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", false
	}
	for _, de := range dirEntries {
		n := de.Name()
		if !de.Type().IsRegular() || keyFromName(n) != key || len(n) == len(key) {
			continue
		}
		return filepath.Join(s.dir, n), true
	}
	return "", false
}

// Write stores data under key atomically and returns the final path.
func (s *Store) Write(
	ctx context.Context,
	key model.CacheKey,
	data []byte,
	meta WriteMeta,
) (string, error) {
	if meta.ContentType == "" && model.SafeName(meta.Name) == "" && len(data) > 0 {
		meta.ContentType = mimetype.Detect(data).String()
	}
	meta.Expected = int64(len(data))
	return s.WriteStream(ctx, key, bytes.NewReader(data), meta, nil)
}

// WriteStream copies r into the cache under key. The bytes go to a
// temporary file in the cache directory which is renamed into place only
// after the byte count has been validated and the data synced, so Find
// never observes a partial file. onWrite, if set, receives the running
// byte count.
func (s *Store) WriteStream(
	ctx context.Context,
	key model.CacheKey,
	r io.Reader,
	meta WriteMeta,
	onWrite func(written int64),
) (string, error) {
	if _, err := s.EnsureDirectory(); err != nil {
		return "", err
	}

	final := filepath.Join(s.dir, fileName(key, meta.Name, meta.ContentType))
	n, err := writeAtomic(ctx, s.dir, final, r, meta.Expected, onWrite)
	if err != nil {
		return "", err
	}

	if s.index != nil {
		entry := model.CacheEntry{
			Key:         key,
			Path:        final,
			Name:        meta.Name,
			ContentType: meta.ContentType,
			Size:        n,
			Source:      meta.Source,
			CachedAt:    time.Now(),
		}
		if err := s.index.TrackEntry(ctx, entry); err != nil {
			s.logger.WithError(err).WithField("path", final).Warn("Failed to index cache entry")
		}
	}

	return final, nil
}

// WriteTemp writes a session-scoped copy of data outside the shared
// cache, preserving the display name, and returns its path.
func (s *Store) WriteTemp(ctx context.Context, name string, data []byte) (string, error) {
	dir := filepath.Join(s.previewDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", model.NewError(
			model.KindStorageUnavailable, "write preview",
			fmt.Errorf("creating %s: %w", dir, err),
		)
	}

	base := model.SafeName(name)
	if base == "" {
		base = "attachment" + extensionFor(mimetype.Detect(data).String())
	}

	final := filepath.Join(dir, base)
	if _, err := writeAtomic(ctx, dir, final, bytes.NewReader(data), int64(len(data)), nil); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return final, nil
}

// PreviewDir returns the root of the session-scoped preview directories.
func (s *Store) PreviewDir() string {
	return s.previewDir
}

// RemoveTemp deletes the per-call directory holding a path returned by
// WriteTemp. Paths outside the preview root are left alone.
func (s *Store) RemoveTemp(path string) error {
	dir := filepath.Dir(path)
	if filepath.Dir(dir) != filepath.Clean(s.previewDir) {
		return model.Errorf(model.KindStorageUnavailable, "remove preview", "%s is not a preview path", path)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing preview directory %s: %w", dir, err)
	}
	return nil
}

// PreviewSession is one per-call directory created by WriteTemp.
type PreviewSession struct {
	Dir     string
	Files   []string
	ModTime time.Time
}

// PreviewSessions lists the directories under the preview root. A missing
// root yields an empty list.
func (s *Store) PreviewSessions() ([]PreviewSession, error) {
	dirEntries, err := os.ReadDir(s.previewDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewError(model.KindStorageUnavailable, "list previews", err)
	}

	sessions := make([]PreviewSession, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		dir := filepath.Join(s.previewDir, de.Name())
		session := PreviewSession{Dir: dir, ModTime: info.ModTime()}
		if files, err := os.ReadDir(dir); err == nil {
			for _, f := range files {
				session.Files = append(session.Files, filepath.Join(dir, f.Name()))
			}
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// Stat returns size and modification time for a cache file.
func (s *Store) Stat(path string) (model.CacheEntry, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return model.CacheEntry{}, model.NewError(model.KindNotFound, "stat", err)
	}
	if err != nil {
		return model.CacheEntry{}, model.NewError(model.KindStorageUnavailable, "stat", err)
	}

	return model.CacheEntry{
		Key:     keyFromName(filepath.Base(path)),
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// Remove deletes a cache file and its index entry. Removing a file that
// no longer exists is not an error.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing cache file %s: %w", path, err)
	}

	if s.index != nil {
		if err := s.index.ForgetPath(context.Background(), path); err != nil {
			s.logger.WithError(err).WithField("path", path).Warn("Failed to drop index entry")
		}
	}
	return nil
}

// Names lists the file paths directly under the cache root. A missing
// root yields an empty list.
func (s *Store) Names() ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewError(model.KindStorageUnavailable, "list cache", err)
	}

	paths := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, de.Name()))
	}
	return paths, nil
}

// List returns every cache file with its stat data. Files that vanish
// while listing are skipped.
func (s *Store) List() ([]model.CacheEntry, error) {
	paths, err := s.Names()
	if err != nil {
		return nil, err
	}

	entries := make([]model.CacheEntry, 0, len(paths))
	for _, p := range paths {
		e, err := s.Stat(p)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Acquire marks path as in use until the returned release function is
// called. Sweeps skip paths that are in use.
func (s *Store) Acquire(path string) (release func()) {
	s.mu.Lock()
	s.leases[path]++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.leases[path]--
			if s.leases[path] <= 0 {
				delete(s.leases, path)
			}
		})
	}
}

// InUse reports whether path is currently leased.
func (s *Store) InUse(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases[path] > 0
}

// fileName picks the on-disk name for a new cache entry.
func fileName(key model.CacheKey, name, contentType string) string {
	if safe := model.SafeName(name); safe != "" {
		return string(key) + "_" + safe
	}
	return string(key) + extensionFor(contentType)
}

// extensionFor maps a MIME type to a file extension, or "".
func extensionFor(contentType string) string {
	if contentType == "" {
		return ""
	}
	base, _, _ := strings.Cut(contentType, ";")
	if m := mimetype.Lookup(strings.TrimSpace(base)); m != nil {
		return m.Extension()
	}
	return ""
}

// keyFromName recovers the cache key prefix of a file name, if any.
func keyFromName(name string) model.CacheKey {
	const keyLen = 64
	if len(name) < keyLen {
		return ""
	}
	prefix := name[:keyLen]
	for _, r := range prefix {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return ""
		}
	}
	if len(name) > keyLen && name[keyLen] != '_' && name[keyLen] != '.' {
		return ""
	}
	return model.CacheKey(prefix)
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
