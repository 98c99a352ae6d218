package store

import (
	"context"

	"github.com/nhle/mailattach/internal/model"
)

// EntryFilter controls filtering, sorting, and pagination for cache index
// queries.
type EntryFilter struct {
	Key      *model.CacheKey
	Source   *model.SourceKind
	Query    *string // matches name or content type
	SortBy   string  // "cached_at", "size", "name"
	SortDesc bool
	Limit    int
	Offset   int
}

// Index defines the persistence interface for cache entry metadata. The
// cache directory stays authoritative; the index mirrors it.
type Index interface {
	// TrackEntry records (or replaces) the metadata for a cache file.
	TrackEntry(ctx context.Context, entry model.CacheEntry) error

	// ForgetPath removes the metadata for a cache file path.
	ForgetPath(ctx context.Context, path string) error

	// GetEntries lists entries matching the filter.
	GetEntries(ctx context.Context, filter EntryFilter) ([]model.CacheEntry, error)

	// GetEntryByPath returns the entry tracked for path.
	GetEntryByPath(ctx context.Context, path string) (*model.CacheEntry, error)

	// TotalSize returns the sum of tracked entry sizes.
	TotalSize(ctx context.Context) (int64, error)
}
