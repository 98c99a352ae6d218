package model

import "time"

// CacheEntry is a file in the attachment cache together with the
// metadata tracked for it in the cache index.
type CacheEntry struct {
	ID          string     `json:"id" db:"id"`
	Key         CacheKey   `json:"key" db:"cache_key"`
	Path        string     `json:"path" db:"path"`
	Name        string     `json:"name" db:"name"`
	ContentType string     `json:"content_type" db:"content_type"`
	Size        int64      `json:"size" db:"size"`
	Source      SourceKind `json:"source" db:"source"`
	CachedAt    time.Time  `json:"cached_at" db:"cached_at"`

	// ModTime is the on-disk last-modified time; it is populated from
	// stat and not stored in the index.
	ModTime time.Time `json:"mod_time" db:"-"`
}

// Age returns how long ago the entry was last modified relative to now.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.ModTime)
}
