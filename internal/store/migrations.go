package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cache_entries (
	id           TEXT PRIMARY KEY,
	cache_key    TEXT NOT NULL,
	path         TEXT NOT NULL UNIQUE,
	name         TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT 0,
	source       TEXT NOT NULL DEFAULT 'remote_api'
		CHECK(source IN ('cache', 'remote_api', 'embedded', 'direct_url')),
	cached_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_key ON cache_entries(cache_key);
CREATE INDEX IF NOT EXISTS idx_cache_entries_cached_at ON cache_entries(cached_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_cache_entries_source_cached
	ON cache_entries(source, cached_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
