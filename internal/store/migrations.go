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

CREATE TABLE IF NOT EXISTS roadmaps (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	csv_text    TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS roadmap_datasources (
	roadmap_id            TEXT PRIMARY KEY REFERENCES roadmaps(id) ON DELETE CASCADE,
	type                  TEXT NOT NULL DEFAULT 'csv',
	config                TEXT NOT NULL DEFAULT '',
	encrypted_secret      TEXT,
	snapshot              TEXT,
	last_sync_at          DATETIME,
	last_attempt_at       DATETIME,
	last_sync_duration_ms INTEGER NOT NULL DEFAULT 0,
	last_sync_item_count  INTEGER NOT NULL DEFAULT 0,
	last_sync_error       TEXT NOT NULL DEFAULT '',
	updated_at            DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_roadmaps_name ON roadmaps(name);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_roadmap_datasources_type_synced
	ON roadmap_datasources(type, last_sync_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
