package database

// Migration represents a database migration
type Migration struct {
	Version int
	SQL     string
}

// migrations is the list of all database migrations
var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			-- One row per message ever observed in the mail store's index.
			-- internal_id is copied verbatim from the mail store's ROWID and never
			-- regenerated; it is the join key between this table and the scripting
			-- channel's integer-addressed lookups.
			CREATE TABLE messages (
				internal_id INTEGER PRIMARY KEY,
				message_id TEXT,
				thread_id TEXT,

				subject TEXT NOT NULL DEFAULT '',
				sender_address TEXT NOT NULL DEFAULT '',
				sender_display TEXT NOT NULL DEFAULT '',
				to_list TEXT NOT NULL DEFAULT '',
				cc_list TEXT NOT NULL DEFAULT '',
				date_received DATETIME,
				mailbox TEXT NOT NULL DEFAULT '',

				is_read INTEGER NOT NULL DEFAULT 0,
				is_flagged INTEGER NOT NULL DEFAULT 0,
				has_attachments INTEGER NOT NULL DEFAULT 0,

				sync_status TEXT NOT NULL DEFAULT 'pending',
				remote_page_id TEXT,
				last_error TEXT,
				retry_count INTEGER NOT NULL DEFAULT 0,
				next_retry_at DATETIME,

				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			-- message_id is unique only when present; SQLite treats distinct NULLs
			-- as non-conflicting under a UNIQUE index, which is exactly the
			-- uniqueness rule this column needs.
			CREATE UNIQUE INDEX idx_messages_message_id ON messages(message_id) WHERE message_id IS NOT NULL;
			CREATE INDEX idx_messages_sync_status ON messages(sync_status);
			CREATE INDEX idx_messages_next_retry_at ON messages(next_retry_at) WHERE next_retry_at IS NOT NULL;
			CREATE INDEX idx_messages_thread_id ON messages(thread_id) WHERE thread_id IS NOT NULL;

			-- Scalar checkpoints (last_max_row_id, etc.) as a plain key/value
			-- table.
			CREATE TABLE checkpoints (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);

			-- Thread anchors the Projector tried and failed to resolve via the
			-- scripting channel. Short-circuits repeat lookups for later replies
			-- in the same orphaned thread.
			CREATE TABLE unresolvable_anchors (
				thread_id TEXT PRIMARY KEY,
				recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			-- Encrypted-at-rest fallback for secrets that couldn't be stored in
			-- the OS keyring (headless hosts, missing D-Bus session, etc).
			CREATE TABLE secrets (
				key TEXT PRIMARY KEY,
				encrypted_value TEXT NOT NULL
			);
		`,
	},
}
