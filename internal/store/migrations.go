package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations, applied sequentially
// starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	service       TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	token_type    TEXT NOT NULL DEFAULT 'Bearer',
	expires_at    DATETIME NOT NULL,
	acquired_via  TEXT NOT NULL DEFAULT 'interactive',
	scope         TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sync_cursors (
	mailbox    TEXT NOT NULL,
	folder     TEXT NOT NULL,
	cursor     TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (mailbox, folder)
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	mailbox         TEXT NOT NULL,
	folder          TEXT NOT NULL,
	direction       TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	position_key    TEXT NOT NULL DEFAULT '',
	subject         TEXT NOT NULL DEFAULT '',
	sender          TEXT NOT NULL DEFAULT '',
	body_preview    TEXT NOT NULL DEFAULT '',
	is_reply        INTEGER NOT NULL DEFAULT 0,
	is_forward      INTEGER NOT NULL DEFAULT 0,
	sent_at         DATETIME NOT NULL,
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, position_key);
CREATE INDEX IF NOT EXISTS idx_messages_mailbox_folder
	ON messages(mailbox, folder);

CREATE TABLE IF NOT EXISTS message_states (
	message_id        TEXT PRIMARY KEY,
	pinned            INTEGER NOT NULL DEFAULT 0,
	pinned_at         DATETIME,
	follow_up_sent    INTEGER NOT NULL DEFAULT 0,
	follow_up_sent_at DATETIME,
	validated         INTEGER NOT NULL DEFAULT 0,
	validation_result TEXT,
	validated_at      DATETIME,
	updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS outbox (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	ts              INTEGER NOT NULL,
	subject         TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	payload         BLOB NOT NULL,
	msg_id          TEXT NOT NULL,
	retries         INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	published_at    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending
	ON outbox(next_attempt_at) WHERE published_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_msg_id ON outbox(msg_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
