package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create chats and turns",
		SQL: `
			CREATE TABLE chats (
				chat_id        TEXT PRIMARY KEY,
				model          TEXT NOT NULL DEFAULT '',
				tools_enabled  INTEGER,
				custom_prompt  TEXT NOT NULL DEFAULT '',
				created_at     TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at     TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE TABLE turns (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				chat_id       TEXT NOT NULL REFERENCES chats(chat_id) ON DELETE CASCADE,
				role          TEXT NOT NULL,
				content       TEXT NOT NULL,
				name          TEXT NOT NULL DEFAULT '',
				tool_call_id  TEXT NOT NULL DEFAULT '',
				tool_calls    TEXT,
				virtual       INTEGER NOT NULL DEFAULT 0,
				created_at    TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_turns_chat ON turns (chat_id, id);
		`,
	},
	{
		Version: 2,
		Name:    "index chats by activity",
		SQL: `
			CREATE INDEX idx_chats_updated ON chats (updated_at);
		`,
	},
}
