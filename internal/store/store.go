// Package store provides the embedded relational local store: schema,
// indices, dedup-merge writes, pagination, search, and unread/seq
// bookkeeping (spec §4.7). It is grounded directly on the teacher's
// server/store/store.go: an ordered migrations slice applied once each,
// database/sql over modernc.org/sqlite, WAL as an opt-in pragma, and a
// busy_timeout to avoid SQLITE_BUSY under the store's single-writer
// discipline.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1; never edit or reorder an
// existing entry, only append.
var migrations = []string{
	// v1 — messages
	`CREATE TABLE IF NOT EXISTS messages (
		message_id        TEXT PRIMARY KEY,
		server_msg_id     TEXT NOT NULL DEFAULT '',
		seq               INTEGER NOT NULL DEFAULT 0,
		conversation_id   TEXT NOT NULL,
		sender_id         TEXT NOT NULL,
		receiver_id       TEXT NOT NULL DEFAULT '',
		conversation_type TEXT NOT NULL,
		message_type      TEXT NOT NULL,
		content           TEXT NOT NULL DEFAULT '',
		create_time       INTEGER NOT NULL,
		server_time       INTEGER NOT NULL DEFAULT 0,
		status            TEXT NOT NULL DEFAULT 'sending',
		direction         TEXT NOT NULL,
		is_read           INTEGER NOT NULL DEFAULT 0,
		is_deleted        INTEGER NOT NULL DEFAULT 0,
		is_revoked        INTEGER NOT NULL DEFAULT 0,
		revoked_by        TEXT NOT NULL DEFAULT '',
		revoked_time      INTEGER NOT NULL DEFAULT 0,
		at_user_ids_json  TEXT NOT NULL DEFAULT '[]',
		at_all            INTEGER NOT NULL DEFAULT 0,
		read_by_json      TEXT NOT NULL DEFAULT '[]',
		quote_json        TEXT NOT NULL DEFAULT '',
		extra_json        TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conv_time ON messages(conversation_id, create_time DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conv_seq ON messages(conversation_id, seq DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id)`,
	// v2 — conversations
	`CREATE TABLE IF NOT EXISTS conversations (
		conversation_id    TEXT PRIMARY KEY,
		conversation_type  TEXT NOT NULL,
		target_id          TEXT NOT NULL DEFAULT '',
		show_name          TEXT NOT NULL DEFAULT '',
		face_url           TEXT NOT NULL DEFAULT '',
		unread_count       INTEGER NOT NULL DEFAULT 0 CHECK(unread_count >= 0),
		last_read_time     INTEGER NOT NULL DEFAULT 0,
		latest_message_json TEXT NOT NULL DEFAULT '',
		last_message_time  INTEGER NOT NULL DEFAULT 0,
		is_pinned          INTEGER NOT NULL DEFAULT 0,
		is_muted           INTEGER NOT NULL DEFAULT 0,
		draft_json         TEXT NOT NULL DEFAULT '',
		at_me              INTEGER NOT NULL DEFAULT 0,
		at_me_message_id   TEXT NOT NULL DEFAULT '',
		create_time        INTEGER NOT NULL DEFAULT 0,
		update_time        INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_pin_time ON conversations(is_pinned DESC, last_message_time DESC)`,
	// v3 — users / groups / members / friends
	`CREATE TABLE IF NOT EXISTS users (
		user_id  TEXT PRIMARY KEY,
		nickname TEXT NOT NULL DEFAULT '',
		face_url TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS groups (
		group_id TEXT PRIMARY KEY,
		name     TEXT NOT NULL DEFAULT '',
		face_url TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS group_members (
		group_id TEXT NOT NULL,
		user_id  TEXT NOT NULL,
		role     TEXT NOT NULL DEFAULT 'member',
		PRIMARY KEY (group_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_group_members_group ON group_members(group_id)`,
	`CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(user_id)`,
	`CREATE TABLE IF NOT EXISTS friends (
		user_id   TEXT NOT NULL,
		friend_id TEXT NOT NULL,
		PRIMARY KEY (user_id, friend_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_friends_user ON friends(user_id)`,
	// v4 — sync config
	`CREATE TABLE IF NOT EXISTS sync_config (
		user_id        TEXT PRIMARY KEY,
		last_sync_seq  INTEGER NOT NULL DEFAULT 0,
		last_sync_time INTEGER NOT NULL DEFAULT 0,
		is_syncing     INTEGER NOT NULL DEFAULT 0
	)`,
}

// Store wraps a SQLite database and exposes the local-store operations used
// by the rest of the core.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Options configures Open, matching the recognized keys from spec §4.7/§6.
type Options struct {
	FileName      string
	EnableWAL     bool
	EncryptionKey []byte
	Logger        zerolog.Logger
}

// Open opens (or creates) the SQLite database at opts.FileName, applies
// migrations, and configures journaling per opts.EnableWAL. WAL is opt-in:
// its extra WAL/SHM sidecar files cost disk, so the default is conservative
// journaling with synchronous=full.
func Open(opts Options) (*Store, error) {
	path := strings.TrimSpace(opts.FileName)
	if path == "" {
		return nil, fmt.Errorf("database file_name is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if opts.EnableWAL {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			opts.Logger.Warn().Err(err).Msg("enable WAL mode (non-fatal)")
		}
		if _, err := db.Exec(`PRAGMA synchronous=NORMAL`); err != nil {
			opts.Logger.Warn().Err(err).Msg("set synchronous=NORMAL (non-fatal)")
		}
	} else {
		if _, err := db.Exec(`PRAGMA journal_mode=DELETE`); err != nil {
			opts.Logger.Warn().Err(err).Msg("set journal_mode=DELETE (non-fatal)")
		}
		if _, err := db.Exec(`PRAGMA synchronous=FULL`); err != nil {
			opts.Logger.Warn().Err(err).Msg("set synchronous=FULL (non-fatal)")
		}
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		opts.Logger.Warn().Err(err).Msg("set busy_timeout (non-fatal)")
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		opts.Logger.Warn().Err(err).Msg("enable foreign keys (non-fatal)")
	}

	s := &Store{db: db, log: opts.Logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	for i, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nowMillis(clk func() time.Time) int64 {
	if clk == nil {
		return time.Now().UnixMilli()
	}
	return clk().UnixMilli()
}
