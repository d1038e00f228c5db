package sqlstore

import (
	"fmt"
	"strconv"

	// Registered database/sql drivers.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect captures the differences between the supported databases.
type Dialect struct {
	// Name is the user-facing backend name.
	Name string
	// Driver is the database/sql driver name.
	Driver string

	schema []string
	// returning is true when inserts report the new row id with RETURNING
	// instead of LastInsertId.
	returning   bool
	placeholder func(n int) string
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return "$" + strconv.Itoa(n) }

var (
	SQLite = Dialect{
		Name:        "sqlite",
		Driver:      "sqlite",
		placeholder: questionMark,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS companion_message (
				seq             INTEGER PRIMARY KEY AUTOINCREMENT,
				id              TEXT    NOT NULL UNIQUE,
				conversation_id TEXT    NOT NULL,
				author          TEXT    NOT NULL,
				text            TEXT    NOT NULL,
				in_reply_to     TEXT    NOT NULL DEFAULT '',
				fallback        INTEGER NOT NULL DEFAULT 0,
				created_at      INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_companion_message_conversation
				ON companion_message(conversation_id, created_at, seq)`,
		},
	}

	Postgres = Dialect{
		Name:        "postgres",
		Driver:      "postgres",
		placeholder: dollar,
		returning:   true,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS companion_message (
				seq             BIGSERIAL PRIMARY KEY,
				id              TEXT    NOT NULL UNIQUE,
				conversation_id TEXT    NOT NULL,
				author          TEXT    NOT NULL,
				text            TEXT    NOT NULL,
				in_reply_to     TEXT    NOT NULL DEFAULT '',
				fallback        BOOLEAN NOT NULL DEFAULT FALSE,
				created_at      BIGINT  NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_companion_message_conversation
				ON companion_message(conversation_id, created_at, seq)`,
		},
	}

	MySQL = Dialect{
		Name:        "mysql",
		Driver:      "mysql",
		placeholder: questionMark,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS companion_message (
				seq             BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
				id              VARCHAR(36)  NOT NULL UNIQUE,
				conversation_id VARCHAR(64)  NOT NULL,
				author          VARCHAR(16)  NOT NULL,
				text            TEXT         NOT NULL,
				in_reply_to     VARCHAR(36)  NOT NULL DEFAULT '',
				fallback        BOOLEAN      NOT NULL DEFAULT FALSE,
				created_at      BIGINT       NOT NULL,
				INDEX idx_companion_message_conversation (conversation_id, created_at, seq)
			)`,
		},
	}
)

// DialectFor returns the dialect for a backend name.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	}
	return Dialect{}, fmt.Errorf("unsupported database backend %q", name)
}
