package persistence

import (
	"database/sql"
)

var sqliteDialect = sqlDialect{
	name:     "sqlite",
	blob:     "BLOB",
	serialPK: "INTEGER PRIMARY KEY AUTOINCREMENT",
}

// NewSQLiteStore initializes the required schema in the given database and
// returns a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// In-memory databases must be limited to a single connection
// (db.SetMaxOpenConns(1)) so that every query sees the same database.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, sqliteDialect)
}
