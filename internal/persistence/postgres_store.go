package persistence

import (
	"database/sql"
)

var postgresDialect = sqlDialect{
	name:     "postgres",
	numbered: true,
	blob:     "BYTEA",
	serialPK: "BIGSERIAL PRIMARY KEY",
}

// NewPostgresStore initializes the required schema in the given database and
// returns a Store backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver, e.g.:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, err := sql.Open("pgx", dsn)
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, postgresDialect)
}
