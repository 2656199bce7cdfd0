package db

import (
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"
)

const (
	UniqueConstrain = 1555
	// sqlite3.ErrConstraintUnique extended code for UNIQUE indexes (not primary keys)
	UniqueIndexConstrain = 2067
)

var (
	ErrNotFound = errors.New("not found")
)

// NewSQLiteDB creates a new SQLite DB
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`
		PRAGMA foreign_keys = ON;
		pragma journal_mode = WAL;
		pragma synchronous = normal;
		pragma busy_timeout = 5000;
		pragma journal_size_limit  = 6144000;
	`)
	return db, err
}

func ReturnErrNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// IsUniqueViolation reports whether err comes from a UNIQUE or PRIMARY KEY constraint
func IsUniqueViolation(err error) bool {
	sqliteErr, ok := SQLiteErr(err)
	if !ok {
		return false
	}
	code := int(sqliteErr.ExtendedCode)
	return code == UniqueConstrain || code == UniqueIndexConstrain
}
