package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/mcclellann/loanservicing/pkg/errs"
)

// sqliteParams make every transaction take the write lock at BEGIN, which
// serializes writers the way row locks do on PostgreSQL.
const sqliteParams = "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL"

var sqliteDialect = &dialect{
	name:     "sqlite",
	numbered: false,
	schema: renderSchema(strings.NewReplacer(
		"{id}", "TEXT",
		"{money}", "TEXT",
		"{time}", "DATETIME",
		"{bigint}", "INTEGER",
	)),
	classify: classifySQLite,
}

// NewSQLiteStore opens (or creates) the SQLite database at path and
// initializes the schema.
func NewSQLiteStore(path string) (*SQLStore, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&" + sqliteParams
	} else {
		dsn += "?" + sqliteParams
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}
	return newSQLStore(db, sqliteDialect)
}

func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
		return &errs.Error{Kind: errs.KindConcurrencyConflict, Message: "database is locked", Cause: err}
	case se.ExtendedCode == sqlite3.ErrConstraintUnique, se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	}
	return err
}
