package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mcclellann/loanservicing/pkg/errs"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

var postgresDialect = &dialect{
	name:      "postgres",
	numbered:  true,
	forUpdate: "FOR UPDATE",
	schema: renderSchema(strings.NewReplacer(
		"{id}", "UUID",
		"{money}", "NUMERIC",
		"{time}", "TIMESTAMPTZ",
		"{bigint}", "BIGINT",
	)),
	classify: classifyPostgres,
}

// NewPostgresStore connects through the pgx database/sql driver and
// initializes the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}
	return newSQLStore(db, postgresDialect)
}

func classifyPostgres(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return &errs.Error{Kind: errs.KindConcurrencyConflict, Message: "database lock contention", Cause: err}
	}
	return err
}
