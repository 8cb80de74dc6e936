package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/errs"
)

// dialect captures what differs between the SQL engines we run on.
type dialect struct {
	name string
	// positional placeholders ($1, $2, ...) instead of ?
	numbered bool
	// suffix that takes a row lock on SELECT; empty when the engine locks
	// at transaction begin instead
	forUpdate string
	schema    []string
	// classify maps driver errors onto store and domain errors.
	classify func(err error) error
}

// rebind rewrites ? placeholders for engines that number them.
func (d *dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// queries holds the statements shared by the store and its transactions.
type queries struct {
	q querier
	d *dialect
}

func (qs *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return qs.q.ExecContext(ctx, qs.d.rebind(query), args...)
}

func (qs *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return qs.q.QueryContext(ctx, qs.d.rebind(query), args...)
}

func (qs *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return qs.q.QueryRowContext(ctx, qs.d.rebind(query), args...)
}

// SQLStore implements Storage on database/sql.
type SQLStore struct {
	queries
	db *sql.DB
}

func newSQLStore(db *sql.DB, d *dialect) (*SQLStore, error) {
	s := &SQLStore{queries: queries{q: db, d: d}, db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", s.d.name, err)
		}
	}
	return nil
}

// WithTx runs fn in a transaction and commits it when fn returns nil.
func (s *SQLStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.d.classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{queries: queries{q: tx, d: s.d}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.d.classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// sqlTx implements Tx.
type sqlTx struct {
	queries
}

// lockSuffix is appended to single-row selects that must lock.
func (t *sqlTx) lockSuffix() string {
	if t.d.forUpdate == "" {
		return ""
	}
	return " " + t.d.forUpdate
}

// checkUpdated turns a conditional update that touched no row into either a
// not-found or a concurrency-conflict error.
func (qs *queries) checkUpdated(ctx context.Context, res sql.Result, table, entity string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = qs.queryRow(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFound(entity, id.String())
	}
	if err != nil {
		return fmt.Errorf("failed to check %s existence: %w", entity, err)
	}
	return errs.ConcurrencyConflict(entity, id.String(), nil)
}

// notFound maps sql.ErrNoRows to a domain not-found error.
func (qs *queries) notFound(err error, entity string, id uuid.UUID) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFound(entity, id.String())
	}
	return qs.d.classify(fmt.Errorf("failed to get %s: %w", entity, err))
}

// where accumulates filter conditions and their arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	w.add(column+" IN ("+marks+")", args...)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *where) paged(p Page) (string, []any) {
	p = p.normalize()
	return " LIMIT ? OFFSET ?", append(w.args, p.Limit, p.Offset)
}

// Time values are stored in UTC so text comparisons order correctly on SQLite.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timeFromNull(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidFromNull(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var (
	_ Storage = (*SQLStore)(nil)
	_ Tx      = (*sqlTx)(nil)
)
