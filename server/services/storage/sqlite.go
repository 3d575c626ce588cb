package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"regexp"

	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"

	_ "modernc.org/sqlite"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// SQLiteBackend stores rows in a SQLite table with an index on the owner column.
// AUTOINCREMENT guarantees handles of deleted rows are never issued again.
type SQLiteBackend struct {
	db    *sql.DB
	table string
}

var _ Backend = (*SQLiteBackend)(nil)

// NewSQLiteBackend opens the SQLite database at path and creates the table for a store.
func NewSQLiteBackend(path string, table string) (*SQLiteBackend, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Scans are materialised before yielding, so one connection never deadlocks.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	ddl := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    handle  INTEGER PRIMARY KEY AUTOINCREMENT,
    owner   INTEGER NOT NULL,
    version INTEGER NOT NULL,
    data    BLOB NOT NULL
)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_owner ON %[1]s (owner)`, table),
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s table: %w", table, err)
		}
	}
	return &SQLiteBackend{db: db, table: table}, nil
}

// Insert stores a new row and returns the handle SQLite assigned.
func (s *SQLiteBackend) Insert(ctx context.Context, owner int64, data []byte) (Row, error) {
	r := Row{Owner: owner, Version: 1, Data: data}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO `+s.table+` (owner, version, data) VALUES (?, 1, ?) RETURNING handle`,
		owner, data,
	).Scan(&r.Handle)
	if err != nil {
		return Row{}, fmt.Errorf("insert %s row: %w", s.table, err)
	}
	return r, nil
}

// Get reads a row.
func (s *SQLiteBackend) Get(ctx context.Context, handle int64) (Row, error) {
	r := Row{Handle: handle}
	err := s.db.QueryRowContext(ctx,
		`SELECT owner, version, data FROM `+s.table+` WHERE handle = ?`, handle,
	).Scan(&r.Owner, &r.Version, &r.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, fmt.Errorf("get %s row %d: %w", s.table, handle, errors2.ErrNotFound)
	}
	if err != nil {
		return Row{}, fmt.Errorf("get %s row %d: %w", s.table, handle, err)
	}
	return r, nil
}

// Update replaces the data of a row, checking the version in the same statement.
func (s *SQLiteBackend) Update(ctx context.Context, handle int64, version uint64, data []byte) (Row, error) {
	r := Row{Handle: handle, Data: data}
	err := s.db.QueryRowContext(ctx,
		`UPDATE `+s.table+` SET data = ?, version = version + 1
		WHERE handle = ? AND (? = 0 OR version = ?)
		RETURNING owner, version`,
		data, handle, version, version,
	).Scan(&r.Owner, &r.Version)
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := s.Get(ctx, handle)
		if gerr != nil {
			return Row{}, gerr
		}
		return Row{}, fmt.Errorf("update %s row %d at version %d, stored %d: %w", s.table, handle, version, cur.Version, errors2.ErrConflict)
	}
	if err != nil {
		return Row{}, fmt.Errorf("update %s row %d: %w", s.table, handle, err)
	}
	return r, nil
}

// Delete removes a row.
func (s *SQLiteBackend) Delete(ctx context.Context, handle int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE handle = ?`, handle)
	if err != nil {
		return false, fmt.Errorf("delete %s row %d: %w", s.table, handle, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s row %d: %w", s.table, handle, err)
	}
	return n > 0, nil
}

// Scan reads the matching rows through the owner index.
func (s *SQLiteBackend) Scan(ctx context.Context, owner int64) iter.Seq2[Row, error] {
	q := `SELECT handle, owner, version, data FROM ` + s.table
	var args []any
	if owner != AnyOwner {
		q += ` WHERE owner = ?`
		args = append(args, owner)
	}
	q += ` ORDER BY handle`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return failed(fmt.Errorf("scan %s: %w", s.table, err))
	}
	defer rows.Close()
	var ret []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Handle, &r.Owner, &r.Version, &r.Data); err != nil {
			return failed(fmt.Errorf("scan %s row: %w", s.table, err))
		}
		ret = append(ret, r)
	}
	if err := rows.Err(); err != nil {
		return failed(fmt.Errorf("scan %s: %w", s.table, err))
	}
	return rowsOf(ret)
}

// Clear deletes every row.  The AUTOINCREMENT sequence is kept.
func (s *SQLiteBackend) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table); err != nil {
		return fmt.Errorf("clear %s: %w", s.table, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
