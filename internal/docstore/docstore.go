// Package docstore reads and writes the column metadata of a Grist-style
// SQLite document: the _grist_Tables and _grist_Tables_column tables.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/stefanvanburen/dropcond/internal/dropdown"
	"github.com/stefanvanburen/dropcond/internal/rename"

	// sqlite driver for document access.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS _grist_Tables (
	id      INTEGER PRIMARY KEY,
	tableId TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS _grist_Tables_column (
	id            INTEGER PRIMARY KEY,
	parentId      INTEGER NOT NULL DEFAULT 0,
	colId         TEXT NOT NULL DEFAULT '',
	type          TEXT NOT NULL DEFAULT '',
	widgetOptions TEXT NOT NULL DEFAULT ''
);
`

// ErrNoColumn is returned when a renamed column does not exist.
var ErrNoColumn = errors.New("docstore: no such column")

// Store is a document's column metadata.
type Store struct {
	db *sql.DB
}

// Open opens the SQLite document at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open document %s: %w", path, err)
	}
	return New(db), nil
}

// New returns a Store backed by db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InitSchema creates the metadata tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// AddTable adds a table and returns its row id.
func (s *Store) AddTable(ctx context.Context, tableID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO _grist_Tables (tableId) VALUES (?)`, tableID)
	if err != nil {
		return 0, fmt.Errorf("failed to add table %s: %w", tableID, err)
	}
	return res.LastInsertId()
}

// AddColumn adds a column to the table tableID and returns its row id.
func (s *Store) AddColumn(ctx context.Context, tableID, colID, colType, widgetOptions string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO _grist_Tables_column (parentId, colId, type, widgetOptions)
		SELECT id, ?, ?, ? FROM _grist_Tables WHERE tableId = ?`,
		colID, colType, widgetOptions, tableID)
	if err != nil {
		return 0, fmt.Errorf("failed to add column %s.%s: %w", tableID, colID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, fmt.Errorf("failed to add column %s.%s: no table %s", tableID, colID, tableID)
	}
	return res.LastInsertId()
}

// Columns returns every column of the document in row id order.
func (s *Store) Columns(ctx context.Context) ([]dropdown.Column, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, t.tableId, c.colId, c.type, c.widgetOptions
		FROM _grist_Tables_column c
		JOIN _grist_Tables t ON t.id = c.parentId
		ORDER BY c.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	var columns []dropdown.Column
	for rows.Next() {
		var c dropdown.Column
		if err := rows.Scan(&c.ID, &c.TableID, &c.ColID, &c.Type, &c.WidgetOptions); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	return columns, nil
}

// ApplyUpdates writes the widget options of every update in one
// transaction.
func (s *Store) ApplyUpdates(ctx context.Context, updates []dropdown.Update) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return applyUpdates(ctx, tx, updates)
	})
}

// RenameColumns renames columns and writes updates in one transaction. If
// any column does not exist nothing is written.
func (s *Store) RenameColumns(ctx context.Context, renames rename.Map, updates []dropdown.Update) error {
	keys := slices.SortedFunc(maps.Keys(renames), func(a, b rename.Key) int {
		return strings.Compare(a.String(), b.String())
	})
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			res, err := tx.ExecContext(ctx, `
				UPDATE _grist_Tables_column SET colId = ?
				WHERE colId = ? AND parentId = (SELECT id FROM _grist_Tables WHERE tableId = ?)`,
				renames[key], key.ColID, key.TableID)
			if err != nil {
				return fmt.Errorf("failed to rename %s: %w", key, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to rename %s: %w", key, err)
			}
			if n == 0 {
				return fmt.Errorf("failed to rename %s: %w", key, ErrNoColumn)
			}
		}
		return applyUpdates(ctx, tx, updates)
	})
}

func applyUpdates(ctx context.Context, tx *sql.Tx, updates []dropdown.Update) error {
	for _, u := range updates {
		if _, err := tx.ExecContext(ctx,
			`UPDATE _grist_Tables_column SET widgetOptions = ? WHERE id = ?`,
			u.WidgetOptions, u.ColumnID); err != nil {
			return fmt.Errorf("failed to update column %d: %w", u.ColumnID, err)
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
