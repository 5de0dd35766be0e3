package sheets

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/listfeed/internal/contact"
)

// PostgresStore keeps tables as ordered rows in a single relation.
// Position 0 is the header row; data rows follow. Overwrite replaces
// the whole table inside one transaction, which gives the rewrite
// step atomicity the spreadsheet backend cannot.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects, verifies the connection, and creates the
// backing table when it does not exist yet.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("postgres sheets backend requires database_url")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying pool so callers can share the connection,
// e.g. for advisory locking.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS listfeed_sheet_rows (
			sheet_name TEXT NOT NULL,
			position INTEGER NOT NULL,
			cells TEXT[] NOT NULL,
			PRIMARY KEY (sheet_name, position)
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Read returns the header row and the data rows beneath it, in
// stored order. An empty or missing table reads as (nil, nil, nil).
func (s *PostgresStore) Read(ctx context.Context, table string) ([]string, []contact.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cells FROM listfeed_sheet_rows
		WHERE sheet_name = $1
		ORDER BY position
	`, table)
	if err != nil {
		return nil, nil, fmt.Errorf("read sheet %q: %w", table, err)
	}
	defer rows.Close()

	var headers []string
	var records []contact.Record
	for rows.Next() {
		var cells []string
		if err := rows.Scan(pq.Array(&cells)); err != nil {
			return nil, nil, fmt.Errorf("scan sheet row: %w", err)
		}
		if headers == nil {
			headers = cells
			continue
		}
		records = append(records, contact.NewRecord(headers, cells))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("read sheet %q: %w", table, err)
	}
	return headers, records, nil
}

// Overwrite replaces the table's full contents with headers plus rows.
func (s *PostgresStore) Overwrite(ctx context.Context, table string, headers []string, rows [][]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("overwrite sheet %q: %w", table, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM listfeed_sheet_rows WHERE sheet_name = $1`, table,
	); err != nil {
		return fmt.Errorf("clear sheet %q: %w", table, err)
	}

	if err := insertRows(ctx, tx, table, 0, headers); err != nil {
		return err
	}
	for i, row := range rows {
		if err := insertRows(ctx, tx, table, i+1, row); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("overwrite sheet %q: %w", table, err)
	}
	return nil
}

// Append adds rows after the table's current last position.
func (s *PostgresStore) Append(ctx context.Context, table string, rows [][]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append to sheet %q: %w", table, err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM listfeed_sheet_rows WHERE sheet_name = $1`,
		table,
	).Scan(&next); err != nil {
		return fmt.Errorf("append to sheet %q: %w", table, err)
	}

	for i, row := range rows {
		if err := insertRows(ctx, tx, table, next+i, row); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append to sheet %q: %w", table, err)
	}
	return nil
}

func insertRows(ctx context.Context, tx *sql.Tx, table string, position int, cells []string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO listfeed_sheet_rows (sheet_name, position, cells)
		VALUES ($1, $2, $3)
	`, table, position, pq.Array(cells))
	if err != nil {
		return fmt.Errorf("insert sheet row: %w", err)
	}
	return nil
}
