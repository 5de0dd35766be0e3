package sheets

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ignite/listfeed/internal/contact"
)

const defaultLocalDir = "data/sheets"

// LocalStore keeps each table as a CSV file on disk. It exists for
// development and tests: no credentials, no network, same contract.
type LocalStore struct {
	dir string
}

// NewLocalStore builds a store rooted at dir, creating it if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		dir = defaultLocalDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sheets dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) path(table string) string {
	return filepath.Join(s.dir, table+".csv")
}

// Read loads the table's CSV. A missing file is an empty table.
func (s *LocalStore) Read(ctx context.Context, table string) ([]string, []contact.Record, error) {
	f, err := os.Open(s.path(table))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read sheet %q: %w", table, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read sheet %q: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}

	headers := rows[0]
	records := make([]contact.Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		records = append(records, contact.NewRecord(headers, row))
	}
	return headers, records, nil
}

// Overwrite replaces the table file with headers plus rows.
func (s *LocalStore) Overwrite(ctx context.Context, table string, headers []string, rows [][]string) error {
	f, err := os.Create(s.path(table))
	if err != nil {
		return fmt.Errorf("write sheet %q: %w", table, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(headers); err != nil {
		return fmt.Errorf("write sheet %q: %w", table, err)
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("write sheet %q: %w", table, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write sheet %q: %w", table, err)
	}
	return nil
}

// Append adds rows to the end of the table file, creating it when
// absent. An appended-to table that never existed has no header row;
// callers that need one should Overwrite first.
func (s *LocalStore) Append(ctx context.Context, table string, rows [][]string) error {
	f, err := os.OpenFile(s.path(table), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("append to sheet %q: %w", table, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("append to sheet %q: %w", table, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("append to sheet %q: %w", table, err)
	}
	return nil
}
