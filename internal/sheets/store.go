// Package sheets is the tabular store behind the contact queue. A
// store addresses named tables whose first row is the header row; the
// allocation run reads the source table, rewrites it, and appends to
// the processed table through this one contract.
package sheets

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/listfeed/internal/config"
	"github.com/ignite/listfeed/internal/contact"
)

var ErrUnknownBackend = errors.New("unknown sheets backend")

// Store is the tabular contract an allocation run needs. I/O errors
// propagate and abort the run; they are never folded into per-record
// statuses.
type Store interface {
	// Read returns the header row and the data rows of a table. Data
	// rows are padded to header length. An empty table reads as
	// (nil, nil, nil).
	Read(ctx context.Context, table string) ([]string, []contact.Record, error)
	// Overwrite clears the table's addressed range, then writes the
	// header row followed by rows in order. Not transactional with
	// any other call.
	Overwrite(ctx context.Context, table string, headers []string, rows [][]string) error
	// Append adds rows after the table's existing content without
	// touching headers.
	Append(ctx context.Context, table string, rows [][]string) error
}

// New creates the store selected by cfg.Type: "google" for the Google
// Sheets API, "postgres" for a database-backed queue, "local" (the
// default) for CSV files on disk.
func New(ctx context.Context, cfg config.SheetsConfig) (Store, error) {
	switch cfg.Type {
	case "google":
		return NewGoogleStore(ctx, cfg)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case "local", "":
		return NewLocalStore(cfg.LocalPath)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Type)
	}
}
