package contact

import (
	"fmt"
	"strings"
	"time"
)

// StatusKind enumerates the processing states a record moves through.
type StatusKind int

const (
	StatusUnprocessed StatusKind = iota
	StatusSkipped
	StatusSucceeded
	StatusFailed
)

// Status is the processing state of a record. The sheet stores it as
// free text; the prefixes below are the external format. Parsing is by
// prefix, so hand-edited or legacy cells degrade to Unprocessed and
// re-enter the queue instead of breaking a run.
type Status struct {
	Kind   StatusKind
	Reason string // Skipped and Failed
	Date   string // Succeeded, YYYY-MM-DD
	ListID string // Succeeded
}

const (
	prefixSucceeded = "Successfully added"
	prefixSkipped   = "Skipped: "
	prefixFailed    = "Error: "

	dateLayout = "2006-01-02"
)

// ReasonNoEmail is the skip reason for records with an empty email.
const ReasonNoEmail = "No Email"

// Unprocessed returns the zero status: the record has not been through
// an allocation run yet.
func Unprocessed() Status { return Status{Kind: StatusUnprocessed} }

// Skipped marks a record the run consumed without calling the
// directory.
func Skipped(reason string) Status {
	return Status{Kind: StatusSkipped, Reason: reason}
}

// Succeeded marks a record upserted to listID on the given run date.
func Succeeded(date time.Time, listID string) Status {
	return Status{Kind: StatusSucceeded, Date: date.Format(dateLayout), ListID: listID}
}

// Failed marks a record whose upsert call failed.
func Failed(reason string) Status {
	return Status{Kind: StatusFailed, Reason: reason}
}

// ParseStatus reads a status cell. Any text that matches none of the
// known prefixes, including the empty string, parses as Unprocessed.
func ParseStatus(s string) Status {
	switch {
	case strings.HasPrefix(s, prefixSucceeded):
		st := Status{Kind: StatusSucceeded}
		rest := strings.TrimPrefix(s, prefixSucceeded)
		if strings.HasPrefix(rest, " on ") {
			if date, listID, ok := strings.Cut(rest[len(" on "):], " to "); ok {
				st.Date = date
				st.ListID = listID
			}
		}
		return st
	case strings.HasPrefix(s, prefixSkipped):
		return Status{Kind: StatusSkipped, Reason: strings.TrimPrefix(s, prefixSkipped)}
	case strings.HasPrefix(s, prefixFailed):
		return Status{Kind: StatusFailed, Reason: strings.TrimPrefix(s, prefixFailed)}
	default:
		return Status{Kind: StatusUnprocessed}
	}
}

// String renders the status in its external text form. Unprocessed
// renders as the empty string.
func (s Status) String() string {
	switch s.Kind {
	case StatusSkipped:
		return prefixSkipped + s.Reason
	case StatusSucceeded:
		return fmt.Sprintf("%s on %s to %s", prefixSucceeded, s.Date, s.ListID)
	case StatusFailed:
		return prefixFailed + s.Reason
	default:
		return ""
	}
}

// IsProcessed reports whether the record already reached its list in a
// previous run. Processed records are filtered out before allocation.
func (s Status) IsProcessed() bool { return s.Kind == StatusSucceeded }
