// Package contact models the rows of the contact queue: records keyed
// by the sheet's header fields, and the processing status each record
// carries through an allocation run.
package contact

import "strings"

// Canonical queue columns. The header row of the source table defines
// the actual field set for a run; these are the names this system
// reads and writes.
const (
	FieldEmail     = "Email"
	FieldFirstName = "First Name"
	FieldLastName  = "Last Name"
	FieldTags      = "Tags"
	FieldStatus    = "Status"
)

// Attribute is one (name, value) pair sent with a contact upsert.
type Attribute struct {
	Name  string
	Value string
}

// Upsert attribute names recognized by the directory.
const (
	AttrFirstName = "first_name"
	AttrLastName  = "last_name"
	AttrTags      = "tags"
)

// Record is one contact row. Keys are header names, values are the raw
// cell text. Records mutate in place during a run (map semantics), and
// serialize back to rows in caller-supplied header order.
type Record map[string]string

// NewRecord builds a Record from a data row zipped against the header
// row. Short rows are padded with empty cells; cells beyond the header
// length are dropped.
func NewRecord(headers, cells []string) Record {
	r := make(Record, len(headers))
	for i, h := range headers {
		if i < len(cells) {
			r[h] = cells[i]
		} else {
			r[h] = ""
		}
	}
	return r
}

// Get returns the raw cell value for a field, "" when absent.
func (r Record) Get(field string) string { return r[field] }

// Set replaces a field's value.
func (r Record) Set(field, value string) { r[field] = value }

// Email returns the record's email trimmed of surrounding whitespace.
// The raw cell keeps its whitespace when the row is written back.
func (r Record) Email() string { return strings.TrimSpace(r[FieldEmail]) }

// Status parses the record's status cell.
func (r Record) Status() Status { return ParseStatus(r[FieldStatus]) }

// SetStatus writes the status cell in its external text form.
func (r Record) SetStatus(s Status) { r[FieldStatus] = s.String() }

// Attributes builds the upsert attribute set: first name, last name
// and tags, each included only when non-empty after trimming. The
// trimmed value is what gets sent.
func (r Record) Attributes() []Attribute {
	var attrs []Attribute
	if v := strings.TrimSpace(r[FieldFirstName]); v != "" {
		attrs = append(attrs, Attribute{Name: AttrFirstName, Value: v})
	}
	if v := strings.TrimSpace(r[FieldLastName]); v != "" {
		attrs = append(attrs, Attribute{Name: AttrLastName, Value: v})
	}
	if v := strings.TrimSpace(r[FieldTags]); v != "" {
		attrs = append(attrs, Attribute{Name: AttrTags, Value: v})
	}
	return attrs
}

// Row serializes the record as a row in the given header order.
// Fields the record does not carry render as empty cells, so the row
// length always equals the header length.
func (r Record) Row(headers []string) []string {
	row := make([]string, len(headers))
	for i, h := range headers {
		row[i] = r[h]
	}
	return row
}
