package contact

import (
	"reflect"
	"testing"
)

var queueHeaders = []string{FieldEmail, FieldFirstName, FieldLastName, FieldTags, FieldStatus}

func TestNewRecordPadsShortRows(t *testing.T) {
	r := NewRecord(queueHeaders, []string{"a@example.com", "Ada"})

	if got := r.Get(FieldEmail); got != "a@example.com" {
		t.Errorf("Get(Email) = %q, want %q", got, "a@example.com")
	}
	for _, f := range []string{FieldLastName, FieldTags, FieldStatus} {
		if got := r.Get(f); got != "" {
			t.Errorf("Get(%q) = %q, want empty pad", f, got)
		}
	}
}

func TestNewRecordDropsExtraCells(t *testing.T) {
	r := NewRecord([]string{FieldEmail, FieldStatus}, []string{"a@example.com", "", "stray"})
	if len(r) != 2 {
		t.Errorf("record has %d fields, want 2", len(r))
	}
}

func TestRecordEmailTrimsWhitespace(t *testing.T) {
	r := NewRecord(queueHeaders, []string{"  a@example.com  "})
	if got := r.Email(); got != "a@example.com" {
		t.Errorf("Email() = %q, want trimmed", got)
	}
	// The raw cell keeps its whitespace for write-back.
	if got := r.Get(FieldEmail); got != "  a@example.com  " {
		t.Errorf("Get(Email) = %q, raw cell was modified", got)
	}
}

func TestRecordAttributes(t *testing.T) {
	tests := []struct {
		name  string
		cells []string
		want  []Attribute
	}{
		{
			"all present",
			[]string{"a@example.com", "Ada", "Lovelace", "vip,beta", ""},
			[]Attribute{
				{Name: AttrFirstName, Value: "Ada"},
				{Name: AttrLastName, Value: "Lovelace"},
				{Name: AttrTags, Value: "vip,beta"},
			},
		},
		{
			"whitespace only fields are omitted",
			[]string{"a@example.com", "  ", "Lovelace", "", ""},
			[]Attribute{{Name: AttrLastName, Value: "Lovelace"}},
		},
		{
			"values are trimmed",
			[]string{"a@example.com", " Ada ", "", "", ""},
			[]Attribute{{Name: AttrFirstName, Value: "Ada"}},
		},
		{
			"none",
			[]string{"a@example.com", "", "", "", ""},
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRecord(queueHeaders, tt.cells)
			if got := r.Attributes(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Attributes() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordRowOrderAndLength(t *testing.T) {
	r := NewRecord(queueHeaders, []string{"a@example.com", "Ada", "Lovelace", "vip", ""})
	r.SetStatus(Failed("boom"))

	row := r.Row(queueHeaders)
	want := []string{"a@example.com", "Ada", "Lovelace", "vip", "Error: boom"}
	if !reflect.DeepEqual(row, want) {
		t.Errorf("Row() = %v, want %v", row, want)
	}

	// Unknown headers render as empty cells, keeping row length stable.
	wide := r.Row([]string{FieldEmail, "Source", FieldStatus})
	if !reflect.DeepEqual(wide, []string{"a@example.com", "", "Error: boom"}) {
		t.Errorf("Row(wide) = %v", wide)
	}
}
