// Package records holds the structured results of extraction calls.
package records

import (
	"encoding/json"
	"fmt"

	"github.com/samber/lo"

	"github.com/local/docinfer/internal/metrics"
)

// Record is one tool invocation's arguments, keyed by declared property.
type Record map[string]any

// Entry is a record together with where it came from.
type Entry struct {
	Source string `json:"source,omitempty"`
	Tool   string `json:"tool,omitempty"`
	Record Record `json:"record"`
}

// Collection is an append-only, ordered list of extracted records. It keeps
// duplicates and is not safe for concurrent use.
type Collection struct {
	entries []Entry
}

// NewCollection returns an empty collection.
func NewCollection() *Collection { return &Collection{} }

// Add appends a record.
func (c *Collection) Add(source, tool string, r Record) {
	c.entries = append(c.entries, Entry{Source: source, Tool: tool, Record: r})
	metrics.AddRecords(1)
}

// Len returns the number of records.
func (c *Collection) Len() int { return len(c.entries) }

// Entries returns a copy of the entries in insertion order.
func (c *Collection) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Records returns the records in insertion order.
func (c *Collection) Records() []Record {
	return lo.Map(c.entries, func(e Entry, _ int) Record { return e.Record })
}

// ByTool returns the records produced by the named tool.
func (c *Collection) ByTool(tool string) []Record {
	matched := lo.Filter(c.entries, func(e Entry, _ int) bool { return e.Tool == tool })
	return lo.Map(matched, func(e Entry, _ int) Record { return e.Record })
}

// JSON serialises the records as a JSON array. An empty collection is "[]".
func (c *Collection) JSON() (string, error) {
	raw, err := json.Marshal(c.Records())
	if err != nil {
		return "", fmt.Errorf("encode records: %w", err)
	}
	return string(raw), nil
}

// MarshalJSON encodes the full entries, source and tool included.
func (c *Collection) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Entries())
}

// UnmarshalJSON accepts either a list of entries or a bare list of records.
func (c *Collection) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode records: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for i, item := range raw {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil {
			return fmt.Errorf("decode record %d: %w", i, err)
		}
		if isEntry(fields) {
			var e Entry
			if err := json.Unmarshal(item, &e); err != nil {
				return fmt.Errorf("decode entry %d: %w", i, err)
			}
			entries = append(entries, e)
			continue
		}
		var r Record
		if err := json.Unmarshal(item, &r); err != nil {
			return fmt.Errorf("decode record %d: %w", i, err)
		}
		entries = append(entries, Entry{Record: r})
	}
	c.entries = entries
	return nil
}

// isEntry tells an Entry from a bare record that merely has a "record" field:
// an entry's record is an object and its only other keys are source and tool.
func isEntry(fields map[string]json.RawMessage) bool {
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(fields["record"], &rec); err != nil || rec == nil {
		return false
	}
	for k := range fields {
		switch k {
		case "record", "source", "tool":
		default:
			return false
		}
	}
	return true
}
