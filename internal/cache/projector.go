package cache

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Column is one cell of a query result row.
type Column struct {
	Value   any    `json:"value"`
	Keypath string `json:"keypath,omitempty"`
}

// Row is one query result row, aligned positionally with the selection.
type Row []Column

type queryResult struct {
	Results []Row `json:"results"`
}

// DecodeRows decodes the result of a query call made with
// result_as "keypath-value". A nil payload yields no rows.
func DecodeRows(raw json.RawMessage) ([]Row, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var result queryResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("cache: decode query result: %w", err)
	}
	return result.Results, nil
}

// Projection describes how rows of one query become records.
type Projection struct {
	// Selection lists the path expressions of each row's columns.
	Selection []string
	// LeafList is set when the query selects leaf-list items, whose
	// keypath is the list keypath plus {value}.
	LeafList bool
}

// fieldNames returns the record field of every selection column. A
// "../name" column is "parentName" and the first column is otherwise always
// "name".
func (p Projection) fieldNames() []string {
	names := make([]string, len(p.Selection))
	for i, expr := range p.Selection {
		switch {
		case strings.HasSuffix(expr, "../name"):
			names[i] = "parentName"
		case i == 0:
			names[i] = "name"
		default:
			names[i] = FieldName(expr)
		}
	}
	return names
}

// Project turns rows into records, one per row, in row order.
//
// The record keypath comes from the first column that reports a keypath and
// whose selection path is local (no "/"). For a keyed list item that
// keypath points at the column's leaf, so its final segment is dropped; for
// a leaf-list item the column value is appended as a key.
func (p Projection) Project(rows []Row) []Record {
	names := p.fieldNames()
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		record := Record{Fields: make(map[string]any, len(row))}
		for i, col := range row {
			if i >= len(names) {
				break
			}
			record.Fields[names[i]] = col.Value
			if record.Keypath == "" && col.Keypath != "" && !strings.Contains(p.Selection[i], "/") {
				if p.LeafList {
					record.Keypath = ChildKeypath(col.Keypath, keyString(col.Value))
				} else {
					record.Keypath = parentKeypath(col.Keypath)
				}
			}
		}
		records = append(records, record)
	}
	return records
}

// keyString renders a leaf-list value as a keypath key. JSON numbers decode
// as float64 and are written without an exponent.
func keyString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
