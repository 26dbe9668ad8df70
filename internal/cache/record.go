package cache

import (
	"encoding/json"
	"maps"
)

// Record is one tree node's selected fields, plus the keypath of the node
// that backs them.
type Record struct {
	Keypath string
	Fields  map[string]any
}

// Get returns the value of field.
func (r Record) Get(field string) any {
	return r.Fields[field]
}

// Clone returns a copy whose Fields map can be modified independently.
func (r Record) Clone() Record {
	return Record{Keypath: r.Keypath, Fields: maps.Clone(r.Fields)}
}

// MarshalJSON flattens the record: {"<field>": value, ..., "keypath": "..."}.
func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		flat[k] = v
	}
	if r.Keypath != "" {
		flat["keypath"] = r.Keypath
	}
	return json.Marshal(flat)
}

func cloneRecords(records []Record) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
