package comet

import (
	"encoding/json"
	"fmt"
)

// OpValueSet is the only push operation that patches the cache.
const OpValueSet = "value_set"

// Notification is one pushed change.
type Notification struct {
	Keypath   string `json:"keypath"`
	Operation string `json:"op"`
	Value     any    `json:"value,omitempty"`
}

// batchItem is one element of a comet result.
type batchItem struct {
	Message struct {
		Changes []Notification `json:"changes"`
	} `json:"message"`
}

// Decode flattens a comet result, a list of messages each carrying a list of
// changes, into notifications in delivery order. An empty payload yields
// none.
func Decode(raw json.RawMessage) ([]Notification, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var batch []batchItem
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("comet: decode batch: %w", err)
	}
	var out []Notification
	for _, item := range batch {
		out = append(out, item.Message.Changes...)
	}
	return out, nil
}
