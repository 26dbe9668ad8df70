package journal

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Call is one journaled call.
type Call struct {
	Seq       int64         `json:"seq"`
	SessionID string        `json:"session_id"`
	RequestID int64         `json:"request_id"`
	Method    string        `json:"method"`
	Params    string        `json:"params"`
	Started   time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Outcome   string        `json:"outcome"`
	Message   string        `json:"message,omitempty"`
}

// Notification is one journaled notification.
type Notification struct {
	Seq       int64  `json:"seq"`
	SessionID string `json:"session_id"`
	Keypath   string `json:"keypath"`
	Operation string `json:"op"`
	Value     string `json:"value"`
}

// Filter narrows a read. Zero values match everything.
type Filter struct {
	SessionID string
	Method    string
	// Limit keeps only the most recent rows.
	Limit int
}

func (f Filter) where(methodColumn bool) (string, []any) {
	var clauses []string
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if methodColumn && f.Method != "" {
		clauses = append(clauses, "method = ?")
		args = append(args, f.Method)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return -1
	}
	return f.Limit
}

// Calls returns journaled calls in seq order. Returns an empty slice (not
// nil) when nothing matches.
func (j *Journal) Calls(ctx context.Context, f Filter) ([]Call, error) {
	where, args := f.where(true)
	args = append(args, f.limit())
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, session_id, request_id, method, params, started_at, duration_us, outcome, message
		FROM (
			SELECT * FROM calls `+where+`
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query calls: %w", err)
	}
	defer rows.Close()

	calls := []Call{}
	for rows.Next() {
		var c Call
		var started string
		var durationUS int64
		if err := rows.Scan(&c.Seq, &c.SessionID, &c.RequestID, &c.Method, &c.Params,
			&started, &durationUS, &c.Outcome, &c.Message); err != nil {
			return nil, fmt.Errorf("journal: scan call: %w", err)
		}
		c.Started, err = time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return nil, fmt.Errorf("journal: parse started_at %q: %w", started, err)
		}
		c.Duration = time.Duration(durationUS) * time.Microsecond
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate calls: %w", err)
	}
	return calls, nil
}

// Notifications returns journaled notifications in seq order. Filter.Method
// is ignored.
func (j *Journal) Notifications(ctx context.Context, f Filter) ([]Notification, error) {
	where, args := f.where(false)
	args = append(args, f.limit())
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, session_id, keypath, op, value
		FROM (
			SELECT * FROM notifications `+where+`
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query notifications: %w", err)
	}
	defer rows.Close()

	notifications := []Notification{}
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.Seq, &n.SessionID, &n.Keypath, &n.Operation, &n.Value); err != nil {
			return nil, fmt.Errorf("journal: scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate notifications: %w", err)
	}
	return notifications, nil
}
