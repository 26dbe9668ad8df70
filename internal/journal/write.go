package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/confbroker/internal/comet"
	"github.com/roach88/confbroker/internal/rpc"
)

// OutcomeOK is the outcome of a call that returned a result.
const OutcomeOK = "ok"

// outcome names how a call ended: OutcomeOK, the rpc.Kind of its error, or
// "error" for anything else.
func outcome(err error) (string, string) {
	if err == nil {
		return OutcomeOK, ""
	}
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind.String(), rpcErr.Message
	}
	return "error", err.Error()
}

// WriteCall appends one call.
func (j *Journal) WriteCall(ctx context.Context, rec rpc.CallRecord) error {
	if rec.Params == nil {
		rec.Params = rpc.Params{}
	}
	params, err := canonicalJSON(rec.Params)
	if err != nil {
		return fmt.Errorf("journal: write call: params: %w", err)
	}
	kind, message := outcome(rec.Err)

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO calls
		(session_id, request_id, method, params, started_at, duration_us, outcome, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.sessionID,
		rec.ID,
		rec.Method,
		params,
		rec.Started.UTC().Format(time.RFC3339Nano),
		rec.Duration.Microseconds(),
		kind,
		message,
	)
	if err != nil {
		return fmt.Errorf("journal: write call: %w", err)
	}
	return nil
}

// WriteNotification appends one pushed notification.
func (j *Journal) WriteNotification(ctx context.Context, n comet.Notification) error {
	value, err := canonicalJSON(n.Value)
	if err != nil {
		return fmt.Errorf("journal: write notification: value: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO notifications (session_id, keypath, op, value)
		VALUES (?, ?, ?, ?)
	`, j.sessionID, n.Keypath, n.Operation, value)
	if err != nil {
		return fmt.Errorf("journal: write notification: %w", err)
	}
	return nil
}

// ObserveCall implements rpc.Observer. Write failures are logged.
func (j *Journal) ObserveCall(rec rpc.CallRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := j.WriteCall(ctx, rec); err != nil {
		j.logger.Warn("journal write failed", "method", rec.Method, "error", err)
	}
}

// ObserveNotification implements comet.Observer. Write failures are logged.
func (j *Journal) ObserveNotification(n comet.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := j.WriteNotification(ctx, n); err != nil {
		j.logger.Warn("journal write failed", "keypath", n.Keypath, "error", err)
	}
}
