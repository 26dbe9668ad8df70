package journal

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/confbroker/internal/comet"
	"github.com/roach88/confbroker/internal/rpc"
)

// createTestJournal opens a fresh journal in a temp dir.
func createTestJournal(t *testing.T) *Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer j.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if j.SessionID() == "" {
		t.Error("SessionID() is empty")
	}
}

func TestOpen_Pragmas(t *testing.T) {
	j := createTestJournal(t)

	var mode string
	if err := j.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}

	var version int
	if err := j.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("query user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestOpen_ReopenStartsNewSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j1, err := Open(path, nil)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	first := j1.SessionID()
	if err := j1.WriteCall(context.Background(), rpc.CallRecord{ID: 1, Method: rpc.MethodGetTrans}); err != nil {
		t.Fatalf("WriteCall() failed: %v", err)
	}
	j1.Close()

	j2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer j2.Close()

	if j2.SessionID() == first {
		t.Error("reopened journal reused the session id")
	}
	calls, err := j2.Calls(context.Background(), Filter{SessionID: first})
	if err != nil {
		t.Fatalf("Calls() failed: %v", err)
	}
	if len(calls) != 1 {
		t.Errorf("got %d calls from the first session, want 1", len(calls))
	}
}

func TestMigration_UpgradeFromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	if _, err := db.Exec("PRAGMA user_version = 0"); err != nil {
		t.Fatalf("failed to set user_version: %v", err)
	}
	db.Close()

	j, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer j.Close()

	var name string
	err = j.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='index' AND name='idx_notifications_keypath'",
	).Scan(&name)
	if err != nil {
		t.Errorf("index idx_notifications_keypath missing after migration: %v", err)
	}
}

func TestWriteCall_RoundTrip(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []rpc.CallRecord{
		{
			ID:       1,
			Method:   rpc.MethodQuery,
			Params:   rpc.Params{"xpath_expr": "/a/b", "th": int64(2), "selection": []string{"name"}},
			Started:  started,
			Duration: 1500 * time.Microsecond,
		},
		{
			ID:      2,
			Method:  rpc.MethodGetValue,
			Params:  rpc.Params{"path": "/gone"},
			Started: started,
			Err:     &rpc.Error{Kind: rpc.KindNotFound, Message: "Not found"},
		},
		{
			ID:      3,
			Method:  rpc.MethodComet,
			Started: started,
			Err:     errors.New("connection reset"),
		},
	}
	for _, rec := range records {
		if err := j.WriteCall(ctx, rec); err != nil {
			t.Fatalf("WriteCall(%d) failed: %v", rec.ID, err)
		}
	}

	calls, err := j.Calls(ctx, Filter{})
	if err != nil {
		t.Fatalf("Calls() failed: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("got %d calls, want 3", len(calls))
	}

	first := calls[0]
	if first.Params != `{"selection":["name"],"th":2,"xpath_expr":"/a/b"}` {
		t.Errorf("params = %s", first.Params)
	}
	if first.Outcome != OutcomeOK || first.Message != "" {
		t.Errorf("outcome = %q %q, want ok", first.Outcome, first.Message)
	}
	if first.Duration != 1500*time.Microsecond {
		t.Errorf("duration = %v", first.Duration)
	}
	if !first.Started.Equal(started) {
		t.Errorf("started = %v, want %v", first.Started, started)
	}
	if calls[1].Outcome != "not_found" || calls[1].Message != "Not found" {
		t.Errorf("outcome = %q %q, want not_found", calls[1].Outcome, calls[1].Message)
	}
	if calls[2].Outcome != "error" || calls[2].Params != "{}" {
		t.Errorf("call 3 = %+v", calls[2])
	}
	if calls[0].Seq >= calls[1].Seq || calls[1].Seq >= calls[2].Seq {
		t.Error("calls are not in seq order")
	}
}

func TestCalls_FilterAndLimit(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	methods := []string{rpc.MethodGetTrans, rpc.MethodQuery, rpc.MethodQuery, rpc.MethodComet, rpc.MethodQuery}
	for i, m := range methods {
		if err := j.WriteCall(ctx, rpc.CallRecord{ID: int64(i + 1), Method: m}); err != nil {
			t.Fatalf("WriteCall() failed: %v", err)
		}
	}

	calls, err := j.Calls(ctx, Filter{Method: rpc.MethodQuery, Limit: 2})
	if err != nil {
		t.Fatalf("Calls() failed: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].RequestID != 3 || calls[1].RequestID != 5 {
		t.Errorf("got request ids %d, %d; want the most recent two (3, 5)", calls[0].RequestID, calls[1].RequestID)
	}

	none, err := j.Calls(ctx, Filter{Method: rpc.MethodLogout})
	if err != nil {
		t.Fatalf("Calls() failed: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("Calls() = %#v, want empty non-nil slice", none)
	}
}

func TestNotifications(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	j.ObserveNotification(comet.Notification{Keypath: "/a/b{x}/name", Operation: comet.OpValueSet, Value: "y"})
	j.ObserveNotification(comet.Notification{Keypath: "/a/b{z}", Operation: "deleted"})

	got, err := j.Notifications(ctx, Filter{SessionID: j.SessionID()})
	if err != nil {
		t.Fatalf("Notifications() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d notifications, want 2", len(got))
	}
	if got[0].Keypath != "/a/b{x}/name" || got[0].Operation != "value_set" || got[0].Value != `"y"` {
		t.Errorf("notification 1 = %+v", got[0])
	}
	if got[1].Value != "null" {
		t.Errorf("notification 2 value = %q, want null", got[1].Value)
	}
}

func TestObserveCall(t *testing.T) {
	j := createTestJournal(t)

	var observer rpc.Observer = j
	observer.ObserveCall(rpc.CallRecord{ID: 7, Method: rpc.MethodLogout, Started: time.Now()})

	calls, err := j.Calls(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Calls() failed: %v", err)
	}
	if len(calls) != 1 || calls[0].RequestID != 7 {
		t.Errorf("Calls() = %+v", calls)
	}
}

func TestCanonicalJSON(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "null"},
		{"sorted keys", map[string]any{"b": 1, "a": true}, `{"a":true,"b":1}`},
		{"no html escaping", "<a & b>", `"<a & b>"`},
		// "e" followed by a combining acute accent composes to U+00E9.
		{"nfc", "cafe\u0301", "\"caf\u00e9\""},
		{"nested", rpc.Params{"params": map[string]any{"z": []any{1.5, "x"}}}, `{"params":{"z":[1.5,"x"]}}`},
		{"big int", int64(1) << 60, "1152921504606846976"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := canonicalJSON(tt.in)
			if err != nil {
				t.Fatalf("canonicalJSON() failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("canonicalJSON() = %s, want %s", got, tt.want)
			}
		})
	}
}
