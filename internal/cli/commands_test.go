package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/confbroker/internal/config"
	"github.com/roach88/confbroker/internal/rpc"
	"github.com/roach88/confbroker/internal/testutil"
)

// newDatastore starts a fake datastore holding one read transaction (th 1)
// and one edit transaction (th 2).
func newDatastore(t *testing.T) *testutil.Server {
	t.Helper()
	t.Setenv(config.EnvConfig, "")
	server := testutil.NewServer(t)
	server.Result(rpc.MethodGetTrans, map[string]any{"trans": []any{
		map[string]any{"db": "running", "th": 1, "mode": "read"},
		map[string]any{"db": "running", "th": 2, "mode": "read_write"},
	}})
	for _, method := range []string{
		rpc.MethodSetValue, rpc.MethodCreate, rpc.MethodDelete, rpc.MethodDeleteTrans,
		rpc.MethodValidateCommit, rpc.MethodCommit, rpc.MethodLogout,
		rpc.MethodStartSubscription, rpc.MethodUnsubscribe,
	} {
		server.Result(method, nil)
	}
	return server
}

type result struct {
	code   int
	stdout string
	stderr string
}

// run executes the CLI against server. Safe to call from a goroutine.
func run(t *testing.T, server *testutil.Server, args ...string) result {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	full := append([]string{"--base-url", server.URL}, args...)
	code := Execute(full, stdout, stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func TestGet(t *testing.T) {
	server := newDatastore(t)
	server.Result(rpc.MethodGetValue, map[string]any{"value": "10.0.0.1"})

	res := run(t, server, "get", "/devices/device{ce0}/address")

	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Equal(t, "10.0.0.1\n", res.stdout)
	calls := server.Calls(rpc.MethodGetValue)
	require.Len(t, calls, 1)
	assert.Equal(t, "/devices/device{ce0}/address", calls[0].String("path"))
	assert.NotEqual(t, int64(-1), calls[0].Int("th"))
}

func TestGet_JSON(t *testing.T) {
	server := newDatastore(t)
	server.Result(rpc.MethodGetValue, map[string]any{"value": "10.0.0.1"})

	res := run(t, server, "--format", "json", "get", "/devices/device{ce0}/address")

	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.JSONEq(t,
		`{"status":"ok","data":{"keypath":"/devices/device{ce0}/address","value":"10.0.0.1"}}`,
		res.stdout)
}

func TestGet_SessionInvalidExitsWithLoginCode(t *testing.T) {
	server := newDatastore(t)
	server.Fail(rpc.MethodGetTrans, testutil.Error{Type: rpc.TypeInvalidSession, Message: "Session invalid"})

	res := run(t, server, "get", "/devices/device{ce0}/address")

	assert.Equal(t, ExitLoginRequired, res.code)
	assert.Contains(t, res.stderr, "login required at "+server.URL+"/login.html")
	assert.Equal(t, 0, server.Count(rpc.MethodGetValue))
}

func TestSet(t *testing.T) {
	server := newDatastore(t)

	res := run(t, server, "set", "/devices/device{ce0}", "port", "830", "--json")

	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Equal(t, "ok\n", res.stdout)
	calls := server.Calls(rpc.MethodSetValue)
	require.Len(t, calls, 1)
	assert.Equal(t, "/devices/device{ce0}/port", calls[0].String("path"))
	assert.Equal(t, float64(830), calls[0].Params["value"])
	assert.Equal(t, int64(2), calls[0].Int("th"))
}

func TestSet_InvalidJSON(t *testing.T) {
	server := newDatastore(t)

	res := run(t, server, "set", "/devices/device{ce0}", "port", "{", "--json")

	assert.Equal(t, ExitCommandError, res.code)
	assert.Equal(t, 0, server.Count(rpc.MethodSetValue))
}

func TestCreateAndDelete(t *testing.T) {
	server := newDatastore(t)

	res := run(t, server, "create", "/devices/device", "ce9")
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	res = run(t, server, "delete", "/devices/device{ce9}")
	require.Equal(t, ExitSuccess, res.code, res.stderr)

	assert.Equal(t, "/devices/device{ce9}", server.Calls(rpc.MethodCreate)[0].String("path"))
	assert.Equal(t, "/devices/device{ce9}", server.Calls(rpc.MethodDelete)[0].String("path"))
}

func TestQuery(t *testing.T) {
	server := newDatastore(t)
	server.Result(rpc.MethodQuery, map[string]any{"results": []any{
		[]any{
			map[string]any{"keypath": "/a/b{x}/name", "value": "x"},
			map[string]any{"value": "topA"},
		},
	}})

	res := run(t, server, "query", "/a/b", "--select", "name,../topology")

	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Equal(t, "/a/b{x}\n  name: x\n  topology: topA\n\n", res.stdout)
	calls := server.Calls(rpc.MethodQuery)
	require.Len(t, calls, 1)
	assert.Equal(t, "/a/b", calls[0].String("xpath_expr"))
	assert.Equal(t, "keypath-value", calls[0].String("result_as"))
}

func TestQuery_RequiresSelection(t *testing.T) {
	server := newDatastore(t)

	res := run(t, server, "query", "/a/b")

	assert.Equal(t, ExitCommandError, res.code)
	assert.Contains(t, res.stderr, "required flag")
}

func TestAction(t *testing.T) {
	server := newDatastore(t)
	server.Result(rpc.MethodAction, []any{
		map[string]any{"name": "result", "value": "true"},
		map[string]any{"name": "info", "value": "synced"},
	})

	res := run(t, server, "action", "/devices/sync-from", "device=ce0", "--write")

	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Equal(t, "info: synced\nresult: true\n", res.stdout)
	calls := server.Calls(rpc.MethodAction)
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"device": "ce0"}, calls[0].Params["params"])
	assert.Equal(t, int64(2), calls[0].Int("th"))
}

func TestAction_NoParams(t *testing.T) {
	server := newDatastore(t)
	server.Result(rpc.MethodAction, map[string]any{"ok": true})

	res := run(t, server, "action", "/devices/device{ce0}/ping")

	require.Equal(t, ExitSuccess, res.code, res.stderr)
	_, sent := server.Calls(rpc.MethodAction)[0].Params["params"]
	assert.False(t, sent)
}

func TestAction_BadParam(t *testing.T) {
	server := newDatastore(t)

	res := run(t, server, "action", "/x", "novalue")

	assert.Equal(t, ExitCommandError, res.code)
	assert.Equal(t, 0, server.Count(rpc.MethodAction))
}

func TestChanges(t *testing.T) {
	server := newDatastore(t)
	server.Result(rpc.MethodGetTransChanges, map[string]any{"changes": []any{map[string]any{}, map[string]any{}}})

	res := run(t, server, "changes")

	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Equal(t, "2 pending changes\n", res.stdout)
	assert.Equal(t, "compact", server.Calls(rpc.MethodGetTransChanges)[0].String("output"))
}

func TestApply(t *testing.T) {
	server := newDatastore(t)

	res := run(t, server, "apply")

	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Equal(t, "applied\n", res.stdout)
	assert.Equal(t, 1, server.Count(rpc.MethodValidateCommit))
	assert.Equal(t, 1, server.Count(rpc.MethodCommit))
}

func TestApply_ValidationFailureExitsWithReviewCode(t *testing.T) {
	server := newDatastore(t)
	server.Fail(rpc.MethodValidateCommit, testutil.Error{Message: rpc.MessageValidationFailed})

	res := run(t, server, "apply")

	assert.Equal(t, ExitCommitReview, res.code)
	assert.Contains(t, res.stderr, "review the edit at "+server.URL+"/webui-one/CommitManager")
	assert.Equal(t, 0, server.Count(rpc.MethodCommit))
}

func TestRevert(t *testing.T) {
	server := newDatastore(t)

	res := run(t, server, "revert")

	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Equal(t, 1, server.Count(rpc.MethodDeleteTrans))
	assert.Equal(t, int64(2), server.Calls(rpc.MethodDeleteTrans)[0].Int("th"))
}

func TestSetting(t *testing.T) {
	server := newDatastore(t)
	server.Result(rpc.MethodGetSystemSetting, "6.1.2")

	res := run(t, server, "setting", "version")

	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Equal(t, "6.1.2\n", res.stdout)
	assert.Equal(t, "version", server.Calls(rpc.MethodGetSystemSetting)[0].String("operation"))
}

func TestLogout(t *testing.T) {
	server := newDatastore(t)

	res := run(t, server, "logout")

	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Equal(t, 1, server.Count(rpc.MethodLogout))
}

func TestApplicationErrorExitsWithFailure(t *testing.T) {
	server := newDatastore(t)
	server.Fail(rpc.MethodDelete, testutil.Error{Type: "data.locked", Message: "locked"})

	res := run(t, server, "delete", "/devices/device{ce0}")

	assert.Equal(t, ExitFailure, res.code)
	assert.Contains(t, res.stderr, "request failed")
}

func TestWatch(t *testing.T) {
	server := newDatastore(t)
	server.Result(rpc.MethodQuery, map[string]any{"results": []any{
		[]any{map[string]any{"keypath": "/a/b{x}/name", "value": "x"}},
	}})
	server.Result(rpc.MethodSubscribeCdbOper, map[string]any{"handle": "h1"})
	var polls atomic.Int64
	server.Handle(rpc.MethodComet, func(ctx context.Context, _ map[string]any) (any, *testutil.Error) {
		if polls.Add(1) == 1 {
			// Push only once the subscription is running, well after the
			// first print.
			server.WaitCount(rpc.MethodStartSubscription, 1, 2*time.Second)
			return []any{map[string]any{"message": map[string]any{"changes": []any{
				map[string]any{"keypath": "/a/b{x}/name", "op": "value_set", "value": "y"},
			}}}}, nil
		}
		<-ctx.Done()
		return nil, &testutil.Error{Message: "abandoned"}
	})

	done := make(chan result, 1)
	go func() {
		done <- run(t, server, "--format", "json", "watch", "/a/b", "--select", "name", "--updates", "1")
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not exit after one update")
	}

	require.Equal(t, ExitSuccess, res.code, res.stderr)
	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"status":"ok","data":[{"keypath":"/a/b{x}","name":"x"}]}`, lines[0])
	assert.JSONEq(t, `{"status":"ok","data":[{"keypath":"/a/b{x}","name":"y"}]}`, lines[1])
	assert.Equal(t, 1, server.Count(rpc.MethodQuery), "patched, not refetched")
	assert.Equal(t, 1, server.Count(rpc.MethodUnsubscribe))
	assert.Equal(t, "h1", server.Calls(rpc.MethodUnsubscribe)[0].String("handle"))
}

func TestWatch_InterruptUnsubscribes(t *testing.T) {
	server := newDatastore(t)
	server.Result(rpc.MethodQuery, map[string]any{"results": []any{
		[]any{map[string]any{"keypath": "/a/b{x}/name", "value": "x"}},
	}})
	server.Result(rpc.MethodSubscribeCdbOper, map[string]any{"handle": "h1"})
	server.Handle(rpc.MethodComet, testutil.Block(make(chan struct{}), nil))

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--base-url", server.URL, "watch", "/a/b", "--select", "name"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.True(t, server.WaitCount(rpc.MethodStartSubscription, 1, 2*time.Second))
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not exit after cancel")
	}
	require.Equal(t, 1, server.Count(rpc.MethodUnsubscribe))
	assert.Equal(t, "h1", server.Calls(rpc.MethodUnsubscribe)[0].String("handle"))
}

func TestJournalAndTrace(t *testing.T) {
	server := newDatastore(t)
	server.Result(rpc.MethodGetValue, map[string]any{"value": "x"})
	server.Fail(rpc.MethodDelete, testutil.Error{Type: rpc.TypeNotFound, Message: "Not found"})
	path := filepath.Join(t.TempDir(), "journal.db")

	res := run(t, server, "--journal", path, "get", "/a/b{x}/name")
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	res = run(t, server, "--journal", path, "delete", "/a/b{gone}")
	require.Equal(t, ExitSuccess, res.code, res.stderr)

	res = run(t, server, "--journal", path, "trace")
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Journal: "+path)
	assert.Contains(t, res.stdout, "get_trans ok")
	assert.Contains(t, res.stdout, "get_value ok")
	assert.Contains(t, res.stdout, "delete not_found")
	assert.Contains(t, res.stdout, "Sessions: 2")

	res = run(t, server, "--journal", path, "--format", "json", "trace", "--method", "get_value")
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, `"method": "get_value"`)
	assert.NotContains(t, res.stdout, `"method": "get_trans"`)
}

func TestTrace_MissingJournal(t *testing.T) {
	server := newDatastore(t)

	res := run(t, server, "--journal", filepath.Join(t.TempDir(), "absent.db"), "trace")
	assert.Equal(t, ExitCommandError, res.code)
	assert.Contains(t, res.stderr, "journal not found")

	res = run(t, server, "trace")
	assert.Equal(t, ExitCommandError, res.code)
	assert.Contains(t, res.stderr, "no journal")
}
