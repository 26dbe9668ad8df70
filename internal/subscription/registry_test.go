package subscription

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/confbroker/internal/cache"
	"github.com/roach88/confbroker/internal/rpc"
	"github.com/roach88/confbroker/internal/session"
	"github.com/roach88/confbroker/internal/testutil"
)

const waitTimeout = 2 * time.Second

type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) Handle(err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
	return err
}

func (l *errorLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errs)
}

type starter struct{ n atomic.Int64 }

func (s *starter) Start() { s.n.Add(1) }

type fixture struct {
	server   *testutil.Server
	cache    *cache.Cache
	registry *Registry
	errors   *errorLog
	channel  *starter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	server := testutil.NewServer(t)
	server.Result(rpc.MethodStartSubscription, nil)
	server.Result(rpc.MethodUnsubscribe, nil)
	tr, err := rpc.New(rpc.Config{BaseURL: server.URL})
	require.NoError(t, err)

	s := session.New(context.Background(), session.NewFixedGenerator("main-1.test"))
	t.Cleanup(s.Close)
	f := &fixture{
		server:  server,
		cache:   cache.New(cache.Config{}),
		errors:  &errorLog{},
		channel: &starter{},
	}
	f.registry = New(Config{Caller: tr, Errors: f.errors, Session: s, Channel: f.channel})
	return f
}

func (f *fixture) load(key string) {
	f.cache.Store(key, []cache.Record{{Keypath: key + "{1}", Fields: map[string]any{"name": "1"}}})
}

func TestTrack_SubscribesAfterFirstResult(t *testing.T) {
	f := newFixture(t)
	f.server.Result(rpc.MethodSubscribeCdbOper, map[string]any{"handle": "h1"})

	entry, _ := f.cache.Acquire("/devices/device")
	f.registry.Track(entry, "/devices/device")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, f.server.Count(rpc.MethodSubscribeCdbOper), "nothing before the first result")

	f.load("/devices/device")
	require.True(t, f.server.WaitCount(rpc.MethodStartSubscription, 1, waitTimeout))

	subscribe := f.server.Calls(rpc.MethodSubscribeCdbOper)
	require.Len(t, subscribe, 1)
	assert.Equal(t, "/devices/device", subscribe[0].String("path"))
	assert.Equal(t, "main-1.test", subscribe[0].String("comet_id"))
	assert.Equal(t, "h1", f.server.Calls(rpc.MethodStartSubscription)[0].String("handle"))
	assert.Equal(t, int64(1), f.channel.n.Load())

	assert.Eventually(t, func() bool { return len(f.registry.Active()) == 1 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, Subscription{
		Handle: json.RawMessage(`"h1"`),
		Path:   "/devices/device",
		Owner:  "/devices/device",
	}, f.registry.Active()[0])

	f.cache.Release("/devices/device")
	require.True(t, f.server.WaitCount(rpc.MethodUnsubscribe, 1, waitTimeout))
	assert.Equal(t, "h1", f.server.Calls(rpc.MethodUnsubscribe)[0].String("handle"))

	require.NoError(t, f.registry.Close(context.Background()))
	assert.Equal(t, 1, f.server.Count(rpc.MethodUnsubscribe), "exactly one unsubscribe")
	assert.Empty(t, f.registry.Active())
}

func TestTrack_EvictedBeforeSubscribeResolves(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.server.Handle(rpc.MethodSubscribeCdbOper, testutil.Block(release, map[string]any{"handle": 7}))

	entry, _ := f.cache.Acquire("/q")
	f.registry.Track(entry, "/q")
	f.load("/q")
	require.True(t, f.server.WaitCount(rpc.MethodSubscribeCdbOper, 1, waitTimeout))

	f.cache.Release("/q")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, f.server.Count(rpc.MethodUnsubscribe), "unsubscribe waits for the handle")

	close(release)
	require.True(t, f.server.WaitCount(rpc.MethodUnsubscribe, 1, waitTimeout))
	require.NoError(t, f.registry.Close(context.Background()))

	assert.Equal(t, 1, f.server.Count(rpc.MethodUnsubscribe))
	assert.Equal(t, int64(7), f.server.Calls(rpc.MethodUnsubscribe)[0].Int("handle"))
	assert.Equal(t, 0, f.server.Count(rpc.MethodStartSubscription), "an evicted query is never started")
	assert.Empty(t, f.registry.Active())
}

func TestTrack_ErrorOfAbandonedSubscribeIsDiscarded(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.server.Handle(rpc.MethodSubscribeCdbOper, func(ctx context.Context, _ map[string]any) (any, *testutil.Error) {
		<-release
		return nil, &testutil.Error{Message: "subscription limit reached"}
	})

	entry, _ := f.cache.Acquire("/q")
	f.registry.Track(entry, "/q")
	f.load("/q")
	require.True(t, f.server.WaitCount(rpc.MethodSubscribeCdbOper, 1, waitTimeout))
	f.cache.Release("/q")
	close(release)

	require.NoError(t, f.registry.Close(context.Background()))
	assert.Equal(t, 0, f.errors.count())
	assert.Equal(t, 0, f.server.Count(rpc.MethodUnsubscribe), "no handle, nothing to unsubscribe")
}

func TestTrack_RelevantSubscribeErrorIsClassified(t *testing.T) {
	f := newFixture(t)
	f.server.Fail(rpc.MethodSubscribeCdbOper, testutil.Error{Message: "subscription limit reached"})

	entry, _ := f.cache.Acquire("/q")
	f.registry.Track(entry, "/q")
	f.load("/q")

	assert.Eventually(t, func() bool { return f.errors.count() == 1 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, 0, f.server.Count(rpc.MethodStartSubscription))
}

func TestTrack_EvictedBeforeFirstResult(t *testing.T) {
	f := newFixture(t)
	f.server.Result(rpc.MethodSubscribeCdbOper, map[string]any{"handle": "h1"})

	entry, _ := f.cache.Acquire("/q")
	f.registry.Track(entry, "/q")
	f.cache.Release("/q")

	require.NoError(t, f.registry.Close(context.Background()))
	assert.Empty(t, f.server.Methods())
	assert.Equal(t, int64(0), f.channel.n.Load())
}

func TestClose_UnsubscribesAll(t *testing.T) {
	f := newFixture(t)
	var handles atomic.Int64
	f.server.Handle(rpc.MethodSubscribeCdbOper, func(context.Context, map[string]any) (any, *testutil.Error) {
		return map[string]any{"handle": handles.Add(1)}, nil
	})

	for _, key := range []string{"/a", "/b"} {
		entry, _ := f.cache.Acquire(key)
		f.registry.Track(entry, key)
		f.load(key)
	}
	require.True(t, f.server.WaitCount(rpc.MethodStartSubscription, 2, waitTimeout))

	require.NoError(t, f.registry.Close(context.Background()))
	assert.Equal(t, 2, f.server.Count(rpc.MethodUnsubscribe))
	var got []int64
	for _, call := range f.server.Calls(rpc.MethodUnsubscribe) {
		got = append(got, call.Int("handle"))
	}
	assert.ElementsMatch(t, []int64{1, 2}, got)

	// Evicting after close does not unsubscribe again; tracking is refused.
	f.cache.Release("/a")
	entry, _ := f.cache.Acquire("/c")
	f.registry.Track(entry, "/c")
	f.load("/c")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, f.server.Count(rpc.MethodUnsubscribe))
	assert.Equal(t, 2, f.server.Count(rpc.MethodSubscribeCdbOper))
	require.NoError(t, f.registry.Close(context.Background()))
}
