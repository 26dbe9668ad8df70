// Package testutil provides a fake JSON-RPC datastore for tests.
//
// Server records every call it receives, in arrival order, before running the
// handler registered for the method. Handlers may block; they should select
// on ctx.Done() so that the server can shut down when the test ends.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// Endpoint is the JSON-RPC path served by Server.
const Endpoint = "/jsonrpc"

// Error is an error object returned by a handler.
type Error struct {
	Type    string `json:"type,omitempty"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Handler answers one call. Returning a non-nil *Error sends an error
// response; otherwise result is sent as the result payload.
type Handler func(ctx context.Context, params map[string]any) (result any, rpcErr *Error)

// Call is a recorded request.
type Call struct {
	ID     int64
	Method string
	Params map[string]any
}

// Int returns the numeric param key, or -1 if it is absent.
func (c Call) Int(key string) int64 {
	if v, ok := c.Params[key].(float64); ok {
		return int64(v)
	}
	return -1
}

// String returns the string param key, or "" if it is absent.
func (c Call) String(key string) string {
	s, _ := c.Params[key].(string)
	return s
}

// Server is a fake datastore.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
	done     chan struct{}
	changed  chan struct{}
}

// NewServer starts a server that shuts down when t completes.
func NewServer(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
		changed:  make(chan struct{}, 1),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(func() {
		close(s.done)
		s.Server.Close()
	})
	return s
}

// Handle registers h for method, replacing any earlier handler.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Result makes method always answer with result.
func (s *Server) Result(method string, result any) {
	s.Handle(method, func(context.Context, map[string]any) (any, *Error) {
		return result, nil
	})
}

// Fail makes method always answer with the error e.
func (s *Server) Fail(method string, e Error) {
	s.Handle(method, func(context.Context, map[string]any) (any, *Error) {
		return nil, &e
	})
}

// Calls returns the recorded calls of method (all calls if method is "").
func (s *Server) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of recorded calls of method.
func (s *Server) Count(method string) int {
	return len(s.Calls(method))
}

// Methods returns the recorded method names in arrival order.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Method
	}
	return out
}

// WaitCount blocks until method has been called at least n times or the
// timeout expires. Returns whether the count was reached.
func (s *Server) WaitCount(method string, n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if s.Count(method) >= n {
			return true
		}
		select {
		case <-s.changed:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			return s.Count(method) >= n
		}
	}
}

// Block returns a handler that waits until release is closed (or the
// request is abandoned) and then answers with result.
func Block(release <-chan struct{}, result any) Handler {
	return func(ctx context.Context, _ map[string]any) (any, *Error) {
		select {
		case <-release:
			return result, nil
		case <-ctx.Done():
			return nil, &Error{Message: "abandoned"}
		}
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64          `json:"id"`
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.URL.Path != Endpoint+"/"+req.Method || !strings.HasPrefix(r.URL.Path, Endpoint) {
		http.Error(w, "method/path mismatch", http.StatusNotFound)
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{ID: req.ID, Method: req.Method, Params: req.Params})
	h := s.handlers[req.Method]
	s.mu.Unlock()
	select {
	case s.changed <- struct{}{}:
	default:
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var result any
	var rpcErr *Error
	if h != nil {
		result, rpcErr = h(ctx, req.Params)
	}

	body := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		body["error"] = rpcErr
	} else {
		body["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
