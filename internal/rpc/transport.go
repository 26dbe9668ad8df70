package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultEndpoint is the path under the base URL that all methods hang off.
const DefaultEndpoint = "/jsonrpc"

// Caller issues one call and returns its result payload.
//
// Implemented by *Transport and by the classify guard that wraps it.
type Caller interface {
	Call(ctx context.Context, method string, params Params) (json.RawMessage, error)
}

// CallRecord describes one finished call. Handed to an Observer after the
// response (or failure) is known.
type CallRecord struct {
	ID       int64
	Method   string
	Params   Params
	Started  time.Time
	Duration time.Duration
	Err      error
}

// Observer is notified of every finished call. ObserveCall runs on the
// caller's goroutine and must not block.
type Observer interface {
	ObserveCall(CallRecord)
}

// Config holds configuration for creating a Transport.
type Config struct {
	// BaseURL is the datastore's web server (e.g., "http://localhost:8080").
	BaseURL string
	// Endpoint is the JSON-RPC path. Defaults to DefaultEndpoint.
	Endpoint string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Timeout bounds every call except comet. Zero means unbounded.
	Timeout time.Duration
	// Observer, if set, sees every finished call.
	Observer Observer
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport is the JSON-RPC client. Safe for concurrent use.
type Transport struct {
	url        string
	httpClient *http.Client
	timeout    time.Duration
	ids        *Clock
	observer   Observer
	logger     *slog.Logger
}

// New creates a Transport.
func New(config Config) (*Transport, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("rpc: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("rpc: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{
		url:        strings.TrimRight(config.BaseURL, "/") + "/" + strings.Trim(endpoint, "/"),
		httpClient: httpClient,
		timeout:    config.Timeout,
		ids:        NewClock(),
		observer:   config.Observer,
		logger:     logger,
	}, nil
}

// LastID returns the most recently issued request id.
func (t *Transport) LastID() int64 {
	return t.ids.Current()
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  Params `json:"params"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

// Call sends method with params and waits for the response.
//
// A string "path" param has its composite keys quoted (see RewriteKeys).
// On an error response the returned error is an *Error; the result is nil.
func (t *Transport) Call(ctx context.Context, method string, params Params) (json.RawMessage, error) {
	req := request{
		JSONRPC: "2.0",
		ID:      t.ids.Next(),
		Method:  method,
		Params:  prepareParams(params),
	}

	if t.timeout > 0 && method != MethodComet {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	started := time.Now()
	result, err := t.roundTrip(ctx, req)
	if t.observer != nil {
		t.observer.ObserveCall(CallRecord{
			ID:       req.ID,
			Method:   method,
			Params:   req.Params,
			Started:  started,
			Duration: time.Since(started),
			Err:      err,
		})
	}
	if err != nil {
		t.logger.Debug("rpc call failed", "method", method, "id", req.ID, "error", err)
		return nil, err
	}
	t.logger.Debug("rpc call", "method", method, "id", req.ID, "duration", time.Since(started))
	return result, nil
}

func (t *Transport) roundTrip(ctx context.Context, req request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, transportError(req.Method, fmt.Errorf("marshal request: %w", err))
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url+"/"+req.Method, bytes.NewReader(body))
	if err != nil {
		return nil, transportError(req.Method, fmt.Errorf("build request: %w", err))
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := t.httpClient.Do(httpRequest)
	if err != nil {
		return nil, transportError(req.Method, err)
	}
	defer httpResponse.Body.Close()

	raw, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, transportError(req.Method, fmt.Errorf("read response: %w", err))
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return nil, transportError(req.Method, fmt.Errorf("http status %d", httpResponse.StatusCode))
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, transportError(req.Method, fmt.Errorf("decode response: %w", err))
	}
	if resp.Error != nil {
		return nil, decodeError(req.Method, resp.Error)
	}
	return resp.Result, nil
}

// prepareParams drops nil values and quotes composite keys in the path.
func prepareParams(params Params) Params {
	out := make(Params, len(params))
	for k, v := range params {
		if v == nil {
			continue
		}
		out[k] = v
	}
	if path, ok := out["path"].(string); ok {
		out["path"] = RewriteKeys(path)
	}
	return out
}
