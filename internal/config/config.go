// Package config loads broker configuration.
//
// A configuration file is YAML. Before it is decoded it is unified with an
// embedded CUE schema that closes the set of fields, checks their shapes and
// fills in defaults. Command-line flags are merged in as overrides before
// validation, so a flag and a file field are checked the same way.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// EnvConfig names the configuration file when no --config flag is given.
const EnvConfig = "CONFBROKER_CONFIG"

//go:embed schema.cue
var schemaCUE string

// Config is a validated broker configuration.
type Config struct {
	BaseURL          string
	Endpoint         string
	LoginURL         string
	CommitManagerURL string
	TransactionTag   string
	CometPrefix      string
	// KeepUnused delays eviction of queries nobody holds.
	KeepUnused time.Duration
	// RequestTimeout bounds every call except comet. Zero means unbounded.
	RequestTimeout time.Duration
	// Journal is the SQLite journal path. Empty disables journaling.
	Journal string
}

// file mirrors the schema; CUE decodes through json tags.
type file struct {
	BaseURL          string `json:"base_url"`
	Endpoint         string `json:"endpoint"`
	LoginURL         string `json:"login_url"`
	CommitManagerURL string `json:"commit_manager_url"`
	TransactionTag   string `json:"transaction_tag"`
	CometPrefix      string `json:"comet_prefix"`
	KeepUnused       string `json:"keep_unused"`
	RequestTimeout   string `json:"request_timeout"`
	Journal          string `json:"journal,omitempty"`
}

// Path returns the configuration file to read: flag if set, else the
// EnvConfig variable. Empty means no file.
func Path(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv(EnvConfig)
}

// Load reads the YAML file at path (if path is non-empty), applies
// overrides on top of it and validates the result.
//
// Override keys are the YAML field names; empty string values are skipped
// so unset flags never clobber file values.
func Load(path string, overrides map[string]string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	cfg, err := Parse(data, overrides)
	if err != nil && path != "" {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, err
}

// Parse validates YAML data with overrides applied.
func Parse(data []byte, overrides map[string]string) (*Config, error) {
	fields := map[string]any{}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
		if fields == nil {
			fields = map[string]any{}
		}
	}
	for k, v := range overrides {
		if v != "" {
			fields[k] = v
		}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("config: compile schema: %w", err)
	}

	value := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(fields))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("config: %s", strings.Join(details(err), "; "))
	}

	var f file
	if err := value.Decode(&f); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return f.resolve()
}

func (f file) resolve() (*Config, error) {
	keepUnused, err := parseDuration("keep_unused", f.KeepUnused)
	if err != nil {
		return nil, err
	}
	timeout, err := parseDuration("request_timeout", f.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return &Config{
		BaseURL:          strings.TrimRight(f.BaseURL, "/"),
		Endpoint:         f.Endpoint,
		LoginURL:         f.LoginURL,
		CommitManagerURL: f.CommitManagerURL,
		TransactionTag:   f.TransactionTag,
		CometPrefix:      f.CometPrefix,
		KeepUnused:       keepUnused,
		RequestTimeout:   timeout,
		Journal:          f.Journal,
	}, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s: must not be negative", field)
	}
	return d, nil
}

// details flattens a CUE error list into one message per problem.
func details(err error) []string {
	var out []string
	for _, e := range cueerrors.Errors(err) {
		out = append(out, e.Error())
	}
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	return out
}

// URL resolves a server-relative path (login_url, commit_manager_url)
// against BaseURL. Absolute URLs are returned unchanged.
func (c *Config) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.BaseURL + "/" + strings.TrimLeft(path, "/")
}
