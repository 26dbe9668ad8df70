// Package classify decides what happens to a failed datastore call.
//
// Every call made by the broker, including the ones it makes on its own to
// manage transactions and subscriptions, passes through a Guard. The guard
// maps the call's *rpc.Error to one of four outcomes:
//
//   - session invalid: redirect to the login boundary, abort the caller
//   - validation failed: redirect to the commit review boundary, abort the
//     caller; write transactions are left alone so the edit can resume
//   - not found: swallow; the call returns a nil result and no error
//   - anything else: notify the global error notifier, abort the caller
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/confbroker/internal/rpc"
)

// Outcome is the classifier's verdict on an error.
type Outcome int

const (
	// OutcomeRaise notifies and returns the error.
	OutcomeRaise Outcome = iota
	// OutcomeSwallow absorbs the error.
	OutcomeSwallow
	// OutcomeRedirectLogin sends the client to the login boundary.
	OutcomeRedirectLogin
	// OutcomeRedirectCommitReview sends the client to the commit review boundary.
	OutcomeRedirectCommitReview
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRaise:
		return "raise"
	case OutcomeSwallow:
		return "swallow"
	case OutcomeRedirectLogin:
		return "redirect_login"
	case OutcomeRedirectCommitReview:
		return "redirect_commit_review"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Boundary is a place outside the broker the client is sent to.
type Boundary int

const (
	BoundaryLogin Boundary = iota + 1
	BoundaryCommitReview
)

func (b Boundary) String() string {
	switch b {
	case BoundaryLogin:
		return "login"
	case BoundaryCommitReview:
		return "commit_review"
	default:
		return fmt.Sprintf("boundary(%d)", int(b))
	}
}

// Target is a redirect destination.
type Target struct {
	Boundary Boundary
	URL      string
}

// Redirector performs a full client redirect.
type Redirector interface {
	Redirect(Target)
}

// RedirectorFunc adapts a function to Redirector.
type RedirectorFunc func(Target)

func (f RedirectorFunc) Redirect(t Target) { f(t) }

// Notifier receives errors that must be shown to the user.
type Notifier interface {
	NotifyError(message string, data json.RawMessage)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(message string, data json.RawMessage)

func (f NotifierFunc) NotifyError(message string, data json.RawMessage) { f(message, data) }

// RedirectError is returned to the caller of a call that triggered a
// redirect. The caller must treat it as terminal.
type RedirectError struct {
	Target Target
	Err    error
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("redirect to %s (%s): %v", e.Target.Boundary, e.Target.URL, e.Err)
}

func (e *RedirectError) Unwrap() error {
	return e.Err
}

// IsRedirect reports whether err is a *RedirectError to boundary b.
func IsRedirect(err error, b Boundary) bool {
	var re *RedirectError
	if errors.As(err, &re) {
		return re.Target.Boundary == b
	}
	return false
}

// Config holds configuration for creating a Classifier.
type Config struct {
	LoginURL         string
	CommitManagerURL string
	// Redirector defaults to logging the target.
	Redirector Redirector
	// Notifier defaults to logging the message.
	Notifier Notifier
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Classifier applies the outcome of an error.
type Classifier struct {
	login        Target
	commitReview Target
	redirector   Redirector
	notifier     Notifier
	logger       *slog.Logger
}

// New creates a Classifier.
func New(config Config) *Classifier {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{
		login:        Target{Boundary: BoundaryLogin, URL: config.LoginURL},
		commitReview: Target{Boundary: BoundaryCommitReview, URL: config.CommitManagerURL},
		redirector:   config.Redirector,
		notifier:     config.Notifier,
		logger:       logger,
	}
	if c.redirector == nil {
		c.redirector = RedirectorFunc(func(t Target) {
			logger.Warn("redirect", "boundary", t.Boundary.String(), "url", t.URL)
		})
	}
	if c.notifier == nil {
		c.notifier = NotifierFunc(func(message string, data json.RawMessage) {
			logger.Error("datastore error", "message", message, "data", string(data))
		})
	}
	return c
}

// Classify returns the outcome for err without acting on it. Errors that
// are not *rpc.Error are raised.
func Classify(err error) Outcome {
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) {
		return OutcomeRaise
	}
	switch rpcErr.Kind {
	case rpc.KindSessionInvalid:
		return OutcomeRedirectLogin
	case rpc.KindValidationFailed:
		return OutcomeRedirectCommitReview
	case rpc.KindNotFound:
		return OutcomeSwallow
	case rpc.KindApplication, rpc.KindTransport:
		return OutcomeRaise
	default:
		return OutcomeRaise
	}
}

// Handle acts on err and returns what the caller should see: nil when the
// error is swallowed, a *RedirectError on redirect, err itself otherwise.
func (c *Classifier) Handle(err error) error {
	if err == nil {
		return nil
	}
	switch Classify(err) {
	case OutcomeSwallow:
		c.logger.Debug("swallowed not-found error", "error", err)
		return nil
	case OutcomeRedirectLogin:
		c.redirector.Redirect(c.login)
		return &RedirectError{Target: c.login, Err: err}
	case OutcomeRedirectCommitReview:
		c.redirector.Redirect(c.commitReview)
		return &RedirectError{Target: c.commitReview, Err: err}
	default:
		message, data := err.Error(), json.RawMessage(nil)
		var rpcErr *rpc.Error
		if errors.As(err, &rpcErr) {
			message, data = rpcErr.Message, rpcErr.Data
		}
		c.notifier.NotifyError(message, data)
		return err
	}
}

// Guard is an rpc.Caller that classifies the errors of the caller it wraps.
type Guard struct {
	next       rpc.Caller
	classifier *Classifier
}

// Wrap returns a Guard around next.
func (c *Classifier) Wrap(next rpc.Caller) *Guard {
	return &Guard{next: next, classifier: c}
}

// Call forwards to the wrapped caller and classifies its error. A call whose
// context is already done is returned as-is: an abandoned call has nobody
// left to notify.
func (g *Guard) Call(ctx context.Context, method string, params rpc.Params) (json.RawMessage, error) {
	result, err := g.next.Call(ctx, method, params)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	return nil, g.classifier.Handle(err)
}
