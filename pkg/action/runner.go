// Package action invokes named, authority-side operations on single artifacts
// and tracks each call site's pending/result/error lifecycle.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"lensboard/pkg/artifact"
	"lensboard/pkg/transport"
)

// ErrAction matches every failure reported by a Call.
var ErrAction = errors.New("action failed")

var invocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lens",
	Subsystem: "action",
	Name:      "invocations_total",
	Help:      "Action invocations by domain and outcome.",
}, []string{"domain", "outcome"})

// Error describes a failed invocation.
type Error struct {
	Domain string
	ID     string
	Action string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("action %s on %s/%s: %v", e.Action, e.Domain, e.ID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes every *Error match ErrAction.
func (e *Error) Is(target error) bool {
	return target == ErrAction
}

// Result is the authority's answer. The payload is passed through untouched.
type Result struct {
	Result json.RawMessage `json:"result"`
}

// State is the lifecycle of the most recent invocation of a Call.
type State struct {
	Pending bool
	Result  *Result
	Err     error
}

// Outcome is delivered by Call.Go.
type Outcome struct {
	Result Result
	Err    error
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// Runner binds calls to domains. It holds no per-invocation state itself.
type Runner struct {
	invoker transport.Invoker
	logger  zerolog.Logger
}

// NewRunner creates a runner that sends requests through inv.
func NewRunner(inv transport.Invoker, opts ...Option) (*Runner, error) {
	if inv == nil {
		return nil, errors.New("invoker is required")
	}
	r := &Runner{invoker: inv, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run returns a new call site bound to domain. Each call site tracks its own
// state; separate call sites never affect each other.
func (r *Runner) Run(domain string) *Call {
	return &Call{
		runner: r,
		domain: strings.TrimSpace(domain),
		logger: r.logger.With().Str("domain", domain).Logger(),
	}
}

// Call is one call site bound to a domain.
type Call struct {
	runner *Runner
	domain string
	logger zerolog.Logger

	mu    sync.Mutex
	seq   uint64
	state State
}

// Domain returns the bound domain.
func (c *Call) Domain() string {
	return c.domain
}

// Pending reports whether the most recent invocation is still in flight.
func (c *Call) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Pending
}

// State returns the lifecycle of the most recent invocation.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Do invokes action on the artifact id and waits for the answer. It is fire
// once: no retries are attempted.
func (c *Call) Do(ctx context.Context, id, action string) (Result, error) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.state = State{Pending: true}
	c.mu.Unlock()

	res, err := c.invoke(ctx, id, action)

	c.mu.Lock()
	if seq == c.seq {
		c.state = State{Err: err}
		if err == nil {
			r := res
			c.state.Result = &r
		}
	}
	c.mu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		c.logger.Warn().Err(err).Str("id", id).Str("action", action).Msg("action failed")
	} else {
		c.logger.Debug().Str("id", id).Str("action", action).Msg("action completed")
	}
	invocationsTotal.WithLabelValues(c.domain, outcome).Inc()
	return res, err
}

// Go runs Do in a new goroutine. The channel receives exactly one outcome.
func (c *Call) Go(ctx context.Context, id, action string) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		res, err := c.Do(ctx, id, action)
		ch <- Outcome{Result: res, Err: err}
	}()
	return ch
}

func (c *Call) invoke(ctx context.Context, id, action string) (res Result, err error) {
	fail := func(cause error) *Error {
		return &Error{Domain: c.domain, ID: id, Action: action, Err: cause}
	}

	defer func() {
		if p := recover(); p != nil {
			res, err = Result{}, fail(fmt.Errorf("panic: %v", p))
		}
	}()

	id = strings.TrimSpace(id)
	action = strings.TrimSpace(action)
	if c.domain == "" || id == "" || action == "" {
		return Result{}, fail(fmt.Errorf("%w: domain, id and action are required", artifact.ErrInvalid))
	}

	payload, err := c.runner.invoker.Invoke(ctx, artifact.ActionRequest{Domain: c.domain, ID: id, Action: action})
	if err != nil {
		return Result{}, fail(err)
	}
	return Result{Result: payload}, nil
}
