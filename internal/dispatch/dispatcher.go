// ABOUTME: Fans one operator command out to its target sessions and aggregates outcomes.
// ABOUTME: Enforces one shared deadline; slow or vanished agents never block the caller.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-dispatch/internal/agent"
)

// Default deadlines.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxTimeout = 10 * time.Minute
)

// Handler runs one verb against one acquired session. Errors are reported as a
// FAILED or TIMEOUT Outcome; the session is released by the dispatcher.
type Handler interface {
	Handle(ctx context.Context, s *agent.Session, cmd *Command) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s *agent.Session, cmd *Command) Outcome

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, s *agent.Session, cmd *Command) Outcome {
	return f(ctx, s, cmd)
}

// Finisher is implemented by handlers that post-process the aggregated Result
// once every target has reported, before it is recorded.
type Finisher interface {
	Finish(cmd *Command, res *Result) error
}

// Recorder persists finished dispatches.
type Recorder interface {
	RecordDispatch(ctx context.Context, cmd *Command, res *Result) error
}

// SessionSource is the part of the registry the dispatcher needs.
type SessionSource interface {
	Live() map[string]*agent.Session
}

// Config configures a Dispatcher.
type Config struct {
	Sessions       SessionSource
	Recorder       Recorder
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	// OutputDir receives shell transcripts. Empty disables them.
	OutputDir string
	Logger    *slog.Logger
}

// Dispatcher routes commands to sessions.
type Dispatcher struct {
	sessions       SessionSource
	recorder       Recorder
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	logger         *slog.Logger

	mu       sync.RWMutex
	handlers map[Verb]Handler
}

// New creates a Dispatcher with the shell and exit handlers registered.
// Transfer verbs must be registered by the caller.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sessions:       cfg.Sessions,
		recorder:       cfg.Recorder,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
		logger:         logger.With("component", "dispatch"),
		handlers:       make(map[Verb]Handler),
	}
	if d.defaultTimeout <= 0 {
		d.defaultTimeout = DefaultTimeout
	}
	if d.maxTimeout <= 0 {
		d.maxTimeout = DefaultMaxTimeout
	}

	d.Register(VerbShell, ShellHandler{OutputDir: cfg.OutputDir})
	d.Register(VerbExit, ExitHandler{})
	return d
}

// Register installs the handler for verb, replacing any previous one.
func (d *Dispatcher) Register(verb Verb, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[verb] = h
}

func (d *Dispatcher) handler(verb Verb) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[verb]
	return h, ok
}

// report is one worker's contribution to the fan-in.
type report struct {
	agentID string
	outcome Outcome
}

// Dispatch sends cmd to every target and waits until all of them answered or
// timeout elapsed. A non-positive timeout selects the default; longer ones are
// capped at the configured maximum.
//
// Only ErrInvalidSelector and ErrInvalidCommand fail the whole call. Targets
// that are not connected are FAILED, targets still working at the deadline are
// TIMEOUT, and cancelling ctx marks pending targets FAILED("cancelled"). Those
// targets are back in READY by the time Dispatch returns.
//
// Targets resolve against READY and BUSY sessions. A BUSY target is not
// FAILED("not connected"): its command queues on the session's work slot and
// runs once the current holder releases it, or times out at the deadline.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command, timeout time.Duration) (*Result, error) {
	if err := cmd.Targets.Validate(); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	h, ok := d.handler(cmd.Verb)
	if !ok {
		return nil, fmt.Errorf("%w: no handler for %s", ErrInvalidCommand, cmd.Verb)
	}
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	cmd.Args = slices.Clone(cmd.Args)
	timeout = d.clampTimeout(timeout)

	live := d.sessions.Live()
	ids, err := cmd.Targets.resolve(slices.Collect(maps.Keys(live)))
	if err != nil {
		return nil, err
	}

	res := &Result{
		CommandID: cmd.ID,
		Verb:      cmd.Verb,
		Outcomes:  make(map[string]Outcome, len(ids)),
		StartedAt: time.Now(),
	}

	logger := d.logger.With("command_id", cmd.ID, "verb", string(cmd.Verb))
	logger.Info("dispatching command",
		"targets", len(ids),
		"selector", cmd.Targets.Kind().String(),
		"timeout", timeout.String(),
	)

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reports := make(chan report, len(ids))
	pending := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s, ok := live[id]
		if !ok {
			res.Outcomes[id] = Failed("not connected")
			continue
		}
		pending[id] = struct{}{}
		go func() {
			reports <- report{agentID: id, outcome: d.execute(dctx, s, &cmd, h)}
		}()
	}

	// Workers still running at the deadline keep their expired outcome, but
	// Dispatch waits for them so every target is released before it returns.
	deadline := dctx.Done()
	expired := make(map[string]bool)
	for len(pending) > 0 {
		select {
		case r := <-reports:
			if !expired[r.agentID] {
				res.Outcomes[r.agentID] = r.outcome
			}
			delete(pending, r.agentID)
		case <-deadline:
			deadline = nil
			out := Timeout()
			if errors.Is(ctx.Err(), context.Canceled) {
				out = Failed("cancelled")
			}
			for id := range pending {
				res.Outcomes[id] = out
				expired[id] = true
			}
		}
	}
	res.FinishedAt = time.Now()

	if f, ok := h.(Finisher); ok {
		if err := f.Finish(&cmd, res); err != nil {
			logger.Warn("failed to finish dispatch", "error", err)
		}
	}

	succeeded, failed, timedOut := res.Counts()
	logger.Info("dispatch complete",
		"succeeded", succeeded,
		"failed", failed,
		"timed_out", timedOut,
		"duration", res.Duration().Round(time.Millisecond).String(),
	)

	if d.recorder != nil {
		if err := d.recorder.RecordDispatch(context.WithoutCancel(ctx), &cmd, res); err != nil {
			logger.Warn("failed to record dispatch", "error", err)
		}
	}
	return res, nil
}

// execute holds s for the duration of one handler call.
func (d *Dispatcher) execute(ctx context.Context, s *agent.Session, cmd *Command, h Handler) Outcome {
	if err := s.Acquire(ctx, cmd.ID); err != nil {
		return OutcomeFromError(err)
	}
	defer s.Release(cmd.ID)

	out := h.Handle(ctx, s, cmd)
	if out.Status == StatusFailed {
		d.logger.Debug("command failed on agent",
			"command_id", cmd.ID,
			"agent_id", s.ID,
			"reason", out.Reason,
		)
	}
	return out
}

func (d *Dispatcher) clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return d.defaultTimeout
	}
	return min(timeout, d.maxTimeout)
}

// OutcomeFromError maps an error from a session operation to an Outcome.
func OutcomeFromError(err error) Outcome {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout()
	case errors.Is(err, context.Canceled):
		return Failed("cancelled")
	case errors.Is(err, agent.ErrSessionClosed):
		return Failed("session closed")
	case errors.Is(err, agent.ErrSessionNotReady):
		return Failed("not connected")
	default:
		return Failed(err.Error())
	}
}
