package policy

import (
	"context"
	"fmt"
	"log/slog"
)

// evalKind tells the two authorization paths apart.
type evalKind string

const (
	evalConnection evalKind = "connection"
	evalExecution  evalKind = "execution"
)

// evaluation is the state threaded through a check chain.
type evaluation struct {
	kind    evalKind
	agent   string
	server  string
	tool    string
	params  map[string]any
	conn    *ConnectionRequest
	policy  *SecurityPolicy
	// dryRun evaluations must not mutate engine or detector state.
	dryRun  bool
	halted  bool
	outcome Decision
}

// deny halts the chain with a denial attributed to check.
func (ev *evaluation) deny(check, format string, args ...any) {
	ev.halted = true
	ev.outcome.Allowed = false
	ev.outcome.Check = check
	ev.outcome.Reason = fmt.Sprintf(format, args...)
}

// step is a single check of an authorization chain.
type step interface {
	// Name returns the check name used in decisions and logs.
	Name() string

	// Process inspects the evaluation and may deny it. Returning an
	// error aborts the chain.
	Process(ctx context.Context, ev *evaluation) error
}

type checkFunc struct {
	name string
	fn   func(ctx context.Context, ev *evaluation) error
}

func (c checkFunc) Name() string { return c.name }

func (c checkFunc) Process(ctx context.Context, ev *evaluation) error { return c.fn(ctx, ev) }

// chain executes steps in order until one denies.
type chain struct {
	steps  []step
	logger *slog.Logger
}

func newChain(logger *slog.Logger, steps ...step) *chain {
	return &chain{steps: steps, logger: logger}
}

// Process runs the checks in sequence. A chain that completes without a
// denial allows the request.
func (c *chain) Process(ctx context.Context, ev *evaluation) error {
	for _, ch := range c.steps {
		if err := ch.Process(ctx, ev); err != nil {
			return fmt.Errorf("check %q: %w", ch.Name(), err)
		}
		c.logger.Debug("check executed",
			"check", ch.Name(),
			"kind", ev.kind,
			"agent", ev.agent,
			"server", ev.server,
			"tool", ev.tool,
			"halted", ev.halted,
			"dry_run", ev.dryRun,
		)
		if ev.halted {
			return nil
		}
	}
	ev.outcome.Allowed = true
	ev.outcome.Check = "allowed"
	return nil
}
