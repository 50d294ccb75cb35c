package provision

import (
	"context"
	"log/slog"
)

// UndoFunc reverses one completed install step.
type UndoFunc func(ctx context.Context) error

type undoAction struct {
	name   string
	fn     UndoFunc
	always bool
}

// Scope collects undo actions while an install progresses. Finish runs them
// in reverse registration order.
type Scope struct {
	logger  *slog.Logger
	actions []undoAction
	done    bool
}

// NewScope creates an empty rollback scope.
func NewScope(logger *slog.Logger) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scope{logger: logger}
}

// Always registers an action that runs whether or not the install fails.
func (s *Scope) Always(name string, fn UndoFunc) {
	s.actions = append(s.actions, undoAction{name: name, fn: fn, always: true})
}

// OnFailure registers an action that runs only when the install fails.
func (s *Scope) OnFailure(name string, fn UndoFunc) {
	s.actions = append(s.actions, undoAction{name: name, fn: fn})
}

// Len returns the number of registered actions.
func (s *Scope) Len() int {
	return len(s.actions)
}

// Finish runs the appropriate actions for the outcome and returns cause
// unchanged. Actions run on a context detached from ctx's cancellation, so a
// caller that went away does not abort the rollback. Undo failures are logged
// and never replace cause. Calling Finish twice is a no-op.
func (s *Scope) Finish(ctx context.Context, cause error) error {
	if s.done {
		return cause
	}
	s.done = true

	ctx = context.WithoutCancel(ctx)
	for i := len(s.actions) - 1; i >= 0; i-- {
		a := s.actions[i]
		if !a.always && cause == nil {
			continue
		}
		if err := a.fn(ctx); err != nil {
			s.logger.Warn("undo action failed",
				"event", "rollback_step_failed",
				"action", a.name,
				"error", err,
			)
			continue
		}
		if !a.always {
			s.logger.Info("rolled back install step", "event", "rollback_step", "action", a.name)
		}
	}
	return cause
}
