package runner

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Hook is called by the runner at fixed points of the loop. Epoch and iter
// callbacks fire in both train and val phases; hooks that only care about
// one phase check r.Mode().
type Hook interface {
	BeforeRun(ctx context.Context, r *Runner) error
	AfterRun(ctx context.Context, r *Runner) error
	BeforeEpoch(ctx context.Context, r *Runner) error
	AfterEpoch(ctx context.Context, r *Runner) error
	BeforeIter(ctx context.Context, r *Runner) error
	AfterIter(ctx context.Context, r *Runner) error
}

// BaseHook implements every callback as a no-op. Embed it and override what
// you need.
type BaseHook struct{}

func (BaseHook) BeforeRun(context.Context, *Runner) error   { return nil }
func (BaseHook) AfterRun(context.Context, *Runner) error    { return nil }
func (BaseHook) BeforeEpoch(context.Context, *Runner) error { return nil }
func (BaseHook) AfterEpoch(context.Context, *Runner) error  { return nil }
func (BaseHook) BeforeIter(context.Context, *Runner) error  { return nil }
func (BaseHook) AfterIter(context.Context, *Runner) error   { return nil }

// Priority orders hooks; lower runs first. Hooks of equal priority run in
// registration order.
type Priority int

const (
	PriorityHighest  Priority = 0
	PriorityVeryHigh Priority = 10
	PriorityHigh     Priority = 30
	PriorityNormal   Priority = 50
	PriorityLow      Priority = 70
	PriorityVeryLow  Priority = 90
	PriorityLowest   Priority = 100
)

type registered struct {
	hook     Hook
	priority Priority
}

// RegisterHook inserts h after every hook whose priority is not lower
func (r *Runner) RegisterHook(h Hook, priority Priority) {
	i := sort.Search(len(r.hooks), func(i int) bool {
		return r.hooks[i].priority > priority
	})
	r.hooks = append(r.hooks, registered{})
	copy(r.hooks[i+1:], r.hooks[i:])
	r.hooks[i] = registered{hook: h, priority: priority}
}

// Hooks returns the registered hooks in call order
func (r *Runner) Hooks() []Hook {
	out := make([]Hook, len(r.hooks))
	for i, reg := range r.hooks {
		out[i] = reg.hook
	}
	return out
}

// HookName is how a hook shows up in logs and errors
func HookName(h Hook) string {
	if n, ok := h.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", h)
}

func (r *Runner) callHook(stage string, fn func(Hook) error) error {
	for _, reg := range r.hooks {
		if err := fn(reg.hook); err != nil {
			return errors.Wrapf(err, "%s in %s", stage, HookName(reg.hook))
		}
	}
	return nil
}
