package instacache

import (
	"context"
	"sort"
)

// Hook defines a cache event hook with optional priority and condition
type Hook struct {
	// Priority determines execution order (higher values execute first)
	Priority int

	// Condition optionally filters hook execution
	// If nil, hook always executes
	Condition func(ctx context.Context, key string) bool

	// Set exactly one of: OnHit, OnMiss, OnUpdate, OnClear
	OnHit    func(ctx context.Context, key string, value string)
	OnMiss   func(ctx context.Context, key string)
	OnUpdate func(ctx context.Context, key string, previous, current string)
	OnClear  func(ctx context.Context)
}

// Hooks contains all registered cache event hooks
type Hooks struct {
	onHit    []Hook
	onMiss   []Hook
	onUpdate []Hook
	onClear  []Hook
}

// NewHooks creates a new Hooks instance
func NewHooks() *Hooks {
	return &Hooks{}
}

// AddOnHit registers a hook that executes when Load serves from the store
func (h *Hooks) AddOnHit(fn func(ctx context.Context, key string, value string), opts ...HookOption) {
	hook := Hook{OnHit: fn}
	for _, opt := range opts {
		opt(&hook)
	}
	h.onHit = append(h.onHit, hook)
}

// AddOnMiss registers a hook that executes when Load has to call the producer
func (h *Hooks) AddOnMiss(fn func(ctx context.Context, key string), opts ...HookOption) {
	hook := Hook{OnMiss: fn}
	for _, opt := range opts {
		opt(&hook)
	}
	h.onMiss = append(h.onMiss, hook)
}

// AddOnUpdate registers a hook that executes when revalidation finds a
// changed value
func (h *Hooks) AddOnUpdate(fn func(ctx context.Context, key string, previous, current string), opts ...HookOption) {
	hook := Hook{OnUpdate: fn}
	for _, opt := range opts {
		opt(&hook)
	}
	h.onUpdate = append(h.onUpdate, hook)
}

// AddOnClear registers a hook that executes after Clear
func (h *Hooks) AddOnClear(fn func(ctx context.Context), opts ...HookOption) {
	hook := Hook{OnClear: fn}
	for _, opt := range opts {
		opt(&hook)
	}
	h.onClear = append(h.onClear, hook)
}

// HookOption configures a hook
type HookOption func(*Hook)

// WithPriority sets the hook execution priority (higher values execute first)
func WithPriority(priority int) HookOption {
	return func(h *Hook) {
		h.Priority = priority
	}
}

// WithCondition sets a condition that must be true for the hook to execute.
// OnClear hooks see an empty key.
func WithCondition(condition func(ctx context.Context, key string) bool) HookOption {
	return func(h *Hook) {
		h.Condition = condition
	}
}

func (h *Hooks) invokeOnHit(ctx context.Context, key, value string) {
	h.invokeHooks(h.onHit, func(hook Hook) {
		if hook.Condition == nil || hook.Condition(ctx, key) {
			hook.OnHit(ctx, key, value)
		}
	})
}

func (h *Hooks) invokeOnMiss(ctx context.Context, key string) {
	h.invokeHooks(h.onMiss, func(hook Hook) {
		if hook.Condition == nil || hook.Condition(ctx, key) {
			hook.OnMiss(ctx, key)
		}
	})
}

func (h *Hooks) invokeOnUpdate(ctx context.Context, key, previous, current string) {
	h.invokeHooks(h.onUpdate, func(hook Hook) {
		if hook.Condition == nil || hook.Condition(ctx, key) {
			hook.OnUpdate(ctx, key, previous, current)
		}
	})
}

func (h *Hooks) invokeOnClear(ctx context.Context) {
	h.invokeHooks(h.onClear, func(hook Hook) {
		if hook.Condition == nil || hook.Condition(ctx, "") {
			hook.OnClear(ctx)
		}
	})
}

// invokeHooks executes hooks in priority order (highest priority first)
func (h *Hooks) invokeHooks(hooks []Hook, execute func(Hook)) {
	if len(hooks) == 0 {
		return
	}

	if len(hooks) > 1 {
		sorted := make([]Hook, len(hooks))
		copy(sorted, hooks)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Priority > sorted[j].Priority
		})
		hooks = sorted
	}

	for _, hook := range hooks {
		execute(hook)
	}
}
