package statechart

import (
	"context"
	"fmt"
)

// This file collects small Guard/Action combinators for the Registry.
// Machine topology itself is always declared as JSON and normalized by
// Load; these helpers only compose the callbacks a Registry binds names
// to (§9's "dynamic dispatch by string name" design note).

// AlwaysAllow is a guard that always allows the transition.
func AlwaysAllow() Guard {
	return func(ctx context.Context, c ContextView, eventData map[string]Value) (bool, error) {
		return true, nil
	}
}

// NeverAllow is a guard that never allows the transition.
func NeverAllow() Guard {
	return func(ctx context.Context, c ContextView, eventData map[string]Value) (bool, error) {
		return false, nil
	}
}

// DataFieldEquals checks that eventData[field] equals value.
func DataFieldEquals(field string, value Value) Guard {
	return func(ctx context.Context, c ContextView, eventData map[string]Value) (bool, error) {
		if eventData == nil {
			return false, nil
		}
		v, ok := eventData[field]
		if !ok {
			return false, nil
		}
		return v.Kind() == value.Kind() && v.Native() == value.Native(), nil
	}
}

// DataFieldExists checks that eventData has field at all.
func DataFieldExists(field string) Guard {
	return func(ctx context.Context, c ContextView, eventData map[string]Value) (bool, error) {
		if eventData == nil {
			return false, nil
		}
		_, ok := eventData[field]
		return ok, nil
	}
}

// ContextFieldEquals checks that the live context has key equal to value.
func ContextFieldEquals(key string, value Value) Guard {
	return func(ctx context.Context, c ContextView, eventData map[string]Value) (bool, error) {
		v, ok := c.Get(key)
		if !ok {
			return false, nil
		}
		return v.Kind() == value.Kind() && v.Native() == value.Native(), nil
	}
}

// AndGuard combines multiple guards with AND logic, short-circuiting.
func AndGuard(guards ...Guard) Guard {
	return func(ctx context.Context, c ContextView, eventData map[string]Value) (bool, error) {
		for _, g := range guards {
			ok, err := g(ctx, c, eventData)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
}

// OrGuard combines multiple guards with OR logic, short-circuiting.
func OrGuard(guards ...Guard) Guard {
	return func(ctx context.Context, c ContextView, eventData map[string]Value) (bool, error) {
		for _, g := range guards {
			ok, err := g(ctx, c, eventData)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
}

// NotGuard inverts a guard.
func NotGuard(g Guard) Guard {
	return func(ctx context.Context, c ContextView, eventData map[string]Value) (bool, error) {
		ok, err := g(ctx, c, eventData)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
}

// NoOpAction does nothing; useful as a placeholder while wiring a machine.
func NoOpAction() Action {
	return func(ctx context.Context, c *ContextStore, eventData map[string]Value) error {
		return nil
	}
}

// LogAction logs eventData through logger whenever the action runs.
func LogAction(logger func(msg string)) Action {
	return func(ctx context.Context, c *ContextStore, eventData map[string]Value) error {
		logger(fmt.Sprintf("action fired with data: %v", eventData))
		return nil
	}
}

// ChainActions runs each action in order, stopping at the first error.
func ChainActions(actions ...Action) Action {
	return func(ctx context.Context, c *ContextStore, eventData map[string]Value) error {
		for _, a := range actions {
			if err := a(ctx, c, eventData); err != nil {
				return err
			}
		}
		return nil
	}
}
