package statechart

import (
	"context"
	"sort"
	"strings"
)

// resolver computes, given a configuration and an event, the ordered list
// of transitions to fire (§4.2).
type resolver struct {
	machine  *Machine
	registry *Registry

	// lastConfiguration backs the optional in(stateId) guard condition;
	// the engine sets it immediately before resolving each event.
	lastConfiguration *Configuration

	// onGuardError reports a guard callback's own error to the engine's
	// observers; the guard itself still resolves to false and resolution
	// continues to the next candidate (§7).
	onGuardError func(*Error)
}

// selected is one winning candidate paired with the node that declared it,
// needed later to compute the LCA-bounded exit/entry sets.
type selected struct {
	source *StateNode
	def    *TransitionDef
}

// resolve walks the active configuration deepest-first and, for each
// active path, evaluates the candidates for this synthetic/external event
// at that state; the first enabled candidate at a given state wins, and
// states in independent parallel regions may each contribute a winner.
func (r *resolver) resolve(ctx context.Context, cfg *Configuration, store *ContextStore, event string, data map[string]Value) ([]selected, error) {
	active := cfg.Paths()
	sort.Slice(active, func(i, j int) bool {
		return strings.Count(active[i], ".") > strings.Count(active[j], ".")
	})

	var winners []selected
	shadowed := make(map[string]bool) // ancestor paths whose region already has a winner

	for _, path := range active {
		if shadowed[path] {
			continue
		}
		n, ok := r.machine.byPath[path]
		if !ok {
			continue
		}
		candidates := n.On[event]
		def, err := r.firstEnabled(ctx, candidates, store, data)
		if err != nil {
			return nil, err
		}
		if def == nil {
			continue
		}
		winners = append(winners, selected{source: n, def: def})
		for p := n.Parent; p != nil; p = p.Parent {
			shadowed[p.Path] = true
		}
	}
	return winners, nil
}

// resolveAlways is identical to resolve but reads StateNode.Always instead
// of the `on` table — the eventless transition re-evaluated at every
// macrostep boundary.
func (r *resolver) resolveAlways(ctx context.Context, cfg *Configuration, store *ContextStore) ([]selected, error) {
	active := cfg.Paths()
	sort.Slice(active, func(i, j int) bool {
		return strings.Count(active[i], ".") > strings.Count(active[j], ".")
	})
	var winners []selected
	shadowed := make(map[string]bool)
	for _, path := range active {
		if shadowed[path] {
			continue
		}
		n, ok := r.machine.byPath[path]
		if !ok || len(n.Always) == 0 {
			continue
		}
		def, err := r.firstEnabled(ctx, n.Always, store, nil)
		if err != nil {
			return nil, err
		}
		if def == nil {
			continue
		}
		winners = append(winners, selected{source: n, def: def})
		for p := n.Parent; p != nil; p = p.Parent {
			shadowed[p.Path] = true
		}
	}
	return winners, nil
}

// firstEnabled evaluates candidates in declaration order; per §7 a guard
// that errors is treated as false and logged by the caller.
func (r *resolver) firstEnabled(ctx context.Context, candidates []*TransitionDef, store *ContextStore, data map[string]Value) (*TransitionDef, error) {
	for _, c := range candidates {
		if c.Cond == "" {
			return c, nil
		}
		g, ok := r.registry.lookupGuard(c.Cond)
		if !ok {
			if strings.HasPrefix(c.Cond, "in(") && strings.HasSuffix(c.Cond, ")") {
				stateID := strings.TrimSuffix(strings.TrimPrefix(c.Cond, "in("), ")")
				if r.inState(stateID) {
					return c, nil
				}
				continue
			}
			return nil, &Error{Code: CodeGuardError, Message: "unknown guard " + c.Cond, MachineID: r.machine.ID}
		}
		ok2, err := g(ctx, store, data)
		if err != nil {
			// GuardError: treat as false, log, continue to next candidate.
			if r.onGuardError != nil {
				r.onGuardError(&Error{Code: CodeGuardError, Message: err.Error(), MachineID: r.machine.ID, Cause: err})
			}
			continue
		}
		if ok2 {
			return c, nil
		}
	}
	return nil, nil
}

// inState backs the optional `in(stateId)` guard condition (§4.2). It
// reads lastConfiguration, which the engine sets through setConfiguration
// before resolve/resolveAlways are called; with none set it reports false.
func (r *resolver) inState(stateID string) bool {
	if r.lastConfiguration == nil {
		return false
	}
	return r.lastConfiguration.Has(stateID)
}

func (r *resolver) setConfiguration(cfg *Configuration) {
	r.lastConfiguration = cfg
}
