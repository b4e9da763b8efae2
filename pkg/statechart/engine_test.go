package statechart

import (
	"context"
	"testing"
)

func noopEnqueue(event string, data map[string]Value) {}

func mustLoad(t *testing.T, doc string) *Machine {
	t.Helper()
	m, err := Load([]byte(doc))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return m
}

// Scenario: a machine reaching a top-level final state goes Done and
// reports the final state's output.
func TestEngine_FinalStateProducesOutput(t *testing.T) {
	m := mustLoad(t, `{
		"id": "m",
		"initial": "running",
		"states": {
			"running": {
				"on": {"FINISH": "done"}
			},
			"done": {
				"type": "final",
				"output": {"result": "ok"}
			}
		}
	}`)
	e := NewEngine(m, NewRegistry(), nil, nil, noopEnqueue)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	snap := e.Snapshot()
	if !snap.IsRunning() {
		t.Fatal("machine should be active before FINISH")
	}

	if err := e.Dispatch(context.Background(), "FINISH", nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	snap = e.Snapshot()
	if snap.IsRunning() {
		t.Fatal("machine should be done after reaching top-level final state")
	}
	if snap.CurrentState != "m.done" {
		t.Errorf("CurrentState = %q, want %q", snap.CurrentState, "m.done")
	}
	if got := snap.Output["result"].String(); got != "ok" {
		t.Errorf("Output[result] = %q, want %q", got, "ok")
	}

	// A done machine silently absorbs further events rather than erroring.
	if err := e.Dispatch(context.Background(), "FINISH", nil); err != nil {
		t.Fatalf("Dispatch() on done machine should not error, got %v", err)
	}
}

// Scenario: an `always` transition only fires once its guard passes, and
// is re-evaluated at every macrostep boundary.
func TestEngine_AlwaysTransitionWithGuard(t *testing.T) {
	m := mustLoad(t, `{
		"id": "m",
		"initial": "checking",
		"context": {"ready": false},
		"states": {
			"checking": {
				"always": {"target": "go", "cond": "isReady"}
			},
			"go": {"type": "final"}
		}
	}`)
	registry := NewRegistry()
	registry.Guard("isReady", func(ctx context.Context, c ContextView, eventData map[string]Value) (bool, error) {
		v, _ := c.Get("ready")
		return v.Bool(), nil
	})
	e := NewEngine(m, registry, nil, nil, noopEnqueue)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if snap := e.Snapshot(); snap.CurrentState != "m.checking" {
		t.Fatalf("CurrentState = %q, want still checking (guard false)", snap.CurrentState)
	}

	if err := e.Dispatch(context.Background(), "SET_READY", nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	// SET_READY has no handler anywhere; it is absorbed and the guard is
	// still false, so the machine stays in checking.
	if snap := e.Snapshot(); snap.CurrentState != "m.checking" {
		t.Fatalf("CurrentState = %q, want still checking", snap.CurrentState)
	}

	// Mutate context directly (simulating an assign action having already
	// run) and re-evaluate via an unrelated dispatch to trigger drainToQuiescence.
	e.store.Set("ready", BoolVal(true))
	if err := e.Dispatch(context.Background(), "TICK", nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if snap := e.Snapshot(); snap.CurrentState != "m.go" {
		t.Errorf("CurrentState = %q, want %q once guard passes", snap.CurrentState, "m.go")
	}
}

// Scenario: a parallel state's onDone only fires once every region has
// reached its own final state.
func TestEngine_ParallelOnDone(t *testing.T) {
	m := mustLoad(t, `{
		"id": "m",
		"initial": "both",
		"states": {
			"both": {
				"type": "parallel",
				"onDone": "finished",
				"states": {
					"left": {
						"initial": "running",
						"states": {
							"running": {"on": {"DONE_LEFT": "done"}},
							"done": {"type": "final"}
						}
					},
					"right": {
						"initial": "running",
						"states": {
							"running": {"on": {"DONE_RIGHT": "done"}},
							"done": {"type": "final"}
						}
					}
				}
			},
			"finished": {"type": "final"}
		}
	}`)
	e := NewEngine(m, NewRegistry(), nil, nil, noopEnqueue)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := e.Dispatch(context.Background(), "DONE_LEFT", nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if snap := e.Snapshot(); !snap.IsRunning() {
		t.Fatal("parallel onDone should not fire until both regions are done")
	}

	if err := e.Dispatch(context.Background(), "DONE_RIGHT", nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	snap := e.Snapshot()
	if snap.IsRunning() {
		t.Fatal("machine should be done once both parallel regions finish")
	}
	if snap.CurrentState != "m.finished" {
		t.Errorf("CurrentState = %q, want %q", snap.CurrentState, "m.finished")
	}
}

// Scenario: deep history restores the exact nested leaf that was active
// when the compound state was last exited.
func TestEngine_DeepHistoryRestoration(t *testing.T) {
	m := mustLoad(t, `{
		"id": "m",
		"initial": "wizard",
		"states": {
			"wizard": {
				"initial": "step1",
				"on": {"SUSPEND": "suspended"},
				"states": {
					"step1": {"on": {"NEXT": "step2"}},
					"step2": {
						"initial": "step2a",
						"on": {"NEXT": "step3"},
						"states": {
							"step2a": {"on": {"NEXT": "step2b"}},
							"step2b": {}
						}
					},
					"step3": {},
					"hist": {"type": "history", "history": "deep"}
				}
			},
			"suspended": {"on": {"RESUME": "wizard.hist"}}
		}
	}`)
	e := NewEngine(m, NewRegistry(), nil, nil, noopEnqueue)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for _, ev := range []string{"NEXT", "NEXT"} {
		if err := e.Dispatch(ctx, ev, nil); err != nil {
			t.Fatalf("Dispatch(%s) error = %v", ev, err)
		}
	}
	if snap := e.Snapshot(); snap.CurrentState != "m.wizard.step2.step2b" {
		t.Fatalf("CurrentState = %q, want %q before suspending", snap.CurrentState, "m.wizard.step2.step2b")
	}

	if err := e.Dispatch(ctx, "SUSPEND", nil); err != nil {
		t.Fatalf("Dispatch(SUSPEND) error = %v", err)
	}
	if snap := e.Snapshot(); snap.CurrentState != "m.suspended" {
		t.Fatalf("CurrentState = %q, want %q", snap.CurrentState, "m.suspended")
	}

	if err := e.Dispatch(ctx, "RESUME", nil); err != nil {
		t.Fatalf("Dispatch(RESUME) error = %v", err)
	}
	if snap := e.Snapshot(); snap.CurrentState != "m.wizard.step2.step2b" {
		t.Errorf("CurrentState = %q, want deep history to restore %q", snap.CurrentState, "m.wizard.step2.step2b")
	}
}

// Scenario: an internal transition (internal: true, target inside the
// source's own subtree) runs its actions without firing exit/entry on the
// source state, so entry actions do not re-run.
func TestEngine_InternalTransitionSkipsEntryExit(t *testing.T) {
	m := mustLoad(t, `{
		"id": "m",
		"initial": "a",
		"context": {"entries": 0, "count": 0},
		"states": {
			"a": {
				"entry": [{"assign": {"entries": 1}}],
				"on": {
					"BUMP": {
						"target": "a",
						"internal": true,
						"actions": [{"assign": {"count": "eventData.count"}}]
					}
				}
			}
		}
	}`)
	e := NewEngine(m, NewRegistry(), nil, nil, noopEnqueue)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Dispatch(ctx, "BUMP", map[string]Value{"count": IntVal(7)}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	snap := e.Snapshot()
	if got := snap.Context["entries"].Int(); got != 1 {
		t.Errorf("entries = %d, want 1 (entry action must not re-run on internal transition)", got)
	}
	if got := snap.Context["count"].Int(); got != 7 {
		t.Errorf("count = %d, want 7", got)
	}
}

// Scenario: a guard that errors is treated as false; the next candidate
// (or none) is tried instead of the macrostep failing outright.
func TestEngine_GuardErrorTreatedAsFalse(t *testing.T) {
	m := mustLoad(t, `{
		"id": "m",
		"initial": "a",
		"states": {
			"a": {
				"on": {
					"GO": [
						{"target": "b", "cond": "explodes"},
						{"target": "c"}
					]
				}
			},
			"b": {},
			"c": {}
		}
	}`)
	registry := NewRegistry()
	registry.Guard("explodes", func(ctx context.Context, c ContextView, eventData map[string]Value) (bool, error) {
		return false, errBoom
	})
	e := NewEngine(m, registry, nil, nil, noopEnqueue)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Dispatch(context.Background(), "GO", nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if snap := e.Snapshot(); snap.CurrentState != "m.c" {
		t.Errorf("CurrentState = %q, want %q (fell through to next candidate)", snap.CurrentState, "m.c")
	}
}

var errBoom = &Error{Code: CodeGuardError, Message: "boom"}
