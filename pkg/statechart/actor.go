package statechart

import (
	"context"
	"errors"
	"sync"

	"github.com/statecraftio/statecraft/pkg/core/concurrency"
)

// Actor wraps an Engine with single-worker mailbox serialization, mirroring
// this repository's verticle event loop (core.BaseVerticle): every
// Dispatch, timer firing, and invoke completion for one machine runs
// strictly one at a time, never concurrently with another (§4.6).
type Actor struct {
	ID string

	engine *Engine
	loop   concurrency.Executor

	mu       sync.RWMutex
	snapshot StateSnapshot
}

// NewActor creates a mailbox-backed actor for m. sender/spawner may be nil
// for a standalone machine with no orchestrator.
func NewActor(m *Machine, registry *Registry, queueSize int, sender Sender, spawner Spawner) *Actor {
	if queueSize < 1 {
		queueSize = 256
	}
	a := &Actor{ID: m.ID}
	a.loop = concurrency.NewExecutor(context.Background(), concurrency.ExecutorConfig{Workers: 1, QueueSize: queueSize})
	a.engine = NewEngine(m, registry, sender, spawner, a.enqueue)
	return a
}

func (a *Actor) AddObserver(o Observer) { a.engine.AddObserver(o) }

// Start runs the machine's initial entry on the mailbox and blocks until
// that first macrostep completes.
func (a *Actor) Start(ctx context.Context) error {
	return a.runAndWait(ctx, "start", func(taskCtx context.Context) error {
		return a.engine.Start(taskCtx)
	})
}

// Send enqueues an event without waiting for it to be processed — the
// fire-and-forget form used by the Orchestrator's routed delivery (§4.7).
// A full mailbox surfaces as CodeQueueFull.
func (a *Actor) Send(event string, data map[string]Value) error {
	task := concurrency.NewNamedTask(event, func(taskCtx context.Context) error {
		return a.dispatch(taskCtx, event, data)
	})
	if err := a.loop.Submit(task); err != nil {
		return a.wrapSubmitError(event, err)
	}
	return nil
}

// Ask submits event and blocks until it has been processed, returning the
// resulting snapshot — used by synchronous callers (tests, the admin API).
func (a *Actor) Ask(ctx context.Context, event string, data map[string]Value) (StateSnapshot, error) {
	var result StateSnapshot
	err := a.runAndWait(ctx, event, func(taskCtx context.Context) error {
		err := a.dispatch(taskCtx, event, data)
		result = a.engine.Snapshot()
		return err
	})
	return result, err
}

func (a *Actor) runAndWait(ctx context.Context, name string, fn func(context.Context) error) error {
	done := make(chan error, 1)
	task := concurrency.NewNamedTask(name, func(taskCtx context.Context) error {
		err := fn(taskCtx)
		done <- err
		return err
	})
	if err := a.loop.Submit(task); err != nil {
		return a.wrapSubmitError(name, err)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) wrapSubmitError(event string, err error) error {
	if errors.Is(err, concurrency.ErrMailboxFull) {
		return &Error{Code: CodeQueueFull, Message: "mailbox full", MachineID: a.ID, Event: event, Cause: err}
	}
	return err
}

func (a *Actor) dispatch(ctx context.Context, event string, data map[string]Value) error {
	err := a.engine.Dispatch(ctx, event, data)
	a.storeSnapshot(a.engine.Snapshot())
	return err
}

// enqueue is handed to the Engine's TimerScheduler/ServiceRunner: a fired
// timer or completed invoke re-enters through the mailbox exactly like an
// external send, never touching engine state off this actor's goroutine.
func (a *Actor) enqueue(event string, data map[string]Value) {
	task := concurrency.NewNamedTask(event, func(taskCtx context.Context) error {
		return a.dispatch(taskCtx, event, data)
	})
	_ = a.loop.Submit(task)
}

func (a *Actor) storeSnapshot(s StateSnapshot) {
	a.mu.Lock()
	a.snapshot = s
	a.mu.Unlock()
}

// Snapshot returns the most recently computed StateSnapshot. It is safe to
// call from any goroutine; it never blocks on the mailbox.
func (a *Actor) Snapshot() StateSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot
}

// Stop shuts down the mailbox, processing the events already queued on it,
// then cancels all pending timers/invokes.
func (a *Actor) Stop(ctx context.Context) error {
	err := a.loop.Shutdown(ctx)
	a.engine.Shutdown()
	return err
}
