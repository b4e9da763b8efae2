package statechart

import (
	"context"
	"sync"
)

// snapshotView is a frozen, read-only ContextView handed to a Service,
// which runs on its own goroutine and must never touch the live
// ContextStore (§3: mutated only by the owning Machine Actor).
type snapshotView map[string]Value

func (s snapshotView) Get(key string) (Value, bool) { v, ok := s[key]; return v, ok }
func (s snapshotView) Snapshot() map[string]Value    { return map[string]Value(s) }

var _ ContextView = snapshotView(nil)

// ServiceRunner launches each `invoke` as a cancellable asynchronous task
// and delivers a done/error internal event on completion (§4.5).
type ServiceRunner struct {
	mu        sync.Mutex
	cancelFns map[string]context.CancelFunc // invoke id -> cancel
	byState   map[string][]string           // state path -> invoke ids
	enqueue   func(event string, data map[string]Value)
}

func NewServiceRunner(enqueue func(event string, data map[string]Value)) *ServiceRunner {
	return &ServiceRunner{
		cancelFns: make(map[string]context.CancelFunc),
		byState:   make(map[string][]string),
		enqueue:   enqueue,
	}
}

// Start launches svc under a fresh cancellable context. Completion after
// cancellation is ignored: "a started invoke is cancelled exactly once,
// when its source state exits" and any subsequent completion is discarded.
func (r *ServiceRunner) Start(stateID, invokeID string, svc Service, context_ map[string]Value, eventData map[string]Value) {
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.cancelFns[invokeID] = cancel
	r.byState[stateID] = append(r.byState[stateID], invokeID)
	r.mu.Unlock()

	go func() {
		result, err := svc(ctx, snapshotView(context_), eventData)

		r.mu.Lock()
		_, stillRunning := r.cancelFns[invokeID]
		delete(r.cancelFns, invokeID)
		r.mu.Unlock()
		if !stillRunning {
			return
		}

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.enqueue("invoke.error:"+invokeID, map[string]Value{"message": StringVal(err.Error())})
			return
		}
		r.enqueue("invoke.done:"+invokeID, result)
	}()
}

// CancelState cancels every service invoked from stateID.
func (r *ServiceRunner) CancelState(stateID string) {
	r.mu.Lock()
	ids := r.byState[stateID]
	delete(r.byState, stateID)
	for _, id := range ids {
		if cancel, ok := r.cancelFns[id]; ok {
			cancel()
			delete(r.cancelFns, id)
		}
	}
	r.mu.Unlock()
}

func (r *ServiceRunner) CancelAll() {
	r.mu.Lock()
	for _, cancel := range r.cancelFns {
		cancel()
	}
	r.cancelFns = make(map[string]context.CancelFunc)
	r.byState = make(map[string][]string)
	r.mu.Unlock()
}
