// Package orchestrator is the process-wide registry and router described
// in this repository's event-bus orchestration layer: it owns every
// running Machine Actor, routes `send` actions between them, spawns and
// stops child machines, and republishes every transition/error onto the
// core.EventBus so other verticles can observe machines without
// importing pkg/statechart directly.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/statecraftio/statecraft/pkg/core"
	"github.com/statecraftio/statecraft/pkg/statechart"
)

// tracer emits one span per externally-driven macrostep, the unit of work
// a caller actually waits on (StartMachine, Dispatch). Internal mailbox
// activity (timers, invokes, routed sends) runs as separate mailbox tasks
// and is not traced.
var tracer = otel.Tracer("github.com/statecraftio/statecraft/pkg/orchestrator")

// UnknownTargetMode governs what happens when a `send` action or a
// Dispatch call names a machine ID the Orchestrator has never registered.
type UnknownTargetMode int

const (
	// Strict reports CodeUnknownTarget back to the caller.
	Strict UnknownTargetMode = iota
	// BestEffort silently drops the send, logging a warning through the
	// configured Logger instead of failing the caller's macrostep.
	BestEffort
)

// Config configures an Orchestrator.
type Config struct {
	UnknownTarget UnknownTargetMode
	QueueSize     int // per-actor mailbox size; 0 uses the Actor default
	EventBus      core.EventBus
	BusPrefix     string // address prefix for republished transitions, default "statechart"
	Logger        core.Logger
}

// Orchestrator is the Sender and Spawner every Actor it creates is wired
// to (§4.7): a single registry shared by every machine in the process.
type Orchestrator struct {
	mu        sync.RWMutex
	actors    map[string]*statechart.Actor
	templates map[string]*statechart.Machine
	registry  *statechart.Registry

	cfg      Config
	logger   core.Logger
	busAddr  string
	observer statechart.Observer
}

var _ statechart.Sender = (*Orchestrator)(nil)
var _ statechart.Spawner = (*Orchestrator)(nil)

// New creates an Orchestrator. registry supplies the Guard/Action/Service
// callbacks every spawned machine shares; templates are looked up by the
// `src` name a `spawn` action or RegisterTemplate call provides.
func New(registry *statechart.Registry, cfg Config) *Orchestrator {
	if cfg.BusPrefix == "" {
		cfg.BusPrefix = "statechart"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	o := &Orchestrator{
		actors:    make(map[string]*statechart.Actor),
		templates: make(map[string]*statechart.Machine),
		registry:  registry,
		cfg:       cfg,
		logger:    logger,
		busAddr:   cfg.BusPrefix,
	}
	if cfg.EventBus != nil {
		o.observer = statechart.NewChainObserver(
			statechart.NewLoggingObserver(logger),
			statechart.NewEventBusObserver(cfg.EventBus, o.busAddr),
		)
	} else {
		o.observer = statechart.NewLoggingObserver(logger)
	}
	return o
}

// RegisterTemplate makes a parsed Machine spawnable by name.
func (o *Orchestrator) RegisterTemplate(name string, m *statechart.Machine) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.templates[name] = m
}

// StartMachine registers and starts id as an instance of the named
// template. If id is empty a uuid is generated. Returns the running
// Actor's ID.
func (o *Orchestrator) StartMachine(ctx context.Context, template, id string) (string, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.StartMachine", trace.WithAttributes(
		attribute.String("statechart.template", template),
	))
	defer span.End()

	o.mu.RLock()
	m, ok := o.templates[template]
	o.mu.RUnlock()
	if !ok {
		err := &statechart.Error{Code: statechart.CodeNotFound, Message: "unknown machine template: " + template}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	startedID, err := o.spawnFrom(ctx, m, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("statechart.machine_id", startedID))
	}
	return startedID, err
}

func (o *Orchestrator) spawnFrom(ctx context.Context, m *statechart.Machine, id string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	instance := *m
	instance.ID = id

	actor := statechart.NewActor(&instance, o.registry, o.cfg.QueueSize, o, o)
	actor.AddObserver(o.observer)

	o.mu.Lock()
	if _, exists := o.actors[id]; exists {
		o.mu.Unlock()
		return "", &statechart.Error{Code: statechart.CodeSpecError, Message: "machine id already registered: " + id}
	}
	o.actors[id] = actor
	o.mu.Unlock()

	if err := actor.Start(ctx); err != nil {
		o.mu.Lock()
		delete(o.actors, id)
		o.mu.Unlock()
		return "", err
	}
	return id, nil
}

// Actor returns the running Actor for id, if any.
func (o *Orchestrator) Actor(id string) (*statechart.Actor, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.actors[id]
	return a, ok
}

// Machines lists every currently registered machine ID.
func (o *Orchestrator) Machines() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.actors))
	for id := range o.actors {
		ids = append(ids, id)
	}
	return ids
}

// Dispatch is the external, strict-by-construction entry point: callers
// (the admin API, tests) always get CodeNotFound for a bad ID,
// regardless of cfg.UnknownTarget, which governs only `send` actions.
func (o *Orchestrator) Dispatch(ctx context.Context, id, event string, data map[string]statechart.Value) (statechart.StateSnapshot, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Dispatch", trace.WithAttributes(
		attribute.String("statechart.machine_id", id),
		attribute.String("statechart.event", event),
	))
	defer span.End()

	a, ok := o.Actor(id)
	if !ok {
		err := &statechart.Error{Code: statechart.CodeNotFound, MachineID: id, Event: event, Message: "unknown machine"}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return statechart.StateSnapshot{}, err
	}
	snap, err := a.Ask(ctx, event, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("statechart.current_state", snap.CurrentState))
	}
	return snap, err
}

// Send implements statechart.Sender: routed, best-effort-or-strict
// delivery of a `send` action's event to another registered machine.
func (o *Orchestrator) Send(targetID, event string, data map[string]statechart.Value) error {
	a, ok := o.Actor(targetID)
	if !ok {
		if o.cfg.UnknownTarget == BestEffort {
			o.logger.Warnf("orchestrator: dropping send to unknown target %s (event=%s)", targetID, event)
			return nil
		}
		return &statechart.Error{Code: statechart.CodeUnknownTarget, MachineID: targetID, Event: event, Message: "send: unknown target machine"}
	}
	return a.Send(event, data)
}

// Spawn implements statechart.Spawner: src names a registered template;
// id may be empty, in which case a uuid is generated.
func (o *Orchestrator) Spawn(src, id string) (string, error) {
	o.mu.RLock()
	m, ok := o.templates[src]
	o.mu.RUnlock()
	if !ok {
		return "", &statechart.Error{Code: statechart.CodeNotFound, Message: "spawn: unknown template " + src}
	}
	return o.spawnFrom(context.Background(), m, id)
}

// Stop implements statechart.Spawner.
func (o *Orchestrator) Stop(id string) error {
	o.mu.Lock()
	a, ok := o.actors[id]
	if ok {
		delete(o.actors, id)
	}
	o.mu.Unlock()
	if !ok {
		return &statechart.Error{Code: statechart.CodeNotFound, MachineID: id, Message: "stop: unknown machine"}
	}
	return a.Stop(context.Background())
}

// Shutdown stops every registered machine, draining each mailbox.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	actors := make([]*statechart.Actor, 0, len(o.actors))
	for _, a := range o.actors {
		actors = append(actors, a)
	}
	o.actors = make(map[string]*statechart.Actor)
	o.mu.Unlock()

	var firstErr error
	for _, a := range actors {
		if err := a.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("orchestrator shutdown: %w", err)
		}
	}
	return firstErr
}
