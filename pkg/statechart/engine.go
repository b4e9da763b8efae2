package statechart

import (
	"context"
	"sort"
	"strings"
)

// Sender hands a `send` action's event to the Orchestrator for delivery
// to another machine; delivery may be deferred until the current
// macrostep finishes (§4.3, §4.7).
type Sender interface {
	Send(targetID, event string, data map[string]Value) error
}

// Spawner creates and terminates child machines for `spawn`/`stop`.
type Spawner interface {
	Spawn(src, id string) (childID string, err error)
	Stop(childID string) error
}

type internalEvent struct {
	Name string
	Data map[string]Value
}

// outboundSend is a `send` action buffered until its macrostep finishes,
// so a target machine never observes a partial macrostep of its sender
// (§4.3, §4.7 "deferred sends flushed at macrostep completion").
type outboundSend struct {
	Target string
	Event  string
	Data   map[string]Value
}

// Engine drives one machine's microstep/macrostep execution (§4.3). It
// owns the Configuration, ContextStore, HistoryMemory, TimerScheduler and
// ServiceRunner for exactly one running instance; a Machine Actor wraps it
// with mailbox serialization so every method here assumes single-threaded
// access.
type Engine struct {
	Machine  *Machine
	Registry *Registry

	cfg     *Configuration
	store   *ContextStore
	history *HistoryMemory
	timers  *TimerScheduler
	svc     *ServiceRunner
	res     *resolver

	sender  Sender
	spawner Spawner

	observers []Observer
	internalQ []internalEvent
	outbox    []outboundSend

	status Status
	output map[string]Value
}

// NewEngine constructs an Engine for m, wired to registry and
// (optionally) a Sender/Spawner supplied by the Orchestrator. selfEnqueue
// is how a fired timer or a completed invoke gets back onto this engine's
// owning mailbox; the Machine Actor supplies it.
func NewEngine(m *Machine, registry *Registry, sender Sender, spawner Spawner, selfEnqueue func(event string, data map[string]Value)) *Engine {
	e := &Engine{
		Machine:  m,
		Registry: registry,
		cfg:      NewConfiguration(),
		store:    NewContextStore(m.ContextDefault),
		history:  NewHistoryMemory(),
		sender:   sender,
		spawner:  spawner,
		status:   StatusActive,
	}
	e.res = &resolver{machine: m, registry: registry}
	e.res.onGuardError = func(ge *Error) {
		for _, o := range e.observers {
			o.OnError(e.Machine.ID, ge)
		}
	}
	e.timers = NewTimerScheduler(selfEnqueue)
	e.svc = NewServiceRunner(selfEnqueue)
	return e
}

func (e *Engine) AddObserver(o Observer) { e.observers = append(e.observers, o) }

// Start enters the root's initial configuration and runs to quiescence.
func (e *Engine) Start(ctx context.Context) error {
	entrySet := append([]*StateNode{e.Machine.Root}, e.expandForEntry(e.Machine.Root)...)
	for _, n := range entrySet {
		if err := e.enterNode(ctx, n, nil); err != nil {
			return err
		}
	}
	if err := e.drainToQuiescence(ctx); err != nil {
		return err
	}
	e.flushOutbox()
	e.notify("")
	return nil
}

// Dispatch processes exactly one external event through to quiescence —
// the macrostep boundary visible to callers (§4.6). A done machine
// silently ignores further events.
func (e *Engine) Dispatch(ctx context.Context, event string, data map[string]Value) error {
	if e.status == StatusDone {
		return nil
	}
	if err := e.microstep(ctx, event, data); err != nil {
		return err
	}
	if err := e.drainToQuiescence(ctx); err != nil {
		return err
	}
	e.flushOutbox()
	e.notify(event)
	return nil
}

// flushOutbox delivers every `send` buffered during the macrostep that
// just completed. A delivery failure (unknown target, full mailbox) is
// reported to observers and does not stop the flush of the rest.
func (e *Engine) flushOutbox() {
	if len(e.outbox) == 0 || e.sender == nil {
		return
	}
	pending := e.outbox
	e.outbox = nil
	for _, s := range pending {
		if err := e.sender.Send(s.Target, s.Event, s.Data); err != nil {
			for _, o := range e.observers {
				o.OnError(e.Machine.ID, err)
			}
		}
	}
}

func (e *Engine) notify(event string) {
	sc := StateChanged{
		MachineID: e.Machine.ID,
		To:        nodePaths(e.cfg.Leaves(e.Machine)),
		Event:     event,
		Meta:      e.mergedMeta(),
	}
	for _, o := range e.observers {
		o.OnTransition(sc)
	}
}

func nodePaths(ns []*StateNode) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.Path
	}
	return out
}

// drainToQuiescence processes the internal queue (raised events, done
// events) and re-evaluates eventless `always` transitions until neither
// produces anything further — the macrostep boundary of §4.3 step 7.
func (e *Engine) drainToQuiescence(ctx context.Context) error {
	for {
		if len(e.internalQ) > 0 {
			ev := e.internalQ[0]
			e.internalQ = e.internalQ[1:]
			if err := e.microstep(ctx, ev.Name, ev.Data); err != nil {
				return err
			}
			continue
		}
		fired, err := e.tryAlways(ctx)
		if err != nil {
			return err
		}
		if !fired {
			return nil
		}
	}
}

func (e *Engine) tryAlways(ctx context.Context) (bool, error) {
	e.res.setConfiguration(e.cfg)
	winners, err := e.res.resolveAlways(ctx, e.cfg, e.store)
	if err != nil {
		return false, err
	}
	if len(winners) == 0 {
		return false, nil
	}
	if err := e.applyTransitions(ctx, winners, nil); err != nil {
		return false, err
	}
	return true, nil
}

// microstep implements §4.3 steps 1-6 for one (event, data) pair. An
// event with no enabled candidate anywhere in the active configuration is
// simply absorbed. No UnknownEvent error is raised for it, here or in the
// Orchestrator, whose Strict mode applies only to unknown target machines.
func (e *Engine) microstep(ctx context.Context, event string, data map[string]Value) error {
	e.res.setConfiguration(e.cfg)
	winners, err := e.res.resolve(ctx, e.cfg, e.store, event, data)
	if err != nil {
		return err
	}
	if len(winners) == 0 {
		return nil
	}
	return e.applyTransitions(ctx, winners, data)
}

type transitionPlan struct {
	sel   selected
	exit  []*StateNode
	entry []*StateNode
}

func (e *Engine) applyTransitions(ctx context.Context, winners []selected, eventData map[string]Value) error {
	var plans []transitionPlan

	for _, w := range winners {
		targets := e.resolveTargetNodes(w.def.Targets)
		if len(w.def.Targets) > 0 && len(targets) == 0 {
			return &Error{Code: CodeSpecError, Message: "history target has no recorded memory and no fallback", MachineID: e.Machine.ID, StateID: w.source.Path}
		}
		boundary, sourceExcluded := e.exitBoundary(w.source, targets, w.def.Internal)

		var exitNodes []*StateNode
		exitNodes = append(exitNodes, activeDescendants(e.cfg, w.source)...)
		if !sourceExcluded {
			exitNodes = append(exitNodes, w.source)
		}
		for p := w.source.Parent; p != nil && p != boundary; p = p.Parent {
			exitNodes = append(exitNodes, p)
		}

		var entryNodes []*StateNode
		for _, t := range targets {
			entryNodes = append(entryNodes, e.chainDown(boundary, t)...)
		}

		plans = append(plans, transitionPlan{sel: w, exit: exitNodes, entry: entryNodes})
	}

	// Exit phase for every transition, deepest node first.
	for _, p := range plans {
		for _, n := range p.exit {
			if err := e.exitNode(ctx, n); err != nil {
				return err
			}
		}
	}

	// Each transition's own actions, in declaration order, between exit
	// and entry (§4.3 step 5).
	for _, p := range plans {
		for _, ref := range p.sel.def.Actions {
			if err := e.runAction(ctx, ref, eventData); err != nil {
				return err
			}
		}
	}

	// Entry phase for every transition, shallowest node first.
	for _, p := range plans {
		for _, n := range p.entry {
			if err := e.enterNode(ctx, n, eventData); err != nil {
				return err
			}
		}
	}

	return nil
}

// resolveTargetNodes looks up each target path, substituting a history
// pseudo-state with its recorded (or fallback) concrete descendant paths.
func (e *Engine) resolveTargetNodes(paths []string) []*StateNode {
	var out []*StateNode
	for _, p := range paths {
		n, ok := e.Machine.byPath[p]
		if !ok {
			continue
		}
		if n.Kind == KindHistory {
			out = append(out, e.resolveHistory(n)...)
			continue
		}
		out = append(out, n)
	}
	return out
}

// resolveHistory returns the deepest recorded (or fallback) leaf nodes for
// a history pseudo-state (§4.1, §8 scenario 5: deep history restoration).
func (e *Engine) resolveHistory(h *StateNode) []*StateNode {
	compoundPath := h.Path
	if h.Parent != nil {
		compoundPath = h.Parent.Path
	}
	recorded, ok := e.history.Resolve(compoundPath)
	var paths []string
	if ok {
		paths = recorded
	} else {
		paths = h.HistoryFallback
	}
	if h.HistoryDepth == HistoryShallow {
		paths = shallowestOnly(paths, compoundPath)
	}
	return deepestLeaves(e.Machine, paths)
}

// shallowestOnly keeps only the immediate children of parentPath.
func shallowestOnly(paths []string, parentPath string) []string {
	prefix := parentPath + "."
	var out []string
	for _, p := range paths {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if !strings.Contains(rest, ".") {
			out = append(out, p)
		}
	}
	return out
}

// deepestLeaves keeps only the paths in the set with no other member of
// the set as a proper descendant, and resolves them to nodes.
func deepestLeaves(m *Machine, paths []string) []*StateNode {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	var out []*StateNode
	for _, p := range paths {
		shadowed := false
		for other := range set {
			if other != p && strings.HasPrefix(other, p+".") {
				shadowed = true
				break
			}
		}
		if !shadowed {
			if n, ok := m.byPath[p]; ok {
				out = append(out, n)
			}
		}
	}
	return out
}

// exitBoundary computes the node above which nothing exits or enters.
// When the transition is internal and every target lies within source's
// own subtree, the boundary is source itself and source is excluded from
// its own exit/entry set (§3: "internal: true ... executes actions
// without firing exit/entry handlers on the source state").
func (e *Engine) exitBoundary(source *StateNode, targets []*StateNode, internal bool) (boundary *StateNode, sourceExcluded bool) {
	if len(targets) == 0 {
		return source, true // pure action transition: nothing exits or enters
	}
	if internal && allDescendantsOf(source, targets) {
		return source, true
	}
	b := commonAncestor(source, targets[0])
	for _, t := range targets[1:] {
		b = commonAncestor(b, t)
	}
	return b, false
}

func allDescendantsOf(ancestor *StateNode, nodes []*StateNode) bool {
	for _, n := range nodes {
		if !isDescendantOrSelf(ancestor, n) {
			return false
		}
	}
	return true
}

func isDescendantOrSelf(ancestor, n *StateNode) bool {
	for p := n; p != nil; p = p.Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

func commonAncestor(a, b *StateNode) *StateNode {
	ancestors := make(map[*StateNode]bool)
	for p := a; p != nil; p = p.Parent {
		ancestors[p] = true
	}
	for p := b; p != nil; p = p.Parent {
		if ancestors[p] {
			return p
		}
	}
	return nil
}

// activeDescendants returns n's currently-active proper descendants,
// deepest-first.
func activeDescendants(cfg *Configuration, n *StateNode) []*StateNode {
	var out []*StateNode
	var walk func(x *StateNode)
	walk = func(x *StateNode) {
		for _, c := range x.Children {
			if cfg.Has(c.Path) {
				walk(c)
				out = append(out, c)
			}
		}
	}
	walk(n)
	sort.SliceStable(out, func(i, j int) bool {
		return strings.Count(out[i].Path, ".") > strings.Count(out[j].Path, ".")
	})
	return out
}

// chainDown builds the shallowest-first entry list from boundary
// (exclusive) down to target (inclusive), then expands target further if
// it is compound or parallel.
func (e *Engine) chainDown(boundary, target *StateNode) []*StateNode {
	var chain []*StateNode
	for p := target; p != nil && p != boundary; p = p.Parent {
		chain = append([]*StateNode{p}, chain...)
	}
	chain = append(chain, e.expandForEntry(target)...)
	return chain
}

// expandForEntry expands a compound state via its initial child and a
// parallel state via every region, recursively, shallowest-first. Atomic
// and final states need no further expansion.
func (e *Engine) expandForEntry(n *StateNode) []*StateNode {
	switch n.Kind {
	case KindCompound:
		for _, c := range n.Children {
			if c.Name == n.Initial {
				return append([]*StateNode{c}, e.expandForEntry(c)...)
			}
		}
		return nil
	case KindParallel:
		var out []*StateNode
		for _, c := range n.Children {
			out = append(out, c)
			out = append(out, e.expandForEntry(c)...)
		}
		return out
	default:
		return nil
	}
}

func (e *Engine) enterNode(ctx context.Context, n *StateNode, eventData map[string]Value) error {
	e.cfg.Add(n.Path)
	for _, ref := range n.Entry {
		if err := e.runAction(ctx, ref, eventData); err != nil {
			return err
		}
	}
	for _, ae := range n.After {
		e.timers.Arm(n.Path, ae.DelayMS)
	}
	if n.Invoke != nil {
		if svc, ok := e.Registry.lookupService(n.Invoke.Src); ok {
			e.svc.Start(n.Path, n.Invoke.ID, svc, e.store.Snapshot(), eventData)
		}
	}
	if n.Kind == KindFinal {
		// A final state directly under the root (or the root itself,
		// for a single-state machine declared final outright) ends the
		// whole machine (§4.6: "a machine in a top-level final state is
		// in status done"). Any deeper final state only completes its
		// immediate compound/parallel parent, surfaced as onDone there.
		if n.Parent == nil || n.Parent == e.Machine.Root {
			e.status = StatusDone
			e.output = n.Output
			return nil
		}
		e.internalQ = append(e.internalQ, internalEvent{Name: "done.state." + n.Parent.Path, Data: n.Output})
		if parallel := nearestParallelAncestor(n); parallel != nil && allRegionsFinal(e.cfg, parallel) {
			e.internalQ = append(e.internalQ, internalEvent{Name: "done.state." + parallel.Path})
		}
	}
	return nil
}

// nearestParallelAncestor finds the closest Parallel ancestor of n, if any.
func nearestParallelAncestor(n *StateNode) *StateNode {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Kind == KindParallel {
			return p
		}
	}
	return nil
}

// allRegionsFinal reports whether every region of a parallel state has its
// own active leaf in a final state (§4.1: "onDone of a parallel compound
// fires iff every region reaches its final").
func allRegionsFinal(cfg *Configuration, parallel *StateNode) bool {
	for _, region := range parallel.Children {
		if !regionIsFinal(cfg, region) {
			return false
		}
	}
	return true
}

func regionIsFinal(cfg *Configuration, n *StateNode) bool {
	for {
		var next *StateNode
		for _, c := range n.Children {
			if cfg.Has(c.Path) {
				next = c
				break
			}
		}
		if next == nil {
			return n.Kind == KindFinal
		}
		n = next
	}
}

func (e *Engine) exitNode(ctx context.Context, n *StateNode) error {
	e.timers.CancelState(n.Path)
	e.svc.CancelState(n.Path)
	if n.Kind == KindCompound || n.Kind == KindParallel {
		recordHistory(e.history, e.cfg, n)
	}
	for _, ref := range n.Exit {
		if err := e.runAction(ctx, ref, nil); err != nil {
			return err
		}
	}
	e.cfg.Remove(n.Path)
	return nil
}

func recordHistory(h *HistoryMemory, cfg *Configuration, n *StateNode) {
	var paths []string
	var walk func(x *StateNode)
	walk = func(x *StateNode) {
		for _, c := range x.Children {
			if cfg.Has(c.Path) {
				paths = append(paths, c.Path)
				walk(c)
			}
		}
	}
	walk(n)
	h.Record(n.Path, paths)
}

// runAction dispatches one ActionRef: the five closed inline descriptors
// are interpreted directly; ActionNamed looks up the registry (§9:
// dynamic dispatch by string name, not open-world polymorphism). A named
// action that fails or is not registered is reported to observers as an
// ActionError and absorbed: the remaining actions run and the macrostep
// still runs to quiescence (§7).
func (e *Engine) runAction(ctx context.Context, ref ActionRef, eventData map[string]Value) error {
	switch ref.Kind {
	case ActionAssign:
		e.store.Set(ref.AssignKey, resolveTemplate(ref.AssignValue, eventData))
		return nil
	case ActionRaise:
		e.internalQ = append([]internalEvent{{Name: ref.Event}}, e.internalQ...)
		return nil
	case ActionSend:
		if e.sender == nil {
			return nil
		}
		data := make(map[string]Value, len(ref.Data))
		for k, tmpl := range ref.Data {
			data[k] = resolveTemplate(tmpl, eventData)
		}
		e.outbox = append(e.outbox, outboundSend{Target: ref.Target, Event: ref.Event, Data: data})
		return nil
	case ActionSpawn:
		if e.spawner == nil {
			return nil
		}
		_, err := e.spawner.Spawn(ref.SpawnSrc, ref.SpawnID)
		return err
	case ActionStop:
		if e.spawner == nil {
			return nil
		}
		return e.spawner.Stop(ref.StopID)
	case ActionNamed:
		var actionErr *Error
		a, ok := e.Registry.lookupAction(ref.Name)
		if !ok {
			actionErr = &Error{Code: CodeActionError, Message: "unknown action " + ref.Name, MachineID: e.Machine.ID}
		} else if err := a(ctx, e.store, eventData); err != nil {
			actionErr = &Error{Code: CodeActionError, Message: err.Error(), MachineID: e.Machine.ID, Cause: err}
		}
		if actionErr != nil {
			for _, o := range e.observers {
				o.OnError(e.Machine.ID, actionErr)
			}
		}
		return nil
	default:
		return nil
	}
}

func resolveTemplate(t AssignTemplate, eventData map[string]Value) Value {
	if !t.IsTemplate {
		return t.Literal
	}
	if eventData == nil {
		return Null()
	}
	if v, ok := eventData[t.EventPath]; ok {
		return v
	}
	return Null()
}

func (e *Engine) mergedMeta() map[string]map[string]Value {
	out := make(map[string]map[string]Value)
	for _, p := range e.cfg.Paths() {
		if n, ok := e.Machine.byPath[p]; ok && len(n.Meta) > 0 {
			out[p] = n.Meta
		}
	}
	return out
}

// Snapshot returns a copy-safe view of the current configuration (§6).
func (e *Engine) Snapshot() StateSnapshot {
	tags := make(map[string]bool)
	var description string
	for _, p := range e.cfg.Paths() {
		if n, ok := e.Machine.byPath[p]; ok {
			for _, t := range n.Tags {
				tags[t] = true
			}
			if n.Description != "" {
				description = n.Description
			}
		}
	}
	return StateSnapshot{
		MachineID:    e.Machine.ID,
		CurrentState: joinLeaves(e.Machine, e.cfg),
		Context:      e.store.Snapshot(),
		Meta:         e.mergedMeta(),
		Tags:         tags,
		Description:  description,
		Output:       e.output,
		Status:       e.status,
	}
}

// Shutdown cancels all timers and invoked services, on machine disposal.
func (e *Engine) Shutdown() {
	e.timers.CancelAll()
	e.svc.CancelAll()
}
