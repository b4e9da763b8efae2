package statechart

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// rawNode mirrors the JSON shape documented in spec §6; Load normalizes it
// into the immutable StateNode tree.
type rawNode struct {
	ID          string                     `json:"id,omitempty"`
	Initial     string                     `json:"initial,omitempty"`
	Type        string                     `json:"type,omitempty"`
	Context     map[string]interface{}     `json:"context,omitempty"`
	States      map[string]*rawNode        `json:"states,omitempty"`
	On          map[string]json.RawMessage `json:"on,omitempty"`
	Always      json.RawMessage            `json:"always,omitempty"`
	After       map[string]json.RawMessage `json:"after,omitempty"`
	Invoke      *rawInvoke                 `json:"invoke,omitempty"`
	Entry       json.RawMessage            `json:"entry,omitempty"`
	Exit        json.RawMessage            `json:"exit,omitempty"`
	OnDone      json.RawMessage            `json:"onDone,omitempty"`
	Meta        map[string]interface{}     `json:"meta,omitempty"`
	Description string                     `json:"description,omitempty"`
	Tags        []string                   `json:"tags,omitempty"`
	Output      map[string]interface{}     `json:"output,omitempty"`
	Target      json.RawMessage            `json:"target,omitempty"` // history fallback
	History     string                     `json:"history,omitempty"` // "shallow" | "deep"
}

type rawInvoke struct {
	ID      string          `json:"id,omitempty"`
	Src     string          `json:"src"`
	OnDone  json.RawMessage `json:"onDone,omitempty"`
	OnError json.RawMessage `json:"onError,omitempty"`
}

// rawTransition is the object form of a transition target. `on` and
// `after`/`invoke.onDone`/`invoke.onError` values may also be a bare
// string (sibling target) or a list of these objects.
type rawTransition struct {
	Target   json.RawMessage `json:"target,omitempty"`
	Cond     string          `json:"cond,omitempty"`
	Actions  json.RawMessage `json:"actions,omitempty"`
	Internal bool            `json:"internal,omitempty"`
}

// Load parses and validates a JSON machine definition, producing an
// immutable Machine. Errors are always *Error with Code == CodeSpecError.
func Load(doc []byte) (*Machine, error) {
	var root rawNode
	if err := json.Unmarshal(doc, &root); err != nil {
		return nil, SpecError("invalid JSON: %v", err)
	}
	if root.ID == "" {
		return nil, SpecError("machine is missing required \"id\"")
	}

	m := &Machine{
		ID:             root.ID,
		ContextDefault: rawMapToValues(root.Context),
		Description:    root.Description,
		byPath:         make(map[string]*StateNode),
	}

	node, err := normalizeNode(&root, root.ID, nil, m)
	if err != nil {
		return nil, err
	}
	m.Root = node

	if err := validateTargets(m); err != nil {
		return nil, err
	}
	return m, nil
}

func rawMapToValues(m map[string]interface{}) map[string]Value {
	if m == nil {
		return nil
	}
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = FromNative(v)
	}
	return out
}

func normalizeNode(raw *rawNode, path string, parent *StateNode, m *Machine) (*StateNode, error) {
	name := path
	if idx := strings.LastIndexByte(path, '.'); idx >= 0 {
		name = path[idx+1:]
	}

	n := &StateNode{
		Name:        name,
		Path:        path,
		Parent:      parent,
		Initial:     raw.Initial,
		Meta:        rawMapToValues(raw.Meta),
		Description: raw.Description,
		Tags:        raw.Tags,
		Output:      rawMapToValues(raw.Output),
	}

	switch raw.Type {
	case "", "compound":
		n.Kind = KindCompound
	case "parallel":
		n.Kind = KindParallel
	case "final":
		n.Kind = KindFinal
	case "history":
		n.Kind = KindHistory
		if raw.History == "deep" {
			n.HistoryDepth = HistoryDeep
		}
	default:
		return nil, SpecError("state %q: unknown type %q", path, raw.Type)
	}

	if len(raw.States) == 0 {
		if n.Kind == KindCompound {
			n.Kind = KindAtomic
		}
	}

	if n.Kind == KindFinal && (raw.Initial != "" || len(raw.States) > 0) {
		return nil, SpecError("state %q: final state must not declare initial or children", path)
	}
	if n.Kind == KindParallel && raw.Initial != "" {
		return nil, SpecError("state %q: parallel state must not declare initial", path)
	}
	if n.Kind == KindHistory {
		if raw.Target != nil {
			targets, err := parseTargetField(raw.Target)
			if err != nil {
				return nil, SpecError("state %q: %v", path, err)
			}
			n.HistoryFallback = targets
		}
	}

	if err := attachActions(n, raw, path); err != nil {
		return nil, err
	}
	if err := attachTransitionTables(n, raw, path); err != nil {
		return nil, err
	}
	if err := attachInvoke(n, raw, path); err != nil {
		return nil, err
	}

	m.byPath[path] = n

	if len(raw.States) > 0 {
		names := make([]string, 0, len(raw.States))
		for childName := range raw.States {
			names = append(names, childName)
		}
		sort.Strings(names) // deterministic even though declaration order is lost to map decoding
		seen := map[string]bool{}
		for _, childName := range names {
			if seen[childName] {
				return nil, SpecError("state %q: duplicate child %q", path, childName)
			}
			seen[childName] = true
			childRaw := raw.States[childName]
			child, err := normalizeNode(childRaw, path+"."+childName, n, m)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
		}
		if n.Kind == KindCompound && n.Initial == "" {
			n.Initial = n.Children[0].Name
		}
	}

	return n, nil
}

func attachActions(n *StateNode, raw *rawNode, path string) error {
	entry, err := parseActionList(raw.Entry)
	if err != nil {
		return SpecError("state %q: entry: %v", path, err)
	}
	n.Entry = entry
	exit, err := parseActionList(raw.Exit)
	if err != nil {
		return SpecError("state %q: exit: %v", path, err)
	}
	n.Exit = exit
	return nil
}

func attachTransitionTables(n *StateNode, raw *rawNode, path string) error {
	if len(raw.On) > 0 {
		n.On = make(map[string][]*TransitionDef, len(raw.On))
		for event, value := range raw.On {
			defs, err := parseTransitionValue(value, event)
			if err != nil {
				return SpecError("state %q: on[%s]: %v", path, event, err)
			}
			n.On[event] = defs
		}
	}
	if raw.Always != nil {
		defs, err := parseTransitionValue(raw.Always, "")
		if err != nil {
			return SpecError("state %q: always: %v", path, err)
		}
		n.Always = defs
	}
	if len(raw.After) > 0 {
		for delayStr, value := range raw.After {
			delay, err := strconv.ParseInt(delayStr, 10, 64)
			if err != nil {
				return SpecError("state %q: after key %q is not an integer millisecond delay", path, delayStr)
			}
			defs, err := parseTransitionValue(value, fmt.Sprintf("after(%d,%s)", delay, path))
			if err != nil {
				return SpecError("state %q: after[%s]: %v", path, delayStr, err)
			}
			for _, d := range defs {
				n.After = append(n.After, &AfterEntry{DelayMS: delay, Transition: d})
			}
			mergeOn(n, fmt.Sprintf("after(%d,%s)", delay, path), defs)
		}
		sort.SliceStable(n.After, func(i, j int) bool { return n.After[i].DelayMS < n.After[j].DelayMS })
	}
	if raw.OnDone != nil {
		event := "done.state." + path
		defs, err := parseTransitionValue(raw.OnDone, event)
		if err != nil {
			return SpecError("state %q: onDone: %v", path, err)
		}
		n.OnDone = defs
		mergeOn(n, event, defs)
	}
	return nil
}

// mergeOn folds a specialized transition table (onDone, invoke.onDone,
// invoke.onError) into the generic On map so the resolver's single
// event-dispatch path handles them with no special casing.
func mergeOn(n *StateNode, event string, defs []*TransitionDef) {
	if n.On == nil {
		n.On = make(map[string][]*TransitionDef)
	}
	n.On[event] = append(n.On[event], defs...)
}

func attachInvoke(n *StateNode, raw *rawNode, path string) error {
	if raw.Invoke == nil {
		return nil
	}
	id := raw.Invoke.ID
	if id == "" {
		id = path + ".invoke"
	}
	inv := &InvokeDef{ID: id, Src: raw.Invoke.Src}
	if raw.Invoke.Src == "" {
		return SpecError("state %q: invoke missing \"src\"", path)
	}
	if raw.Invoke.OnDone != nil {
		event := "invoke.done:" + id
		defs, err := parseTransitionValue(raw.Invoke.OnDone, event)
		if err != nil {
			return SpecError("state %q: invoke.onDone: %v", path, err)
		}
		inv.OnDone = defs
		mergeOn(n, event, defs)
	}
	if raw.Invoke.OnError != nil {
		event := "invoke.error:" + id
		defs, err := parseTransitionValue(raw.Invoke.OnError, event)
		if err != nil {
			return SpecError("state %q: invoke.onError: %v", path, err)
		}
		inv.OnError = defs
		mergeOn(n, event, defs)
	}
	n.Invoke = inv
	return nil
}

// parseTransitionValue accepts a bare string, a single object, or a list
// of either, per rule 4.
func parseTransitionValue(raw json.RawMessage, event string) ([]*TransitionDef, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	if trimmed[0] == '"' {
		var target string
		if err := json.Unmarshal(raw, &target); err != nil {
			return nil, err
		}
		return []*TransitionDef{{Event: event, Targets: []string{target}}}, nil
	}

	if trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		var out []*TransitionDef
		for _, item := range list {
			defs, err := parseTransitionValue(item, event)
			if err != nil {
				return nil, err
			}
			out = append(out, defs...)
		}
		return out, nil
	}

	var obj rawTransition
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	targets, err := parseTargetField(obj.Target)
	if err != nil {
		return nil, err
	}
	actions, err := parseActionList(obj.Actions)
	if err != nil {
		return nil, err
	}
	return []*TransitionDef{{
		Event:    event,
		Targets:  targets,
		Cond:     obj.Cond,
		Actions:  actions,
		Internal: obj.Internal,
	}}, nil
}

// parseTargetField accepts rule 3: a single string, an object with
// "target", or a list — all collapsed to an ordered []string.
func parseTargetField(raw json.RawMessage) ([]string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
	if trimmed[0] == '[' {
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var obj struct {
		Target string `json:"target"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj.Target == "" {
		return nil, nil
	}
	return []string{obj.Target}, nil
}

// rawAction mirrors the five closed inline descriptors plus the
// registry-name escape hatch.
type rawAction struct {
	// as a bare string this is ActionNamed
	Name string

	Assign map[string]json.RawMessage `json:"assign,omitempty"`
	Raise  *rawRaise                  `json:"raise,omitempty"`
	Send   *rawSend                   `json:"send,omitempty"`
	Spawn  *rawSpawn                  `json:"spawn,omitempty"`
	Stop   *rawStop                   `json:"stop,omitempty"`
}

type rawRaise struct {
	Event string `json:"event"`
}
type rawSend struct {
	Event  string                     `json:"event"`
	Target string                     `json:"target,omitempty"`
	Data   map[string]json.RawMessage `json:"data,omitempty"`
}
type rawSpawn struct {
	Src string `json:"src"`
	ID  string `json:"id,omitempty"`
}
type rawStop struct {
	ID string `json:"id"`
}

func parseActionList(raw json.RawMessage) ([]ActionRef, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if trimmed[0] != '[' {
		ref, err := parseOneAction(raw)
		if err != nil {
			return nil, err
		}
		return []ActionRef{ref}, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	out := make([]ActionRef, 0, len(list))
	for _, item := range list {
		ref, err := parseOneAction(item)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

func parseOneAction(raw json.RawMessage) (ActionRef, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed != "" && trimmed[0] == '"' {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return ActionRef{}, err
		}
		return ActionRef{Kind: ActionNamed, Name: name}, nil
	}

	var obj struct {
		Assign map[string]json.RawMessage `json:"assign"`
		Raise  *rawRaise                  `json:"raise"`
		Send   *rawSend                   `json:"send"`
		Spawn  *rawSpawn                  `json:"spawn"`
		Stop   *rawStop                   `json:"stop"`
		Type   string                     `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ActionRef{}, err
	}
	switch {
	case obj.Assign != nil:
		// { assign: { key: value } } takes one key. Only the first key
		// the map iteration yields is used; any further keys of a
		// multi-key assign object are ignored, and which one is kept is
		// not defined.
		for k, v := range obj.Assign {
			tmpl, err := parseAssignTemplate(v)
			if err != nil {
				return ActionRef{}, err
			}
			return ActionRef{Kind: ActionAssign, AssignKey: k, AssignValue: tmpl}, nil
		}
		return ActionRef{}, fmt.Errorf("assign requires at least one key")
	case obj.Raise != nil:
		return ActionRef{Kind: ActionRaise, Event: obj.Raise.Event}, nil
	case obj.Send != nil:
		data, err := parseDataTemplates(obj.Send.Data)
		if err != nil {
			return ActionRef{}, err
		}
		return ActionRef{Kind: ActionSend, Event: obj.Send.Event, Target: obj.Send.Target, Data: data}, nil
	case obj.Spawn != nil:
		return ActionRef{Kind: ActionSpawn, SpawnSrc: obj.Spawn.Src, SpawnID: obj.Spawn.ID}, nil
	case obj.Stop != nil:
		return ActionRef{Kind: ActionStop, StopID: obj.Stop.ID}, nil
	case obj.Type != "":
		return ActionRef{Kind: ActionNamed, Name: obj.Type}, nil
	default:
		return ActionRef{}, fmt.Errorf("unrecognized action descriptor: %s", trimmed)
	}
}

func parseDataTemplates(raw map[string]json.RawMessage) (map[string]AssignTemplate, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(map[string]AssignTemplate, len(raw))
	for k, v := range raw {
		tmpl, err := parseAssignTemplate(v)
		if err != nil {
			return nil, err
		}
		out[k] = tmpl
	}
	return out, nil
}

// parseAssignTemplate recognizes the "eventData.foo" reference form; any
// other JSON value is a literal.
func parseAssignTemplate(raw json.RawMessage) (AssignTemplate, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && strings.HasPrefix(s, "eventData.") {
		return AssignTemplate{IsTemplate: true, EventPath: strings.TrimPrefix(s, "eventData.")}, nil
	}
	var x interface{}
	if err := json.Unmarshal(raw, &x); err != nil {
		return AssignTemplate{}, err
	}
	return AssignTemplate{Literal: FromNative(x)}, nil
}

// validateTargets resolves every transition target's path syntax (rule 2)
// and checks rule 8's remaining duplicate/unknown-path conditions.
func validateTargets(m *Machine) error {
	var walk func(n *StateNode) error
	walk = func(n *StateNode) error {
		check := func(defs []*TransitionDef) error {
			for _, d := range defs {
				for i, t := range d.Targets {
					resolved, err := resolveTarget(m, n, t)
					if err != nil {
						return err
					}
					d.Targets[i] = resolved
					if _, ok := m.byPath[resolved]; !ok {
						return SpecError("state %q: transition target %q does not resolve to a known state", n.Path, t)
					}
				}
			}
			return nil
		}
		for _, defs := range n.On {
			if err := check(defs); err != nil {
				return err
			}
		}
		if err := check(n.Always); err != nil {
			return err
		}
		for _, ae := range n.After {
			if err := check([]*TransitionDef{ae.Transition}); err != nil {
				return err
			}
		}
		if err := check(n.OnDone); err != nil {
			return err
		}
		if n.Invoke != nil {
			if err := check(n.Invoke.OnDone); err != nil {
				return err
			}
			if err := check(n.Invoke.OnError); err != nil {
				return err
			}
		}
		if n.Kind == KindHistory && len(n.HistoryFallback) > 0 {
			for i, t := range n.HistoryFallback {
				resolved, err := resolveTarget(m, n, t)
				if err != nil {
					return err
				}
				n.HistoryFallback[i] = resolved
			}
		}
		if n.Kind == KindHistory && len(n.HistoryFallback) == 0 {
			// Rule 8: a history state with no fallback target is only
			// valid if a parent sibling can supply memory at runtime;
			// the loader permits it and the engine errors if reached
			// with no recorded memory and no fallback.
		}
		for _, c := range n.Children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(m.Root)
}

// resolveTarget implements the three path syntaxes of §4.1 rule 2.
func resolveTarget(m *Machine, declaring *StateNode, target string) (string, error) {
	switch {
	case strings.HasPrefix(target, "#"):
		return strings.TrimPrefix(target, "#"), nil
	case strings.HasPrefix(target, "."):
		return declaring.Path + target, nil
	default:
		if declaring.Parent == nil {
			return m.ID + "." + target, nil
		}
		return declaring.Parent.Path + "." + target, nil
	}
}
