package statechart

import (
	"fmt"
	"strings"
)

// Visualizer renders a Machine's static State Tree for documentation and
// debugging; it never touches a running Engine's configuration.
type Visualizer struct {
	machine *Machine
}

func NewVisualizer(m *Machine) *Visualizer {
	return &Visualizer{machine: m}
}

// ToMermaid generates a Mermaid state diagram, nesting compound and
// parallel states as Mermaid composite states.
func (v *Visualizer) ToMermaid() string {
	var sb strings.Builder
	sb.WriteString("```mermaid\nstateDiagram-v2\n")
	v.writeMermaidChildren(&sb, v.machine.Root, 1)
	sb.WriteString("```\n")
	return sb.String()
}

// writeMermaidChildren renders parent's children and the transitions
// leaving them; a compound or parallel child opens its own nested
// "state X { ... }" block exactly once, at the call site, so recursion
// never re-opens a block for the same node.
func (v *Visualizer) writeMermaidChildren(sb *strings.Builder, parent *StateNode, indent int) {
	pad := strings.Repeat("    ", indent)
	if parent.Kind == KindCompound {
		for _, c := range parent.Children {
			if c.Name == parent.Initial {
				sb.WriteString(fmt.Sprintf("%s[*] --> %s\n", pad, mermaidID(c)))
			}
		}
	}
	for _, c := range parent.Children {
		switch c.Kind {
		case KindCompound, KindParallel:
			sb.WriteString(fmt.Sprintf("%sstate %s {\n", pad, mermaidID(c)))
			v.writeMermaidChildren(sb, c, indent+1)
			sb.WriteString(pad + "}\n")
		case KindFinal:
			sb.WriteString(fmt.Sprintf("%s%s --> [*]\n", pad, mermaidID(c)))
		}
		for event, defs := range c.On {
			for _, d := range defs {
				for _, target := range d.Targets {
					label := event
					if d.Cond != "" {
						label += " [" + d.Cond + "]"
					}
					sb.WriteString(fmt.Sprintf("%s%s --> %s : %s\n", pad, mermaidID(c), target, label))
				}
			}
		}
	}
}

func mermaidID(n *StateNode) string {
	return strings.ReplaceAll(n.Path, ".", "_")
}

// ToASCII produces an indented outline of the machine's state tree.
func (v *Visualizer) ToASCII() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Machine: %s\n", v.machine.ID))
	sb.WriteString(strings.Repeat("=", 60) + "\n\n")
	v.writeASCIINode(&sb, v.machine.Root, 0)
	return sb.String()
}

func (v *Visualizer) writeASCIINode(sb *strings.Builder, n *StateNode, depth int) {
	pad := strings.Repeat("  ", depth)
	marker := ""
	switch n.Kind {
	case KindFinal:
		marker = " (final)"
	case KindParallel:
		marker = " (parallel)"
	case KindHistory:
		marker = " (history)"
	}
	sb.WriteString(fmt.Sprintf("%s• %s%s\n", pad, n.Name, marker))
	for event, defs := range n.On {
		for _, d := range defs {
			guard := ""
			if d.Cond != "" {
				guard = " [" + d.Cond + "]"
			}
			targets := strings.Join(d.Targets, ", ")
			if targets == "" {
				targets = "(internal)"
			}
			sb.WriteString(fmt.Sprintf("%s    %s -> %s%s\n", pad, event, targets, guard))
		}
	}
	for _, c := range n.Children {
		v.writeASCIINode(sb, c, depth+1)
	}
}

// ToGraphviz produces a flattened Graphviz DOT graph across every node in
// the tree, regardless of nesting — useful when a reader only cares about
// reachability, not containment.
func (v *Visualizer) ToGraphviz() string {
	var sb strings.Builder
	sb.WriteString("digraph StateMachine {\n  rankdir=LR;\n  node [shape=circle];\n\n")

	var nodes []*StateNode
	var walk func(n *StateNode)
	walk = func(n *StateNode) {
		nodes = append(nodes, n)
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(v.machine.Root)

	for _, n := range nodes {
		shape := "circle"
		switch n.Kind {
		case KindFinal:
			shape = "doublecircle"
		case KindCompound, KindParallel:
			shape = "box"
		case KindHistory:
			shape = "diamond"
		}
		sb.WriteString(fmt.Sprintf("  %q [shape=%s];\n", n.Path, shape))
	}
	for _, n := range nodes {
		for event, defs := range n.On {
			for _, d := range defs {
				label := event
				if d.Cond != "" {
					label += "\\n[" + d.Cond + "]"
				}
				for _, target := range d.Targets {
					sb.WriteString(fmt.Sprintf("  %q -> %q [label=%q];\n", n.Path, target, label))
				}
			}
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

// GetStats reports simple size metrics about the machine's state tree.
func (v *Visualizer) GetStats() map[string]interface{} {
	var stateCount, transitionCount, finalCount, parallelCount, historyCount int
	var walk func(n *StateNode)
	walk = func(n *StateNode) {
		stateCount++
		for _, defs := range n.On {
			transitionCount += len(defs)
		}
		transitionCount += len(n.Always)
		switch n.Kind {
		case KindFinal:
			finalCount++
		case KindParallel:
			parallelCount++
		case KindHistory:
			historyCount++
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(v.machine.Root)

	return map[string]interface{}{
		"id":              v.machine.ID,
		"stateCount":      stateCount,
		"transitionCount": transitionCount,
		"finalStateCount": finalCount,
		"parallelCount":   parallelCount,
		"historyCount":    historyCount,
	}
}

// Validate reports structural issues the Spec Loader's own validation
// does not already reject outright: states with no way out that are not
// final, and event tables with several candidates, of which the first
// whose guard passes wins.
func (v *Visualizer) Validate() []string {
	var issues []string
	var walk func(n *StateNode)
	walk = func(n *StateNode) {
		if n.Kind == KindAtomic && len(n.On) == 0 && len(n.Always) == 0 && len(n.After) == 0 {
			issues = append(issues, fmt.Sprintf("state %q has no outgoing transitions and is not final", n.Path))
		}
		for event, defs := range n.On {
			if len(defs) > 1 {
				issues = append(issues, fmt.Sprintf("state %q has %d candidate transitions for event %q; the first whose guard passes wins", n.Path, len(defs), event))
			}
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(v.machine.Root)
	return issues
}
