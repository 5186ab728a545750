// Package workflow implements the finite-state-machine engine driving
// multi-step tasks. A Definition is pure data: named nodes bound to exactly
// one action each (agent call, capability invocation or pure state
// transform), directed edges evaluated in declaration order, one entry node
// and one or more terminal names. One generic Engine interprets every
// definition over a mutable WorkflowState, persisting a checkpoint after
// every step.
package workflow

import (
	"fmt"

	"github.com/taskmesh/taskmesh/core"
)

// Predicate decides whether an edge is taken, evaluated over the workflow
// state after the source node has run and its output has been merged.
type Predicate func(s *core.WorkflowState) bool

// Edge is one directed transition out of a node. A nil When marks the
// unconditional default edge, evaluated after every conditional edge
// regardless of declaration position. OnError edges are ignored during
// normal selection and followed only when the source node's action fails.
type Edge struct {
	To      string
	When    Predicate
	OnError bool
}

// Node binds a name to exactly one action. Which action runs is determined
// by which of Agent, Capability or Transform is set; setting none or more
// than one is an integrity fault caught by Validate.
type Node struct {
	Name string

	// Agent names a registered agent to call. Prompt derives the message
	// handed to it; when nil the "message" slot is used.
	Agent  string
	Prompt func(s *core.WorkflowState) string

	// Capability names a registered capability to invoke. Args derives the
	// arguments; when nil the capability is invoked with no arguments.
	Capability string
	Args       func(s *core.WorkflowState) map[string]any

	// Transform is a pure state transform returning a delta to merge.
	Transform func(s *core.WorkflowState) (map[string]any, error)

	// OutputSlot receives the agent reply or capability result. Defaults to
	// the node name. Ignored for transforms, which return explicit deltas.
	OutputSlot string
}

// actionCount reports how many actions the node declares.
func (n *Node) actionCount() int {
	count := 0
	if n.Agent != "" {
		count++
	}
	if n.Capability != "" {
		count++
	}
	if n.Transform != nil {
		count++
	}
	return count
}

// outputSlot returns the slot the node's result lands in.
func (n *Node) outputSlot() string {
	if n.OutputSlot != "" {
		return n.OutputSlot
	}
	return n.Name
}

// Definition is an immutable workflow graph. Build it with AddNode/AddEdge/
// SetEntry/AddTerminal, then Validate once; the engine validates again before
// every execution so a malformed graph can never start.
type Definition struct {
	ID          string
	Description string

	entry     string
	terminals map[string]struct{}
	nodes     map[string]*Node
	order     []string
	edges     map[string][]Edge
}

// NewDefinition creates an empty workflow definition.
func NewDefinition(id, description string) *Definition {
	return &Definition{
		ID:          id,
		Description: description,
		terminals:   map[string]struct{}{},
		nodes:       map[string]*Node{},
		edges:       map[string][]Edge{},
	}
}

// AddNode declares a node. Redeclaring a name overwrites it, which Validate
// treats as fine; the last declaration wins.
func (d *Definition) AddNode(n Node) *Definition {
	if _, exists := d.nodes[n.Name]; !exists {
		d.order = append(d.order, n.Name)
	}
	d.nodes[n.Name] = &n
	return d
}

// AddEdge appends edges out of a node in declaration order.
func (d *Definition) AddEdge(from string, edges ...Edge) *Definition {
	d.edges[from] = append(d.edges[from], edges...)
	return d
}

// SetEntry names the entry node.
func (d *Definition) SetEntry(name string) *Definition {
	d.entry = name
	return d
}

// AddTerminal declares one or more terminal (END) names. Terminals are
// pseudo-nodes: execution halts when the current node is terminal, with no
// action bound.
func (d *Definition) AddTerminal(names ...string) *Definition {
	for _, name := range names {
		d.terminals[name] = struct{}{}
	}
	return d
}

// Entry returns the entry node name.
func (d *Definition) Entry() string { return d.entry }

// Node returns a declared node by name.
func (d *Definition) Node(name string) (*Node, bool) {
	n, ok := d.nodes[name]
	return n, ok
}

// Edges returns the declared outgoing edges of a node in declaration order.
func (d *Definition) Edges(name string) []Edge { return d.edges[name] }

// IsTerminal reports whether name is a declared terminal.
func (d *Definition) IsTerminal(name string) bool {
	_, ok := d.terminals[name]
	return ok
}

// Steps returns the node names in declaration order, for status output.
func (d *Definition) Steps() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// errorEdge returns the declared error edge of a node, if any.
func (d *Definition) errorEdge(name string) (Edge, bool) {
	for _, e := range d.edges[name] {
		if e.OnError {
			return e, true
		}
	}
	return Edge{}, false
}

// Validate checks graph integrity. Every violation is a core.IntegrityFault:
// a malformed definition is a configuration bug, never a runtime condition.
func (d *Definition) Validate() error {
	fault := func(format string, args ...any) error {
		return &core.IntegrityFault{Scope: d.ID, Detail: fmt.Sprintf(format, args...)}
	}

	if d.entry == "" {
		return fault("no entry node declared")
	}
	if _, ok := d.nodes[d.entry]; !ok {
		return fault("entry node %q is not declared", d.entry)
	}
	if len(d.terminals) == 0 {
		return fault("no terminal node declared")
	}
	for terminal := range d.terminals {
		if _, ok := d.nodes[terminal]; ok {
			return fault("terminal %q must not be a bound node", terminal)
		}
	}

	for _, name := range d.order {
		n := d.nodes[name]
		if n.actionCount() != 1 {
			return fault("node %q must bind exactly one action", name)
		}

		edges := d.edges[name]
		if len(edges) == 0 {
			return fault("node %q has no outgoing edge", name)
		}
		defaults := 0
		for _, e := range edges {
			if _, ok := d.nodes[e.To]; !ok && !d.IsTerminal(e.To) {
				return fault("edge %s -> %s targets an undeclared node", name, e.To)
			}
			if !e.OnError && e.When == nil {
				defaults++
			}
		}
		if defaults > 1 {
			return fault("node %q declares more than one default edge", name)
		}
	}

	for from := range d.edges {
		if _, ok := d.nodes[from]; !ok {
			return fault("edges declared for undeclared node %q", from)
		}
	}
	return nil
}
