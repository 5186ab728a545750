package workflow

import (
	"fmt"
	"os"
	"reflect"

	"gopkg.in/yaml.v3"

	"github.com/taskmesh/taskmesh/core"
)

// The YAML form describes a definition without code: nodes bind an agent or
// a capability by id, edge conditions are declarative slot predicates.
// Transform nodes have no YAML form; workflows needing them are built in Go.
//
//	id: task_creation
//	entry: validate
//	terminals: [done]
//	nodes:
//	  - name: validate
//	    capability: validate_task_input
//	    output_slot: validation
//	    args:
//	      - name: task
//	        slot: task
//	    edges:
//	      - to: create
//	        when: {slot: validation_passed, equals: true}
//	      - to: reject
type yamlDefinition struct {
	ID          string     `yaml:"id"`
	Description string     `yaml:"description"`
	Entry       string     `yaml:"entry"`
	Terminals   []string   `yaml:"terminals"`
	Nodes       []yamlNode `yaml:"nodes"`
}

type yamlNode struct {
	Name       string     `yaml:"name"`
	Agent      string     `yaml:"agent"`
	Prompt     string     `yaml:"prompt"`
	Capability string     `yaml:"capability"`
	Args       []yamlArg  `yaml:"args"`
	OutputSlot string     `yaml:"output_slot"`
	Edges      []yamlEdge `yaml:"edges"`
}

// yamlArg copies a state slot into a capability argument.
type yamlArg struct {
	Name string `yaml:"name"`
	Slot string `yaml:"slot"`
}

type yamlEdge struct {
	To      string         `yaml:"to"`
	When    *yamlCondition `yaml:"when"`
	OnError bool           `yaml:"on_error"`
}

// yamlCondition is a declarative edge predicate. Exactly one of the forms is
// used: slot+equals, slot+exists, or has_error.
type yamlCondition struct {
	Slot     string `yaml:"slot"`
	Equals   any    `yaml:"equals"`
	Exists   *bool  `yaml:"exists"`
	HasError bool   `yaml:"has_error"`
}

// ParseDefinition decodes a YAML workflow definition and validates it.
func ParseDefinition(data []byte) (*Definition, error) {
	var raw yamlDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &core.ConfigurationError{
			Component: "workflow",
			Message:   fmt.Sprintf("parse definition: %v", err),
		}
	}

	def := NewDefinition(raw.ID, raw.Description)
	def.SetEntry(raw.Entry)
	def.AddTerminal(raw.Terminals...)

	for _, yn := range raw.Nodes {
		node := Node{
			Name:       yn.Name,
			Agent:      yn.Agent,
			Capability: yn.Capability,
			OutputSlot: yn.OutputSlot,
		}
		if yn.Prompt != "" {
			// Prompt names a state slot; when the slot is absent the literal
			// text itself is sent to the agent.
			prompt := yn.Prompt
			node.Prompt = func(s *core.WorkflowState) string {
				return s.GetString(prompt, prompt)
			}
		}
		if len(yn.Args) > 0 {
			args := yn.Args
			node.Args = func(s *core.WorkflowState) map[string]any {
				out := make(map[string]any, len(args))
				for _, a := range args {
					if v, ok := s.Get(a.Slot); ok {
						out[a.Name] = v
					}
				}
				return out
			}
		}
		def.AddNode(node)

		for _, ye := range yn.Edges {
			edge := Edge{To: ye.To, OnError: ye.OnError}
			if ye.When != nil {
				pred, err := ye.When.predicate()
				if err != nil {
					return nil, &core.ConfigurationError{
						Component: "workflow",
						Message:   fmt.Sprintf("node %q edge to %q: %v", yn.Name, ye.To, err),
					}
				}
				edge.When = pred
			}
			def.AddEdge(yn.Name, edge)
		}
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadDefinitionFile reads and parses a YAML workflow definition from disk.
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &core.ConfigurationError{
			Component: "workflow",
			Message:   fmt.Sprintf("read definition %s: %v", path, err),
		}
	}
	return ParseDefinition(data)
}

func (c *yamlCondition) predicate() (Predicate, error) {
	switch {
	case c.HasError:
		return func(s *core.WorkflowState) bool { return s.Failed() }, nil
	case c.Slot != "" && c.Exists != nil:
		slot, want := c.Slot, *c.Exists
		return func(s *core.WorkflowState) bool {
			_, ok := s.Get(slot)
			return ok == want
		}, nil
	case c.Slot != "" && c.Equals != nil:
		slot, want := c.Slot, c.Equals
		return func(s *core.WorkflowState) bool {
			got, ok := s.Get(slot)
			return ok && looseEqual(got, want)
		}, nil
	}
	return nil, fmt.Errorf("condition must set has_error, slot+exists or slot+equals")
}

// looseEqual compares slot values against YAML literals, tolerating the int
// vs float and stringified forms YAML decoding produces.
func looseEqual(got, want any) bool {
	if reflect.DeepEqual(got, want) {
		return true
	}
	return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want)
}
