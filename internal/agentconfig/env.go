package agentconfig

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// EnvVar is one exported environment variable.
type EnvVar struct {
	Name  string
	Value string
}

// Env is an ordered set of environment variables. It is rendered as a YAML
// mapping whose key order is kept on both encode and decode, and exported to
// the workload in the same order.
type Env []EnvVar

// Set replaces the value of an existing variable in place, or appends it.
func (e *Env) Set(name, value string) {
	for i := range *e {
		if (*e)[i].Name == name {
			(*e)[i].Value = value
			return
		}
	}
	*e = append(*e, EnvVar{Name: name, Value: value})
}

// Get returns the value of a variable.
func (e Env) Get(name string) (string, bool) {
	for _, v := range e {
		if v.Name == name {
			return v.Value, true
		}
	}
	return "", false
}

// Environ returns NAME=value pairs in order, suitable for exec.Cmd.Env.
func (e Env) Environ() []string {
	out := make([]string, 0, len(e))
	for _, v := range e {
		out = append(out, v.Name+"="+v.Value)
	}
	return out
}

// MarshalYAML implements yaml.Marshaler.
func (e Env) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, v := range e {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v.Name},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v.Value},
		)
	}
	return node, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *Env) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("env: expected a mapping, got %s at line %d", kindName(node.Kind), node.Line)
	}
	out := make(Env, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return fmt.Errorf("env: value of %s must be a scalar (line %d)", key.Value, value.Line)
		}
		out.Set(key.Value, value.Value)
	}
	*e = out
	return nil
}

func kindName(kind yaml.Kind) string {
	switch kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "unknown"
	}
}
