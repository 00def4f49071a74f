// Package state implements the key-value tree used to persist engine, mixer
// and sequencer settings.
//
// A Node has a type name, a flat set of scalar properties and an ordered list
// of children. Readers use the typed getters with a fallback value, so a tree
// with missing or malformed fields still loads.
package state

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Node struct {
	Type       string         `yaml:"type"`
	Properties map[string]any `yaml:"properties,omitempty"`
	Children   []*Node        `yaml:"children,omitempty"`
}

func New(typ string) *Node {
	return &Node{Type: typ}
}

// Set stores a scalar property and returns n for chaining.
func (n *Node) Set(key string, value any) *Node {
	if n.Properties == nil {
		n.Properties = map[string]any{}
	}
	n.Properties[key] = value
	return n
}

func (n *Node) Has(key string) bool {
	if n == nil {
		return false
	}
	_, ok := n.Properties[key]
	return ok
}

// AddChild appends a new child of the given type and returns it.
func (n *Node) AddChild(typ string) *Node {
	c := New(typ)
	n.Children = append(n.Children, c)
	return c
}

// Child returns the first child with the given type, or nil.
func (n *Node) Child(typ string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.Type == typ {
			return c
		}
	}
	return nil
}

// ChildrenOf returns all children with the given type. A nil receiver has
// none.
func (n *Node) ChildrenOf(typ string) []*Node {
	if n == nil {
		return nil
	}
	var ret []*Node
	for _, c := range n.Children {
		if c.Type == typ {
			ret = append(ret, c)
		}
	}
	return ret
}

func (n *Node) Float(key string, def float64) float64 {
	if n == nil {
		return def
	}
	switch v := n.Properties[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (n *Node) Float32(key string, def float32) float32 {
	return float32(n.Float(key, float64(def)))
}

func (n *Node) Int(key string, def int) int {
	if n == nil {
		return def
	}
	switch v := n.Properties[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func (n *Node) Bool(key string, def bool) bool {
	if n == nil {
		return def
	}
	switch v := n.Properties[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (n *Node) String(key string, def string) string {
	if n == nil {
		return def
	}
	switch v := n.Properties[key].(type) {
	case string:
		return v
	case nil:
		return def
	default:
		return fmt.Sprint(v)
	}
}

// Flatten returns the properties of the whole tree keyed by their path, e.g.
// "mixer/channels/channel.1/volume". Children of the same type are told apart
// by their position among siblings of that type.
func (n *Node) Flatten() map[string]any {
	ret := map[string]any{}
	n.flatten(n.Type, ret)
	return ret
}

func (n *Node) flatten(prefix string, ret map[string]any) {
	for k, v := range n.Properties {
		ret[prefix+"/"+k] = v
	}
	counts := map[string]int{}
	for _, c := range n.Children {
		i := counts[c.Type]
		counts[c.Type]++
		c.flatten(fmt.Sprintf("%s/%s.%d", prefix, c.Type, i), ret)
	}
}

func (n *Node) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(n); err != nil {
		return fmt.Errorf("could not encode state: %w", err)
	}
	return enc.Close()
}

func Decode(r io.Reader) (*Node, error) {
	var n Node
	if err := yaml.NewDecoder(r).Decode(&n); err != nil {
		return nil, fmt.Errorf("could not decode state: %w", err)
	}
	return &n, nil
}

func Marshal(n *Node) ([]byte, error) {
	return yaml.Marshal(n)
}

func Unmarshal(data []byte) (*Node, error) {
	var n Node
	if err := yaml.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("could not unmarshal state: %w", err)
	}
	return &n, nil
}

func ReadFile(path string) (*Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

func WriteFile(path string, n *Node) error {
	data, err := Marshal(n)
	if err != nil {
		return fmt.Errorf("could not marshal state: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
