package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Section is a named top-level grouping of nodes.
type Section struct {
	Name     string `json:"name" yaml:"name"`
	Elements []Node `json:"elements" yaml:"elements"`
}

// Tree maps section names to their top-level nodes. Section order is kept as
// read so traversals are deterministic.
type Tree struct {
	Sections []Section
}

func (t Tree) Section(name string) (Section, bool) {
	for _, section := range t.Sections {
		if section.Name == name {
			return section, true
		}
	}
	return Section{}, false
}

func (t Tree) SectionNames() []string {
	names := make([]string, 0, len(t.Sections))
	for _, section := range t.Sections {
		names = append(names, section.Name)
	}
	return names
}

func (t Tree) IsEmpty() bool {
	return len(t.Sections) == 0
}

// Position is a node together with the ancestor path that identifies it.
type Position struct {
	Node      *Node
	Ancestors Path
	ID        string
}

func (p Position) Path() Path {
	return p.Ancestors.Child(p.Node.Name)
}

func (p Position) Section() string {
	return p.Ancestors.Section()
}

// Walk visits every node of every section in pre-order.
func (t Tree) Walk(fn func(Position)) {
	for i := range t.Sections {
		walkNodes(t.Sections[i].Elements, Path{t.Sections[i].Name}, fn)
	}
}

// WalkDescendants visits every node below pos in pre-order, excluding pos itself.
func WalkDescendants(pos Position, fn func(Position)) {
	walkNodes(pos.Node.Children, pos.Path(), fn)
}

func walkNodes(nodes []Node, ancestors Path, fn func(Position)) {
	for i := range nodes {
		node := &nodes[i]
		pos := Position{Node: node, Ancestors: ancestors, ID: Identify(*node, ancestors)}
		fn(pos)
		if node.HasChildren() {
			walkNodes(node.Children, pos.Path(), fn)
		}
	}
}

// MarshalJSON writes the tree as an object keyed by section name, in order.
func (t Tree) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, section := range t.Sections {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(section.Name)
		if err != nil {
			return nil, err
		}
		elements := section.Elements
		if elements == nil {
			elements = []Node{}
		}
		value, err := json.Marshal(elements)
		if err != nil {
			return nil, fmt.Errorf("marshal section %s: %w", section.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts either an object keyed by section name or an array of
// {name, elements} sections. Object key order is preserved.
func (t *Tree) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode tree: %w", err)
	}
	switch tok {
	case json.Delim('['):
		var sections []Section
		if err := json.Unmarshal(data, &sections); err != nil {
			return fmt.Errorf("decode tree sections: %w", err)
		}
		t.Sections = sections
		return nil
	case json.Delim('{'):
	default:
		return fmt.Errorf("decode tree: unexpected token %v", tok)
	}

	sections := make([]Section, 0)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode section name: %w", err)
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("decode section name: unexpected token %v", keyTok)
		}
		var elements []Node
		if err := dec.Decode(&elements); err != nil {
			return fmt.Errorf("decode section %s: %w", name, err)
		}
		sections = append(sections, Section{Name: name, Elements: elements})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode tree end: %w", err)
	}
	t.Sections = sections
	return nil
}

func (t Tree) MarshalYAML() (any, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, section := range t.Sections {
		var value yaml.Node
		if err := value.Encode(section.Elements); err != nil {
			return nil, fmt.Errorf("encode section %s: %w", section.Name, err)
		}
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: section.Name},
			&value,
		)
	}
	return root, nil
}

func (t *Tree) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var sections []Section
		if err := value.Decode(&sections); err != nil {
			return fmt.Errorf("decode tree sections: %w", err)
		}
		t.Sections = sections
		return nil
	case yaml.MappingNode:
		sections := make([]Section, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			name := value.Content[i].Value
			var elements []Node
			if err := value.Content[i+1].Decode(&elements); err != nil {
				return fmt.Errorf("decode section %s: %w", name, err)
			}
			sections = append(sections, Section{Name: name, Elements: elements})
		}
		t.Sections = sections
		return nil
	default:
		return fmt.Errorf("decode tree: line %d: expected mapping or sequence", value.Line)
	}
}
