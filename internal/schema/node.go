// Package schema holds the read-only tree derived from an XML schema and the
// path-based identity every other component keys its state on.
package schema

// Attribute is an XML attribute declared on an element.
type Attribute struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
	Use  string `json:"use,omitempty" yaml:"use,omitempty"`
}

// Node is one element of the schema tree. Names are not unique on their own;
// only the full ancestor path identifies a position.
type Node struct {
	Name       string      `json:"name" yaml:"name"`
	Type       string      `json:"type,omitempty" yaml:"type,omitempty"`
	BaseType   string      `json:"baseType,omitempty" yaml:"baseType,omitempty"`
	MinOccurs  string      `json:"minOccurs,omitempty" yaml:"minOccurs,omitempty"`
	MaxOccurs  string      `json:"maxOccurs,omitempty" yaml:"maxOccurs,omitempty"`
	Attributes []Attribute `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Children   []Node      `json:"children,omitempty" yaml:"children,omitempty"`
}

func (n Node) HasChildren() bool {
	return len(n.Children) > 0
}

// WithoutChildren returns a shallow copy of n with the nested subtree dropped.
func (n Node) WithoutChildren() Node {
	n.Children = nil
	return n
}

// Clone returns a deep copy so callers can keep a payload that never aliases the tree.
func (n Node) Clone() Node {
	out := n
	if n.Attributes != nil {
		out.Attributes = append([]Attribute(nil), n.Attributes...)
	}
	if n.Children != nil {
		out.Children = make([]Node, len(n.Children))
		for i, child := range n.Children {
			out.Children[i] = child.Clone()
		}
	}
	return out
}

// CountDescendants returns the number of nodes below n at any depth.
func CountDescendants(n Node) int {
	count := len(n.Children)
	for _, child := range n.Children {
		count += CountDescendants(child)
	}
	return count
}
