package schema

import (
	"errors"
	"fmt"
)

// ErrIdentityCollision reports two distinct tree positions that resolve to the
// same identifier. It is a data-integrity fault, never merged silently.
var ErrIdentityCollision = errors.New("identity collision")

// CollisionError carries the two positions that collided.
type CollisionError struct {
	ID     string
	First  Path
	Second Path
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("%s: %q is produced by %s and %s", ErrIdentityCollision, e.ID, e.First, e.Second)
}

func (e *CollisionError) Unwrap() error {
	return ErrIdentityCollision
}

// Index resolves identifiers to tree positions in O(1).
type Index struct {
	tree  Tree
	byID  map[string]Position
	order []string
}

// NewIndex walks the whole tree once. It fails with a *CollisionError when two
// structurally distinct nodes share an identifier, e.g. repeated sibling names
// or names containing the separator.
func NewIndex(tree Tree) (*Index, error) {
	ix := &Index{
		tree: tree,
		byID: make(map[string]Position),
	}
	var collision *CollisionError
	tree.Walk(func(pos Position) {
		if collision != nil {
			return
		}
		if existing, ok := ix.byID[pos.ID]; ok {
			collision = &CollisionError{ID: pos.ID, First: existing.Path(), Second: pos.Path()}
			return
		}
		ix.byID[pos.ID] = pos
		ix.order = append(ix.order, pos.ID)
	})
	if collision != nil {
		return nil, collision
	}
	return ix, nil
}

func (ix *Index) Tree() Tree {
	return ix.tree
}

func (ix *Index) Len() int {
	return len(ix.order)
}

func (ix *Index) Lookup(id string) (Position, bool) {
	pos, ok := ix.byID[id]
	return pos, ok
}

// IDs returns every identifier in pre-order.
func (ix *Index) IDs() []string {
	return append([]string(nil), ix.order...)
}

// Scope returns the direct elements under scope: the top-level nodes when
// scope names a section, or the children of the node scope points at.
func (ix *Index) Scope(scope Path) ([]Position, bool) {
	switch len(scope) {
	case 0:
		return nil, false
	case 1:
		section, ok := ix.tree.Section(scope[0])
		if !ok {
			return nil, false
		}
		out := make([]Position, 0, len(section.Elements))
		for i := range section.Elements {
			out = append(out, ix.byID[Identify(section.Elements[i], scope)])
		}
		return out, true
	}

	parent, ok := ix.byID[scope.ID()]
	if !ok {
		return nil, false
	}
	path := parent.Path()
	out := make([]Position, 0, len(parent.Node.Children))
	for i := range parent.Node.Children {
		out = append(out, ix.byID[Identify(parent.Node.Children[i], path)])
	}
	return out, true
}

// Descendants returns every position below pos in pre-order.
func (ix *Index) Descendants(pos Position) []Position {
	out := make([]Position, 0, CountDescendants(*pos.Node))
	WalkDescendants(pos, func(child Position) {
		out = append(out, child)
	})
	return out
}
