package selection

import (
	"fieldshare/internal/schema"
)

// Change is one diff entry. Data is the payload that would be persisted for
// an addition, or the node itself for a removal.
type Change struct {
	Name     string      `json:"name" yaml:"name"`
	UniqueID string      `json:"uniqueId" yaml:"uniqueId"`
	Data     schema.Node `json:"data" yaml:"data"`
}

// ChangeSet is the full diff between a session and the baseline. Added is
// always the union of Manual and Automated, in pre-order.
type ChangeSet struct {
	Added     []Change `json:"added" yaml:"added"`
	Removed   []Change `json:"removed" yaml:"removed"`
	Manual    []Change `json:"manual" yaml:"manual"`
	Automated []Change `json:"automated" yaml:"automated"`
}

func newChangeSet() ChangeSet {
	return ChangeSet{
		Added:     []Change{},
		Removed:   []Change{},
		Manual:    []Change{},
		Automated: []Change{},
	}
}

func (c ChangeSet) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// IDs returns the added and removed identifiers, in that order.
func (c ChangeSet) IDs() (added, removed []string) {
	added = make([]string, 0, len(c.Added))
	for _, change := range c.Added {
		added = append(added, change.UniqueID)
	}
	removed = make([]string, 0, len(c.Removed))
	for _, change := range c.Removed {
		removed = append(removed, change.UniqueID)
	}
	return added, removed
}

// Changes walks the whole tree in pre-order and classifies every node whose
// resolved state differs from the baseline. Parents and children are
// classified independently.
func (e *Engine) Changes(s State) ChangeSet {
	out := newChangeSet()
	e.index.Tree().Walk(func(pos schema.Position) {
		e.classify(s, pos, &out)
	})
	return out
}

// ScopeChanges classifies only the direct elements of scope: the top-level
// nodes of a section, or the children of a nested node. It does not descend.
func (e *Engine) ScopeChanges(s State, scope schema.Path) (ChangeSet, error) {
	positions, ok := e.index.Scope(scope)
	if !ok {
		return ChangeSet{}, ErrUnknownNode
	}
	out := newChangeSet()
	for _, pos := range positions {
		e.classify(s, pos, &out)
	}
	return out, nil
}

// ScopeHasChanges reports whether any direct element of scope resolves
// differently from the baseline.
func (e *Engine) ScopeHasChanges(s State, scope schema.Path) (bool, error) {
	positions, ok := e.index.Scope(scope)
	if !ok {
		return false, ErrUnknownNode
	}
	for _, pos := range positions {
		if s.Resolve(pos.ID, e.baseline) != e.baseline.IsBaseline(pos.ID, s.institution) {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) classify(s State, pos schema.Position, out *ChangeSet) {
	original := e.baseline.IsBaseline(pos.ID, s.institution)
	current := s.Resolve(pos.ID, e.baseline)
	switch {
	case current && !original:
		data := *pos.Node
		if payload := s.Get(pos.ID).Payload; payload != nil {
			data = *payload
		}
		change := Change{Name: pos.Node.Name, UniqueID: pos.ID, Data: data.Clone()}
		out.Added = append(out.Added, change)
		if s.IsManual(pos.ID) {
			out.Manual = append(out.Manual, change)
		} else {
			out.Automated = append(out.Automated, change)
		}
	case original && !current:
		out.Removed = append(out.Removed, Change{Name: pos.Node.Name, UniqueID: pos.ID, Data: pos.Node.Clone()})
	}
}
