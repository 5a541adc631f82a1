package selection

import (
	"errors"

	"fieldshare/internal/schema"
)

var (
	// ErrConfirmationPending is returned when a mutation arrives while the
	// session is waiting for the user to answer a confirmation.
	ErrConfirmationPending = errors.New("confirmation pending")
	ErrUnknownNode         = errors.New("unknown node")
)

// Phase names the confirmation state machine state.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseAwaitingSelect   Phase = "awaiting_select"
	PhaseAwaitingDeselect Phase = "awaiting_deselect"
)

// Confirmation is the question put to the user before a cascade runs. It is
// either a SelectConfirmation or a DeselectConfirmation; a nil Confirmation
// means the session is idle.
type Confirmation interface {
	Phase() Phase
	Target() string
	isConfirmation()
}

// SelectConfirmation asks whether checking NodeID should also check its
// Unselected descendants out of Total.
type SelectConfirmation struct {
	NodeID     string
	Name       string
	Unselected int
	Total      int
}

func (SelectConfirmation) Phase() Phase     { return PhaseAwaitingSelect }
func (c SelectConfirmation) Target() string { return c.NodeID }
func (SelectConfirmation) isConfirmation()  {}

// DeselectConfirmation asks whether unchecking NodeID may also uncheck the
// listed descendants that currently resolve as shared.
type DeselectConfirmation struct {
	NodeID   string
	Name     string
	Affected []string
}

func (DeselectConfirmation) Phase() Phase     { return PhaseAwaitingDeselect }
func (c DeselectConfirmation) Target() string { return c.NodeID }
func (DeselectConfirmation) isConfirmation()  {}

// Engine runs selection transitions against one schema and one baseline.
// It holds no session state; callers pass State in and get State back.
type Engine struct {
	index    *schema.Index
	baseline *BaselineIndex
}

func NewEngine(index *schema.Index, baseline *BaselineIndex) *Engine {
	return &Engine{index: index, baseline: baseline}
}

func (e *Engine) Index() *schema.Index {
	return e.index
}

func (e *Engine) Baseline() *BaselineIndex {
	return e.baseline
}

// Selected is what a checkbox for id should display. Unknown ids are unchecked.
func (e *Engine) Selected(s State, id string) bool {
	if _, ok := e.index.Lookup(id); !ok {
		return false
	}
	return s.Resolve(id, e.baseline)
}

// IsBaseline reports whether id is already shared with the session's institution.
func (e *Engine) IsBaseline(s State, id string) bool {
	return e.baseline.IsBaseline(id, s.institution)
}

// Toggle applies a checkbox change. Leaves and nodes with nothing to cascade
// are written directly; everything else opens a confirmation and leaves the
// selection map untouched until Accept or Cancel.
func (e *Engine) Toggle(s State, id string, checked bool) (State, error) {
	if s.pending != nil {
		return s, ErrConfirmationPending
	}
	pos, ok := e.index.Lookup(id)
	if !ok {
		return s, ErrUnknownNode
	}
	if checked {
		return e.toggleOn(s, pos), nil
	}
	return e.toggleOff(s, pos), nil
}

func (e *Engine) toggleOn(s State, pos schema.Position) State {
	next := s.clone()
	if !pos.Node.HasChildren() {
		next.put(pos.ID, Select(pos.Node.Clone()))
		next.manual[pos.ID] = struct{}{}
		return next
	}

	descendants := e.index.Descendants(pos)
	unselected := 0
	for _, child := range descendants {
		if !s.Resolve(child.ID, e.baseline) {
			unselected++
		}
	}
	if unselected == 0 {
		next.put(pos.ID, Select(pos.Node.Clone()))
		next.manual[pos.ID] = struct{}{}
		return next
	}
	next.pending = SelectConfirmation{
		NodeID:     pos.ID,
		Name:       pos.Node.Name,
		Unselected: unselected,
		Total:      len(descendants),
	}
	return next
}

func (e *Engine) toggleOff(s State, pos schema.Position) State {
	next := s.clone()
	affected := e.selectedDescendants(s, pos)
	if len(affected) == 0 {
		next.put(pos.ID, Deselect())
		delete(next.manual, pos.ID)
		return next
	}
	next.pending = DeselectConfirmation{
		NodeID:   pos.ID,
		Name:     pos.Node.Name,
		Affected: affected,
	}
	return next
}

func (e *Engine) selectedDescendants(s State, pos schema.Position) []string {
	out := make([]string, 0)
	for _, child := range e.index.Descendants(pos) {
		if s.Resolve(child.ID, e.baseline) {
			out = append(out, child.ID)
		}
	}
	return out
}

// Accept answers the pending confirmation with yes. For a select it marks the
// node manual and every descendant that does not already resolve as selected
// as an automated selection. For a deselect it deselects the node and every
// affected descendant in one step. Accept while idle is a no-op.
func (e *Engine) Accept(s State) State {
	switch pending := s.pending.(type) {
	case SelectConfirmation:
		next := s.clone()
		next.pending = nil
		pos, ok := e.index.Lookup(pending.NodeID)
		if !ok {
			return next
		}
		next.put(pos.ID, Select(pos.Node.Clone()))
		next.manual[pos.ID] = struct{}{}
		for _, child := range e.index.Descendants(pos) {
			if s.Resolve(child.ID, e.baseline) {
				continue
			}
			next.put(child.ID, Select(child.Node.Clone()))
		}
		return next
	case DeselectConfirmation:
		next := s.clone()
		next.pending = nil
		if _, ok := e.index.Lookup(pending.NodeID); !ok {
			return next
		}
		for _, id := range append([]string{pending.NodeID}, pending.Affected...) {
			next.put(id, Deselect())
			delete(next.manual, id)
		}
		return next
	default:
		return s
	}
}

// Cancel answers the pending confirmation with no. A cancelled select still
// shares the node itself, stored without its children; descendants are left
// alone. A cancelled deselect changes nothing. Cancel while idle is a no-op.
func (e *Engine) Cancel(s State) State {
	switch pending := s.pending.(type) {
	case SelectConfirmation:
		next := s.clone()
		next.pending = nil
		pos, ok := e.index.Lookup(pending.NodeID)
		if !ok {
			return next
		}
		next.put(pos.ID, Select(pos.Node.WithoutChildren()))
		next.manual[pos.ID] = struct{}{}
		return next
	case DeselectConfirmation:
		next := s.clone()
		next.pending = nil
		return next
	default:
		return s
	}
}

// Close dismisses the pending confirmation without applying anything.
func (e *Engine) Close(s State) State {
	if s.pending == nil {
		return s
	}
	next := s.clone()
	next.pending = nil
	return next
}

// DiscardAutomated drops every selection that was made by a cascade rather
// than by the user. Manual selections and deselections stay.
func (e *Engine) DiscardAutomated(s State) (State, error) {
	if s.pending != nil {
		return s, ErrConfirmationPending
	}
	next := s.clone()
	for _, id := range s.ChoiceIDs() {
		if s.choices[id].Outcome != Selected {
			continue
		}
		if _, manual := s.manual[id]; manual {
			continue
		}
		delete(next.choices, id)
	}
	return next, nil
}
