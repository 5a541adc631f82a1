package selection

import (
	"encoding/json"
	"fmt"
	"sort"

	"fieldshare/internal/schema"
)

// Outcome is what the editing session decided for one node.
type Outcome uint8

const (
	// Unset defers to the baseline. It is never stored; a missing key means Unset.
	Unset Outcome = iota
	Selected
	Deselected
)

func (o Outcome) String() string {
	switch o {
	case Selected:
		return "selected"
	case Deselected:
		return "deselected"
	default:
		return "unset"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	switch string(text) {
	case "selected":
		*o = Selected
	case "deselected":
		*o = Deselected
	case "unset", "":
		*o = Unset
	default:
		return fmt.Errorf("unknown outcome %q", text)
	}
	return nil
}

// Choice is a stored selection value. Payload is only set for Selected and
// holds the data that will actually be shared.
type Choice struct {
	Outcome Outcome      `json:"outcome"`
	Payload *schema.Node `json:"payload,omitempty"`
}

func Select(payload schema.Node) Choice {
	return Choice{Outcome: Selected, Payload: &payload}
}

func Deselect() Choice {
	return Choice{Outcome: Deselected}
}

// State is one editing session for one institution: the selection map, the
// set of manual selections and the pending confirmation, if any. Values are
// immutable; every transition returns a new State.
type State struct {
	institution string
	choices     map[string]Choice
	manual      map[string]struct{}
	pending     Confirmation
}

func NewState(institution string) State {
	return State{
		institution: institution,
		choices:     map[string]Choice{},
		manual:      map[string]struct{}{},
	}
}

func (s State) Institution() string {
	return s.institution
}

// Get returns the stored choice for id, Unset when nothing is stored.
func (s State) Get(id string) Choice {
	if choice, ok := s.choices[id]; ok {
		return choice
	}
	return Choice{}
}

// Set stores choice for id without any cascading. Setting Unset removes the key.
func (s State) Set(id string, choice Choice) State {
	next := s.clone()
	next.put(id, choice)
	return next
}

// Resolve applies the precedence rule: an explicit choice always wins, only
// untouched nodes fall through to baseline membership.
func (s State) Resolve(id string, baseline *BaselineIndex) bool {
	switch s.Get(id).Outcome {
	case Selected:
		return true
	case Deselected:
		return false
	default:
		return baseline.IsBaseline(id, s.institution)
	}
}

func (s State) IsManual(id string) bool {
	_, ok := s.manual[id]
	return ok
}

// ManualIDs returns the provenance set sorted.
func (s State) ManualIDs() []string {
	out := make([]string, 0, len(s.manual))
	for id := range s.manual {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ChoiceIDs returns every identifier with a stored choice, sorted.
func (s State) ChoiceIDs() []string {
	out := make([]string, 0, len(s.choices))
	for id := range s.choices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Pending returns the open confirmation or nil when idle.
func (s State) Pending() Confirmation {
	return s.pending
}

func (s State) Phase() Phase {
	if s.pending == nil {
		return PhaseIdle
	}
	return s.pending.Phase()
}

// IsPristine reports a session with nothing stored and nothing pending.
func (s State) IsPristine() bool {
	return len(s.choices) == 0 && len(s.manual) == 0 && s.pending == nil
}

// Reset returns an empty session for the same institution. Used after a
// confirmed commit and for an explicit discard.
func (s State) Reset() State {
	return NewState(s.institution)
}

func (s State) clone() State {
	next := State{
		institution: s.institution,
		choices:     make(map[string]Choice, len(s.choices)),
		manual:      make(map[string]struct{}, len(s.manual)),
		pending:     s.pending,
	}
	for id, choice := range s.choices {
		next.choices[id] = choice
	}
	for id := range s.manual {
		next.manual[id] = struct{}{}
	}
	return next
}

func (s *State) put(id string, choice Choice) {
	if choice.Outcome == Unset {
		delete(s.choices, id)
		return
	}
	s.choices[id] = choice
}

type stateWire struct {
	Institution string            `json:"institution"`
	Choices     map[string]Choice `json:"choices"`
	Manual      []string          `json:"manual"`
	Pending     *pendingWire      `json:"pending,omitempty"`
}

type pendingWire struct {
	Kind       Phase    `json:"kind"`
	NodeID     string   `json:"nodeId"`
	Name       string   `json:"name"`
	Unselected int      `json:"unselected,omitempty"`
	Total      int      `json:"total,omitempty"`
	Affected   []string `json:"affected,omitempty"`
}

func (s State) MarshalJSON() ([]byte, error) {
	wire := stateWire{
		Institution: s.institution,
		Choices:     s.choices,
		Manual:      s.ManualIDs(),
	}
	if wire.Choices == nil {
		wire.Choices = map[string]Choice{}
	}
	switch pending := s.pending.(type) {
	case SelectConfirmation:
		wire.Pending = &pendingWire{
			Kind:       PhaseAwaitingSelect,
			NodeID:     pending.NodeID,
			Name:       pending.Name,
			Unselected: pending.Unselected,
			Total:      pending.Total,
		}
	case DeselectConfirmation:
		wire.Pending = &pendingWire{
			Kind:     PhaseAwaitingDeselect,
			NodeID:   pending.NodeID,
			Name:     pending.Name,
			Affected: pending.Affected,
		}
	}
	return json.Marshal(wire)
}

func (s *State) UnmarshalJSON(data []byte) error {
	var wire stateWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode selection state: %w", err)
	}
	next := NewState(wire.Institution)
	for id, choice := range wire.Choices {
		next.put(id, choice)
	}
	for _, id := range wire.Manual {
		next.manual[id] = struct{}{}
	}
	if wire.Pending != nil {
		switch wire.Pending.Kind {
		case PhaseAwaitingSelect:
			next.pending = SelectConfirmation{
				NodeID:     wire.Pending.NodeID,
				Name:       wire.Pending.Name,
				Unselected: wire.Pending.Unselected,
				Total:      wire.Pending.Total,
			}
		case PhaseAwaitingDeselect:
			next.pending = DeselectConfirmation{
				NodeID:   wire.Pending.NodeID,
				Name:     wire.Pending.Name,
				Affected: wire.Pending.Affected,
			}
		default:
			return fmt.Errorf("decode selection state: unknown pending kind %q", wire.Pending.Kind)
		}
	}
	*s = next
	return nil
}
