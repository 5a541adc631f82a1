package app

import (
	"context"
	"net/http"
	"sync"

	"fieldshare/internal/mapping"
	"fieldshare/internal/schema"
	"fieldshare/internal/selection"
	"fieldshare/internal/session"
)

// DraftView is what the client needs after every draft transition.
type DraftView struct {
	SchemaKey    string            `json:"schemaKey"`
	Institution  string            `json:"institution"`
	Phase        selection.Phase   `json:"phase"`
	Confirmation *ConfirmationView `json:"confirmation"`
	Manual       []string          `json:"manual"`
	Added        int               `json:"added"`
	Removed      int               `json:"removed"`
	HasChanges   bool              `json:"hasChanges"`
}

// ConfirmationView flattens the two confirmation kinds for transport.
type ConfirmationView struct {
	Phase      selection.Phase `json:"phase"`
	UniqueID   string          `json:"uniqueId"`
	Name       string          `json:"name"`
	Unselected int             `json:"unselected,omitempty"`
	Total      int             `json:"total,omitempty"`
	Affected   []string        `json:"affected,omitempty"`
}

type NodeView struct {
	UniqueID    string            `json:"uniqueId"`
	Name        string            `json:"name"`
	Type        string            `json:"type,omitempty"`
	Path        string            `json:"path"`
	HasChildren bool              `json:"hasChildren"`
	Descendants int               `json:"descendants"`
	Selected    bool              `json:"selected"`
	Baseline    bool              `json:"baseline"`
	Choice      selection.Outcome `json:"choice"`
	Manual      bool              `json:"manual"`
	SharedWith  []string          `json:"sharedWith"`
}

type ChangesView struct {
	Added     []mapping.AnnotatedChange `json:"added"`
	Removed   []selection.Change        `json:"removed"`
	Manual    []mapping.AnnotatedChange `json:"manual"`
	Automated []mapping.AnnotatedChange `json:"automated"`
}

func draftKey(user Session, schemaKey, institution string) session.DraftKey {
	return session.DraftKey{UserID: user.UserID, SchemaKey: schemaKey, Institution: institution}
}

type draftLock struct {
	mu   sync.Mutex
	refs int
}

// lockDraft serialises transitions on one draft. Requests from the same user
// on the same draft would otherwise race between load and save. The entry is
// dropped once no request holds or waits for it.
func (s *Service) lockDraft(key session.DraftKey) func() {
	s.draftMu.Lock()
	lock, ok := s.draftLocks[key]
	if !ok {
		lock = &draftLock{}
		s.draftLocks[key] = lock
	}
	lock.refs++
	s.draftMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.draftMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.draftLocks, key)
		}
		s.draftMu.Unlock()
	}
}

type transition func(*selection.Engine, selection.State) (selection.State, error)

func (s *Service) mutateDraft(ctx context.Context, user Session, schemaKey, institution string, fn transition) (DraftView, error) {
	key := draftKey(user, schemaKey, institution)
	unlock := s.lockDraft(key)
	defer unlock()

	engine, err := s.engine(ctx, schemaKey)
	if err != nil {
		return DraftView{}, err
	}
	state, err := s.sessions.LoadDraft(ctx, key)
	if err != nil {
		return DraftView{}, err
	}
	next, err := fn(engine, state)
	if err != nil {
		return DraftView{}, err
	}
	if err := s.sessions.SaveDraft(ctx, key, next); err != nil {
		return DraftView{}, err
	}
	return draftView(engine, schemaKey, next), nil
}

func (s *Service) readDraft(ctx context.Context, user Session, schemaKey, institution string) (*selection.Engine, selection.State, error) {
	engine, err := s.engine(ctx, schemaKey)
	if err != nil {
		return nil, selection.State{}, err
	}
	state, err := s.sessions.LoadDraft(ctx, draftKey(user, schemaKey, institution))
	if err != nil {
		return nil, selection.State{}, err
	}
	return engine, state, nil
}

func draftView(engine *selection.Engine, schemaKey string, state selection.State) DraftView {
	changes := engine.Changes(state)
	return DraftView{
		SchemaKey:    schemaKey,
		Institution:  state.Institution(),
		Phase:        state.Phase(),
		Confirmation: confirmationView(state.Pending()),
		Manual:       state.ManualIDs(),
		Added:        len(changes.Added),
		Removed:      len(changes.Removed),
		HasChanges:   !changes.IsEmpty(),
	}
}

func confirmationView(pending selection.Confirmation) *ConfirmationView {
	switch c := pending.(type) {
	case selection.SelectConfirmation:
		return &ConfirmationView{Phase: c.Phase(), UniqueID: c.NodeID, Name: c.Name, Unselected: c.Unselected, Total: c.Total}
	case selection.DeselectConfirmation:
		return &ConfirmationView{Phase: c.Phase(), UniqueID: c.NodeID, Name: c.Name, Affected: c.Affected}
	default:
		return nil
	}
}

func (s *Service) Draft(ctx context.Context, user Session, schemaKey, institution string) (DraftView, error) {
	engine, state, err := s.readDraft(ctx, user, schemaKey, institution)
	if err != nil {
		return DraftView{}, err
	}
	return draftView(engine, schemaKey, state), nil
}

// Nodes lists the direct elements of scope with everything a checkbox row
// shows: resolved state, baseline membership and who else receives it.
func (s *Service) Nodes(ctx context.Context, user Session, schemaKey, institution, rawScope string) ([]NodeView, error) {
	scope := schema.ParsePath(rawScope)
	if len(scope) == 0 {
		ix, err := s.schemaIndex(ctx, schemaKey)
		if err != nil {
			return nil, err
		}
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "scope is required",
			map[string]any{"sections": ix.Tree().SectionNames()})
	}
	engine, state, err := s.readDraft(ctx, user, schemaKey, institution)
	if err != nil {
		return nil, err
	}
	positions, ok := engine.Index().Scope(scope)
	if !ok {
		return nil, selection.ErrUnknownNode
	}

	items := make([]NodeView, 0, len(positions))
	for _, pos := range positions {
		sharedWith := engine.Baseline().Institutions(pos.ID)
		if sharedWith == nil {
			sharedWith = []string{}
		}
		items = append(items, NodeView{
			UniqueID:    pos.ID,
			Name:        pos.Node.Name,
			Type:        pos.Node.Type,
			Path:        pos.Path().String(),
			HasChildren: pos.Node.HasChildren(),
			Descendants: schema.CountDescendants(*pos.Node),
			Selected:    engine.Selected(state, pos.ID),
			Baseline:    engine.IsBaseline(state, pos.ID),
			Choice:      state.Get(pos.ID).Outcome,
			Manual:      state.IsManual(pos.ID),
			SharedWith:  sharedWith,
		})
	}
	return items, nil
}

func (s *Service) Toggle(ctx context.Context, user Session, schemaKey, institution, uniqueID string, checked bool) (DraftView, error) {
	return s.mutateDraft(ctx, user, schemaKey, institution, func(engine *selection.Engine, state selection.State) (selection.State, error) {
		return engine.Toggle(state, uniqueID, checked)
	})
}

func (s *Service) AcceptConfirmation(ctx context.Context, user Session, schemaKey, institution string) (DraftView, error) {
	return s.mutateDraft(ctx, user, schemaKey, institution, func(engine *selection.Engine, state selection.State) (selection.State, error) {
		return engine.Accept(state), nil
	})
}

func (s *Service) CancelConfirmation(ctx context.Context, user Session, schemaKey, institution string) (DraftView, error) {
	return s.mutateDraft(ctx, user, schemaKey, institution, func(engine *selection.Engine, state selection.State) (selection.State, error) {
		return engine.Cancel(state), nil
	})
}

func (s *Service) CloseConfirmation(ctx context.Context, user Session, schemaKey, institution string) (DraftView, error) {
	return s.mutateDraft(ctx, user, schemaKey, institution, func(engine *selection.Engine, state selection.State) (selection.State, error) {
		return engine.Close(state), nil
	})
}

func (s *Service) DiscardAutomated(ctx context.Context, user Session, schemaKey, institution string) (DraftView, error) {
	return s.mutateDraft(ctx, user, schemaKey, institution, func(engine *selection.Engine, state selection.State) (selection.State, error) {
		return engine.DiscardAutomated(state)
	})
}

// Discard drops the whole draft, including a pending confirmation.
func (s *Service) Discard(ctx context.Context, user Session, schemaKey, institution string) (DraftView, error) {
	return s.mutateDraft(ctx, user, schemaKey, institution, func(_ *selection.Engine, state selection.State) (selection.State, error) {
		return state.Reset(), nil
	})
}

func (s *Service) Changes(ctx context.Context, user Session, schemaKey, institution string) (ChangesView, error) {
	engine, state, err := s.readDraft(ctx, user, schemaKey, institution)
	if err != nil {
		return ChangesView{}, err
	}
	table, err := s.mappingTable(ctx, institution)
	if err != nil {
		return ChangesView{}, err
	}
	changes := engine.Changes(state)
	return ChangesView{
		Added:     table.Annotate(changes.Added),
		Removed:   changes.Removed,
		Manual:    table.Annotate(changes.Manual),
		Automated: table.Annotate(changes.Automated),
	}, nil
}

func (s *Service) ScopeChanges(ctx context.Context, user Session, schemaKey, institution, rawScope string) (map[string]any, error) {
	scope := schema.ParsePath(rawScope)
	if len(scope) == 0 {
		ix, err := s.schemaIndex(ctx, schemaKey)
		if err != nil {
			return nil, err
		}
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "scope is required",
			map[string]any{"sections": ix.Tree().SectionNames()})
	}
	engine, state, err := s.readDraft(ctx, user, schemaKey, institution)
	if err != nil {
		return nil, err
	}
	changes, err := engine.ScopeChanges(state, scope)
	if err != nil {
		return nil, err
	}
	hasChanges, err := engine.ScopeHasChanges(state, scope)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"scope":      scope.String(),
		"hasChanges": hasChanges,
		"added":      changes.Added,
		"removed":    changes.Removed,
	}, nil
}
