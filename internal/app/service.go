package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"fieldshare/internal/auth"
	"fieldshare/internal/authpw"
	"fieldshare/internal/config"
	"fieldshare/internal/email"
	"fieldshare/internal/export"
	"fieldshare/internal/history"
	"fieldshare/internal/mapping"
	"fieldshare/internal/rbac"
	"fieldshare/internal/schema"
	"fieldshare/internal/schemasrc"
	"fieldshare/internal/search"
	"fieldshare/internal/selection"
	"fieldshare/internal/session"
	"fieldshare/internal/store"
	"fieldshare/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	Institution  string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	ListInstitutions(context.Context) ([]store.Institution, error)
	GetInstitution(context.Context, string) (store.Institution, error)
	UpsertInstitution(context.Context, store.Institution) error
	UpdateUserAccess(ctx context.Context, userID, role, institution string) error
	ListShares(context.Context, string) ([]store.Share, error)
	ApplyCommit(context.Context, store.Commit) error
	ReplaceSharing(context.Context, string, string, []string, string, []store.Commit) error
	SetCommitHistoryHash(context.Context, string, string) error
	GetCommit(context.Context, string) (store.Commit, error)
	ListCommits(context.Context, string, string, int) ([]store.Commit, error)
	ListMappings(context.Context, string) ([]store.FieldMapping, error)
	UpsertMapping(context.Context, store.FieldMapping) error
	ReplaceSchemaNodes(context.Context, string, []store.SchemaNode) error
	Ping(ctx context.Context) error
}

// sessionStore keeps refresh tokens and editing drafts.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, store.User, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	LoadDraft(context.Context, session.DraftKey) (selection.State, error)
	SaveDraft(context.Context, session.DraftKey, selection.State) error
	DeleteDraft(context.Context, session.DraftKey) error
	Ping(ctx context.Context) error
}

type credentialService interface {
	SignUp(context.Context, authpw.SignUpRequest) (store.User, error)
	SignIn(context.Context, authpw.SignInRequest) (store.User, error)
	RequestPasswordReset(context.Context, string) (string, store.User, error)
	ResetPassword(context.Context, authpw.ResetPasswordRequest) error
}

type historyLog interface {
	Record(history.Snapshot, string, string) (history.Revision, error)
	History(string, string, int) ([]history.Revision, error)
}

type nodeSearch interface {
	Search(search.Query) search.Response
	IndexTree(string, schema.Tree)
	IndexCommit(search.CommitRecord)
}

type receiptExporter interface {
	Export(context.Context, export.Receipt, export.Format) (*export.Result, error)
}

type notifier interface {
	IsConfigured() bool
	SendCommitNotification(string, email.CommitNotification) error
	SendPasswordResetEmail(string, string, string) error
}

// Deps are the collaborators wired by cmd/api. Nil search, history and email
// disable those side effects.
type Deps struct {
	Store    *store.PostgresStore
	Sessions *session.RedisStore
	Schemas  schemasrc.Source
	History  *history.Service
	Search   *search.Service
	Export   *export.Service
	Email    *email.Service
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	schemas   schemasrc.Source
	passwords credentialService
	history   historyLog
	search    nodeSearch
	export    receiptExporter
	email     notifier
	// spawn runs fire-and-forget side effects.
	spawn func(func())

	treeMu sync.Mutex
	trees  map[string]*schema.Index

	draftMu    sync.Mutex
	draftLocks map[session.DraftKey]*draftLock
}

func New(cfg config.Config, deps Deps) *Service {
	s := newService(cfg)
	s.store = deps.Store
	s.sessions = deps.Sessions
	s.schemas = deps.Schemas
	s.passwords = authpw.NewService(deps.Store)
	if deps.History != nil {
		s.history = deps.History
	}
	if deps.Search != nil {
		s.search = deps.Search
	}
	if deps.Export != nil {
		s.export = deps.Export
	} else {
		s.export = export.NewService()
	}
	if deps.Email != nil {
		s.email = deps.Email
	}
	return s
}

func newService(cfg config.Config) *Service {
	return &Service{
		cfg:        cfg,
		spawn:      func(fn func()) { go fn() },
		trees:      make(map[string]*schema.Index),
		draftLocks: make(map[session.DraftKey]*draftLock),
	}
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, emailAddress, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, authpw.SignInRequest{Email: emailAddress, Password: password})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// Role and institution may have changed since the token was issued.
	if current, err := s.store.GetUserByID(ctx, user.ID); err == nil {
		user = current
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:         user.ID,
		Name:        user.DisplayName,
		Role:        user.Role,
		Institution: user.Institution,
		JTI:         jti,
		Exp:         expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		Institution:  user.Institution,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:       token,
		UserID:      user.ID,
		UserName:    user.DisplayName,
		Role:        user.Role,
		Institution: user.Institution,
		JTI:         claims.JTI,
		ExpiresAt:   time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// RequestPasswordReset mails a reset link when the address is known. Without
// SMTP the token is returned instead so local setups can finish the flow.
func (s *Service) RequestPasswordReset(ctx context.Context, emailAddress string) (string, error) {
	token, user, err := s.passwords.RequestPasswordReset(ctx, emailAddress)
	if err != nil || token == "" {
		return "", err
	}
	if !s.SMTPConfigured() {
		return token, nil
	}
	resetURL := s.cfg.PublicURL + "/reset-password?token=" + token
	s.spawn(func() {
		if err := s.email.SendPasswordResetEmail(user.Email, user.DisplayName, resetURL); err != nil {
			log.Printf("email: password reset for %s: %v", user.ID, err)
		}
	})
	return "", nil
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	return s.passwords.ResetPassword(ctx, authpw.ResetPasswordRequest{Token: token, NewPassword: newPassword})
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// CanAccessInstitution reports whether session may read or edit the drafts
// and baseline of institution.
func (s *Service) CanAccessInstitution(session Session, institution string) bool {
	return rbac.CanAccessInstitution(rbac.Normalize(session.Role), session.Institution, institution)
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := s.sessions.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (s *Service) ListInstitutions(ctx context.Context) ([]map[string]any, error) {
	institutions, err := s.store.ListInstitutions(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(institutions))
	for _, item := range institutions {
		items = append(items, map[string]any{
			"id":   item.ID,
			"name": item.Name,
		})
	}
	return items, nil
}

// SaveInstitution registers an institution or updates its name and the
// address commit notifications go to.
func (s *Service) SaveInstitution(ctx context.Context, id, name, contactEmail string) (map[string]any, error) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	contactEmail = strings.TrimSpace(contactEmail)
	if id == "" || name == "" || strings.Contains(id, "/") {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "institution id and name are required", nil)
	}
	if contactEmail != "" {
		if _, err := mail.ParseAddress(contactEmail); err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "contactEmail is not a valid address", nil)
		}
	}
	if err := s.store.UpsertInstitution(ctx, store.Institution{ID: id, Name: name, ContactEmail: contactEmail}); err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "name": name, "contactEmail": contactEmail}, nil
}

// SetUserAccess grants a role and binds the user to a registered institution.
// An empty institution leaves the user unbound, which only admins can use.
func (s *Service) SetUserAccess(ctx context.Context, userID, role, institution string) (map[string]any, error) {
	institution = strings.TrimSpace(institution)
	if rbac.Normalize(role) != rbac.Role(role) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be viewer, editor or admin", nil)
	}
	if institution != "" {
		if _, err := s.store.GetInstitution(ctx, institution); err != nil {
			if store.IsNotFound(err) {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown institution", map[string]any{"institution": institution})
			}
			return nil, err
		}
	}
	if err := s.store.UpdateUserAccess(ctx, userID, role, institution); err != nil {
		return nil, err
	}
	return map[string]any{"id": userID, "role": role, "institution": institution}, nil
}

func (s *Service) ListSchemas(ctx context.Context) ([]string, error) {
	keys, err := s.schemas.ListSchemas(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// schemaIndex loads and indexes a tree once per process. Trees are read-only
// for the lifetime of the service. The first load also publishes the node
// catalog to Postgres and the search index.
func (s *Service) schemaIndex(ctx context.Context, schemaKey string) (*schema.Index, error) {
	if err := schemasrc.ValidateKey(schemaKey); err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_SCHEMA_KEY", err.Error(), nil)
	}
	s.treeMu.Lock()
	ix, ok := s.trees[schemaKey]
	s.treeMu.Unlock()
	if ok {
		return ix, nil
	}

	tree, err := s.schemas.LoadSchema(ctx, schemaKey)
	if err != nil {
		return nil, fmt.Errorf("load schema %s: %w", schemaKey, err)
	}
	ix, err = schema.NewIndex(tree)
	if err != nil {
		log.Printf("schema: %s: %v", schemaKey, err)
		return nil, err
	}

	s.treeMu.Lock()
	if existing, ok := s.trees[schemaKey]; ok {
		s.treeMu.Unlock()
		return existing, nil
	}
	s.trees[schemaKey] = ix
	s.treeMu.Unlock()

	s.publishCatalog(schemaKey, tree)
	return ix, nil
}

func (s *Service) publishCatalog(schemaKey string, tree schema.Tree) {
	records := search.NodeRecords(schemaKey, tree)
	nodes := make([]store.SchemaNode, 0, len(records))
	for _, record := range records {
		nodes = append(nodes, store.SchemaNode{
			SchemaKey: record.SchemaKey,
			UniqueID:  record.UniqueID,
			Name:      record.Name,
			Path:      record.Path,
			Section:   record.Section,
			Type:      record.Type,
			IsLeaf:    record.IsLeaf,
		})
	}
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.store.ReplaceSchemaNodes(ctx, schemaKey, nodes); err != nil {
			log.Printf("schema: publish catalog %s: %v", schemaKey, err)
		}
	})
	if s.search != nil {
		s.search.IndexTree(schemaKey, tree)
	}
}

// baseline reads the current shares of a schema. It is never cached: a
// commit by anyone is visible on the next request.
func (s *Service) baseline(ctx context.Context, schemaKey string) (*selection.BaselineIndex, error) {
	shares, err := s.store.ListShares(ctx, schemaKey)
	if err != nil {
		return nil, err
	}
	entries := make([]selection.BaselineEntry, 0, len(shares))
	for _, share := range shares {
		entries = append(entries, selection.BaselineEntry{
			UniqueID:     share.UniqueID,
			Institutions: []string{share.Institution},
		})
	}
	return selection.NewBaselineIndex(entries), nil
}

func (s *Service) engine(ctx context.Context, schemaKey string) (*selection.Engine, error) {
	ix, err := s.schemaIndex(ctx, schemaKey)
	if err != nil {
		return nil, err
	}
	baseline, err := s.baseline(ctx, schemaKey)
	if err != nil {
		return nil, err
	}
	return selection.NewEngine(ix, baseline), nil
}

func (s *Service) SchemaSummary(ctx context.Context, schemaKey string) (map[string]any, error) {
	ix, err := s.schemaIndex(ctx, schemaKey)
	if err != nil {
		return nil, err
	}
	baseline, err := s.baseline(ctx, schemaKey)
	if err != nil {
		return nil, err
	}

	tree := ix.Tree()
	sections := make([]map[string]any, 0, len(tree.Sections))
	for _, section := range tree.Sections {
		nodes := len(section.Elements)
		for _, element := range section.Elements {
			nodes += schema.CountDescendants(element)
		}
		sections = append(sections, map[string]any{
			"name":     section.Name,
			"elements": len(section.Elements),
			"nodes":    nodes,
		})
	}
	return map[string]any{
		"schemaKey":    schemaKey,
		"nodeCount":    ix.Len(),
		"sections":     sections,
		"institutions": baseline.AllInstitutions(),
		"sharedCount":  baseline.Len(),
	}, nil
}

func (s *Service) FieldCatalog(ctx context.Context, schemaKey string) ([]mapping.FieldGroup, error) {
	ix, err := s.schemaIndex(ctx, schemaKey)
	if err != nil {
		return nil, err
	}
	return mapping.Catalog(ix.Tree()), nil
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) mappingTable(ctx context.Context, institution string) (mapping.Table, error) {
	items, err := s.ListMappings(ctx, institution)
	if err != nil {
		return nil, err
	}
	return mapping.NewTable(items), nil
}

func (s *Service) ListMappings(ctx context.Context, institution string) ([]mapping.Mapping, error) {
	rows, err := s.store.ListMappings(ctx, institution)
	if err != nil {
		return nil, err
	}
	items := make([]mapping.Mapping, 0, len(rows))
	for _, row := range rows {
		items = append(items, mapping.Mapping{
			Institution: row.Institution,
			SourceID:    row.SourceID,
			TargetField: row.TargetField,
			UpdatedBy:   row.UpdatedBy,
			UpdatedAt:   row.UpdatedAt,
		})
	}
	return items, nil
}

func (s *Service) SaveMapping(ctx context.Context, session Session, item mapping.Mapping) (mapping.Mapping, error) {
	item.Institution = strings.TrimSpace(item.Institution)
	item.SourceID = strings.TrimSpace(item.SourceID)
	item.TargetField = strings.TrimSpace(item.TargetField)
	if err := item.Validate(); err != nil {
		return mapping.Mapping{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	item.UpdatedBy = session.UserName
	item.UpdatedAt = time.Now().UTC()
	if err := s.store.UpsertMapping(ctx, store.FieldMapping{
		Institution: item.Institution,
		SourceID:    item.SourceID,
		TargetField: item.TargetField,
		UpdatedBy:   item.UpdatedBy,
	}); err != nil {
		return mapping.Mapping{}, err
	}
	return item, nil
}

func (s *Service) SyncStatus(ctx context.Context, institution string, values []mapping.FieldValue, institutionDoc any) (map[string]mapping.Status, error) {
	table, err := s.mappingTable(ctx, institution)
	if err != nil {
		return nil, err
	}
	return mapping.SyncStatus(values, table, institutionDoc), nil
}
