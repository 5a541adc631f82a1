package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"fieldshare/internal/authpw"
	"fieldshare/internal/config"
	"fieldshare/internal/email"
	"fieldshare/internal/export"
	"fieldshare/internal/history"
	"fieldshare/internal/mapping"
	"fieldshare/internal/schema"
	"fieldshare/internal/schemasrc"
	"fieldshare/internal/search"
	"fieldshare/internal/selection"
	"fieldshare/internal/session"
	"fieldshare/internal/store"
)

type fakeStore struct {
	mu            sync.Mutex
	users         map[string]store.User
	resets        map[string]string
	revoked       map[string]bool
	institutions  []store.Institution
	shares        []store.Share
	commits       []store.Commit
	mappings      []store.FieldMapping
	catalogs      map[string][]store.SchemaNode
	historyHashes map[string]string

	applyCommitFn func(context.Context, store.Commit) error
	pingFn        func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:         make(map[string]store.User),
		resets:        make(map[string]string),
		revoked:       make(map[string]bool),
		catalogs:      make(map[string][]store.SchemaNode),
		historyHashes: make(map[string]string),
	}
}

func (f *fakeStore) GetUserByEmail(_ context.Context, emailAddress string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == emailAddress {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	user.PasswordHash = passwordHash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) CreatePasswordReset(_ context.Context, userID, token string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[token] = userID
	return nil
}

func (f *fakeStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.resets[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (f *fakeStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resets, token)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) ListInstitutions(context.Context) ([]store.Institution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Institution(nil), f.institutions...), nil
}

func (f *fakeStore) GetInstitution(_ context.Context, id string) (store.Institution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.institutions {
		if item.ID == id {
			return item, nil
		}
	}
	return store.Institution{}, sql.ErrNoRows
}

func (f *fakeStore) UpsertInstitution(_ context.Context, item store.Institution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.institutions {
		if f.institutions[i].ID == item.ID {
			f.institutions[i] = item
			return nil
		}
	}
	f.institutions = append(f.institutions, item)
	return nil
}

func (f *fakeStore) UpdateUserAccess(_ context.Context, userID, role, institution string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.Role = role
	user.Institution = institution
	f.users[userID] = user
	return nil
}

func (f *fakeStore) ListShares(_ context.Context, schemaKey string) ([]store.Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Share, 0)
	for _, share := range f.shares {
		if share.SchemaKey == schemaKey {
			out = append(out, share)
		}
	}
	return out, nil
}

func (f *fakeStore) share(schemaKey, uniqueID, institution string) {
	for _, existing := range f.shares {
		if existing.SchemaKey == schemaKey && existing.UniqueID == uniqueID && existing.Institution == institution {
			return
		}
	}
	f.shares = append(f.shares, store.Share{SchemaKey: schemaKey, UniqueID: uniqueID, Institution: institution})
}

func (f *fakeStore) unshare(schemaKey, uniqueID, institution string) {
	kept := f.shares[:0]
	for _, existing := range f.shares {
		if existing.SchemaKey == schemaKey && existing.UniqueID == uniqueID && (institution == "" || existing.Institution == institution) {
			continue
		}
		kept = append(kept, existing)
	}
	f.shares = kept
}

func (f *fakeStore) ApplyCommit(ctx context.Context, commit store.Commit) error {
	if f.applyCommitFn != nil {
		if err := f.applyCommitFn(ctx, commit); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, entry := range commit.Added() {
		f.share(commit.SchemaKey, entry.UniqueID, commit.Institution)
	}
	for _, entry := range commit.Removed {
		f.unshare(commit.SchemaKey, entry.UniqueID, commit.Institution)
	}
	f.commits = append(f.commits, commit)
	return nil
}

func (f *fakeStore) ReplaceSharing(_ context.Context, schemaKey, uniqueID string, institutions []string, _ string, commits []store.Commit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unshare(schemaKey, uniqueID, "")
	for _, institution := range institutions {
		f.share(schemaKey, uniqueID, institution)
	}
	f.commits = append(f.commits, commits...)
	return nil
}

func (f *fakeStore) SetCommitHistoryHash(_ context.Context, commitID, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyHashes[commitID] = hash
	return nil
}

func (f *fakeStore) GetCommit(_ context.Context, commitID string) (store.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, commit := range f.commits {
		if commit.ID == commitID {
			commit.HistoryHash = f.historyHashes[commit.ID]
			return commit, nil
		}
	}
	return store.Commit{}, sql.ErrNoRows
}

func (f *fakeStore) ListCommits(_ context.Context, schemaKey, institution string, limit int) ([]store.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Commit, 0)
	for i := len(f.commits) - 1; i >= 0; i-- {
		commit := f.commits[i]
		if commit.SchemaKey != schemaKey || (institution != "" && commit.Institution != institution) {
			continue
		}
		out = append(out, commit)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) ListMappings(_ context.Context, institution string) ([]store.FieldMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.FieldMapping, 0)
	for _, item := range f.mappings {
		if item.Institution == institution {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertMapping(_ context.Context, item store.FieldMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.mappings {
		if existing.Institution == item.Institution && existing.SourceID == item.SourceID {
			f.mappings[i] = item
			return nil
		}
	}
	f.mappings = append(f.mappings, item)
	return nil
}

func (f *fakeStore) ReplaceSchemaNodes(_ context.Context, schemaKey string, nodes []store.SchemaNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.catalogs[schemaKey] = nodes
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) sharedWith(institution string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0)
	for _, share := range f.shares {
		if share.Institution == institution {
			out = append(out, share.UniqueID)
		}
	}
	sort.Strings(out)
	return out
}

type fakeSchemas map[string]schema.Tree

func (f fakeSchemas) LoadSchema(_ context.Context, key string) (schema.Tree, error) {
	tree, ok := f[key]
	if !ok {
		return schema.Tree{}, schemasrc.ErrSchemaNotFound
	}
	return tree, nil
}

func (f fakeSchemas) ListSchemas(context.Context) ([]string, error) {
	keys := make([]string, 0, len(f))
	for key := range f {
		keys = append(keys, key)
	}
	return keys, nil
}

type fakeSearch struct {
	mu      sync.Mutex
	trees   []string
	commits []search.CommitRecord
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	return search.Response{Results: []search.Result{{Type: search.ResultNode, ID: "cvu_Phone", Title: "Phone"}}, Total: 1, Query: q.Text}
}

func (f *fakeSearch) IndexTree(schemaKey string, _ schema.Tree) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trees = append(f.trees, schemaKey)
}

func (f *fakeSearch) IndexCommit(record search.CommitRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, record)
}

type sentMail struct {
	to           string
	notification email.CommitNotification
}

type fakeMailer struct {
	configured bool
	sent       []sentMail
	resets     []string
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendCommitNotification(to string, data email.CommitNotification) error {
	f.sent = append(f.sent, sentMail{to: to, notification: data})
	return nil
}

func (f *fakeMailer) SendPasswordResetEmail(to, _, resetURL string) error {
	f.resets = append(f.resets, to+" "+resetURL)
	return nil
}

const testSchema = "cvu-2024"

// testTree has one nested node with two leaves and one top-level leaf.
func testTree() schema.Tree {
	return schema.Tree{Sections: []schema.Section{
		{Name: "cvu", Elements: []schema.Node{
			{Name: "Identity", Children: []schema.Node{{Name: "Name"}, {Name: "Email"}}},
			{Name: "Phone", Type: "xs:string"},
		}},
	}}
}

func newTestService(t *testing.T, fs *fakeStore) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	svc := newService(config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		PublicURL:  "http://fieldshare.test",
	})
	svc.store = fs
	svc.sessions = session.NewRedisStoreWithClient(client)
	svc.schemas = fakeSchemas{testSchema: testTree()}
	svc.passwords = authpw.NewService(fs)
	svc.history = history.New(t.TempDir())
	svc.export = export.NewService()
	svc.spawn = func(fn func()) { fn() }
	return svc
}

func editor(institution string) Session {
	return Session{UserID: "usr_" + strings.ToLower(institution), UserName: "Ana", Role: "editor", Institution: institution}
}

func requireDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	gotStatus, gotCode, _, _ := mapError(err)
	if gotStatus != status || gotCode != code {
		t.Fatalf("expected %d %s, got %d %s (%v)", status, code, gotStatus, gotCode, err)
	}
}

func TestToggleAcceptAndCommit(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(t, fs)
	indexer := &fakeSearch{}
	svc.search = indexer
	user := editor("UNAM")

	view, err := svc.Toggle(ctx, user, testSchema, "UNAM", "cvu_Identity", true)
	if err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if view.Phase != selection.PhaseAwaitingSelect || view.Confirmation == nil {
		t.Fatalf("expected a select confirmation, got %+v", view)
	}
	if view.Confirmation.Unselected != 2 || view.Confirmation.Total != 2 {
		t.Fatalf("unexpected confirmation %+v", view.Confirmation)
	}
	if view.HasChanges {
		t.Fatal("nothing may change before the confirmation is answered")
	}

	view, err = svc.AcceptConfirmation(ctx, user, testSchema, "UNAM")
	if err != nil {
		t.Fatalf("AcceptConfirmation() error = %v", err)
	}
	if view.Phase != selection.PhaseIdle || view.Added != 3 {
		t.Fatalf("unexpected draft after accept %+v", view)
	}

	commit, err := svc.Commit(ctx, user, testSchema, "UNAM", "  share identity  ")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if commit.Message != "share identity" || commit.Kind != store.CommitKindSelection {
		t.Fatalf("unexpected commit %+v", commit)
	}
	if len(commit.Manual) != 1 || commit.Manual[0].UniqueID != "cvu_Identity" {
		t.Fatalf("unexpected manual entries %+v", commit.Manual)
	}
	if len(commit.Automated) != 2 {
		t.Fatalf("expected 2 automated entries, got %+v", commit.Automated)
	}

	want := []string{"cvu_Identity", "cvu_Identity_Email", "cvu_Identity_Name"}
	if got := fs.sharedWith("UNAM"); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("baseline after commit = %v, want %v", got, want)
	}

	draft, err := svc.Draft(ctx, user, testSchema, "UNAM")
	if err != nil {
		t.Fatalf("Draft() error = %v", err)
	}
	if draft.HasChanges || len(draft.Manual) != 0 {
		t.Fatalf("draft should be cleared after commit, got %+v", draft)
	}

	if len(commit.HistoryHash) != 7 || fs.historyHashes[commit.ID] != commit.HistoryHash {
		t.Fatalf("history hash not linked: %q vs %q", commit.HistoryHash, fs.historyHashes[commit.ID])
	}
	revisions, err := svc.History(testSchema, "UNAM", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(revisions) != 1 || revisions[0].Added != 3 || revisions[0].CommitID != commit.ID {
		t.Fatalf("unexpected history %+v", revisions)
	}
	if len(indexer.commits) != 1 || indexer.commits[0].ID != commit.ID {
		t.Fatalf("commit not indexed: %+v", indexer.commits)
	}
	if len(indexer.trees) != 1 || len(fs.catalogs[testSchema]) != 4 {
		t.Fatalf("schema catalog not published once: trees=%v nodes=%d", indexer.trees, len(fs.catalogs[testSchema]))
	}
}

func TestCommitWithoutChangesIsRejected(t *testing.T) {
	svc := newTestService(t, newFakeStore())
	_, err := svc.Commit(context.Background(), editor("UNAM"), testSchema, "UNAM", "")
	requireDomainError(t, err, http.StatusUnprocessableEntity, "NO_CHANGES")
}

func TestCommitFailureKeepsDraft(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	fs.applyCommitFn = func(context.Context, store.Commit) error {
		return errors.New("connection reset")
	}
	svc := newTestService(t, fs)
	user := editor("UNAM")

	if _, err := svc.Toggle(ctx, user, testSchema, "UNAM", "cvu_Phone", true); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	_, err := svc.Commit(ctx, user, testSchema, "UNAM", "")
	requireDomainError(t, err, http.StatusBadGateway, "COMMIT_FAILED")

	draft, err := svc.Draft(ctx, user, testSchema, "UNAM")
	if err != nil {
		t.Fatalf("Draft() error = %v", err)
	}
	if draft.Added != 1 || len(draft.Manual) != 1 {
		t.Fatalf("draft must survive a failed commit, got %+v", draft)
	}
	revisions, _ := svc.History(testSchema, "UNAM", 10)
	if len(revisions) != 0 {
		t.Fatalf("failed commit must not be recorded, got %+v", revisions)
	}
}

func TestCommitWhileConfirmationPending(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newFakeStore())
	user := editor("UNAM")

	if _, err := svc.Toggle(ctx, user, testSchema, "UNAM", "cvu_Phone", true); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if _, err := svc.Toggle(ctx, user, testSchema, "UNAM", "cvu_Identity", true); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	_, err := svc.Commit(ctx, user, testSchema, "UNAM", "")
	requireDomainError(t, err, http.StatusConflict, "CONFIRMATION_PENDING")

	_, err = svc.Toggle(ctx, user, testSchema, "UNAM", "cvu_Phone", false)
	requireDomainError(t, err, http.StatusConflict, "CONFIRMATION_PENDING")
}

func TestDeselectingBaselineNodeRemovesShare(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	fs.shares = []store.Share{
		{SchemaKey: testSchema, UniqueID: "cvu_Phone", Institution: "UNAM"},
		{SchemaKey: testSchema, UniqueID: "cvu_Phone", Institution: "IPN"},
	}
	svc := newTestService(t, fs)
	user := editor("UNAM")

	view, err := svc.Toggle(ctx, user, testSchema, "UNAM", "cvu_Phone", false)
	if err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if view.Removed != 1 || view.Phase != selection.PhaseIdle {
		t.Fatalf("leaf deselect should be direct, got %+v", view)
	}
	changes, err := svc.Changes(ctx, user, testSchema, "UNAM")
	if err != nil {
		t.Fatalf("Changes() error = %v", err)
	}
	if len(changes.Removed) != 1 || changes.Removed[0].Name != "Phone" {
		t.Fatalf("unexpected removed %+v", changes.Removed)
	}

	if _, err := svc.Commit(ctx, user, testSchema, "UNAM", "stop phone"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if got := fs.sharedWith("UNAM"); len(got) != 0 {
		t.Fatalf("UNAM should share nothing, got %v", got)
	}
	if got := fs.sharedWith("IPN"); len(got) != 1 {
		t.Fatalf("other institutions keep their share, got %v", got)
	}
}

func TestChangesAreAnnotatedWithMappings(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	fs.mappings = []store.FieldMapping{{Institution: "UNAM", SourceID: "cvu_Phone", TargetField: "telefono"}}
	svc := newTestService(t, fs)
	user := editor("UNAM")

	if _, err := svc.Toggle(ctx, user, testSchema, "UNAM", "cvu_Phone", true); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	changes, err := svc.Changes(ctx, user, testSchema, "UNAM")
	if err != nil {
		t.Fatalf("Changes() error = %v", err)
	}
	if len(changes.Added) != 1 || changes.Added[0].TargetField != "telefono" {
		t.Fatalf("unexpected annotated changes %+v", changes.Added)
	}
	if len(changes.Manual) != 1 || len(changes.Automated) != 0 {
		t.Fatalf("unexpected partition %+v", changes)
	}
}

func TestDraftsAreScopedPerUserAndInstitution(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newFakeStore())
	ana := editor("UNAM")
	luis := Session{UserID: "usr_luis", UserName: "Luis", Role: "admin"}

	if _, err := svc.Toggle(ctx, ana, testSchema, "UNAM", "cvu_Phone", true); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	for _, tc := range []struct {
		name        string
		user        Session
		institution string
		want        bool
	}{
		{"same user and institution", ana, "UNAM", true},
		{"other institution", ana, "IPN", false},
		{"other user", luis, "UNAM", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			draft, err := svc.Draft(ctx, tc.user, testSchema, tc.institution)
			if err != nil {
				t.Fatalf("Draft() error = %v", err)
			}
			if draft.HasChanges != tc.want {
				t.Fatalf("HasChanges = %v, want %v", draft.HasChanges, tc.want)
			}
		})
	}
}

func TestDiscardAndDiscardAutomated(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newFakeStore())
	user := editor("UNAM")

	if _, err := svc.Toggle(ctx, user, testSchema, "UNAM", "cvu_Identity", true); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if _, err := svc.AcceptConfirmation(ctx, user, testSchema, "UNAM"); err != nil {
		t.Fatalf("AcceptConfirmation() error = %v", err)
	}
	view, err := svc.DiscardAutomated(ctx, user, testSchema, "UNAM")
	if err != nil {
		t.Fatalf("DiscardAutomated() error = %v", err)
	}
	if view.Added != 1 {
		t.Fatalf("only the manual selection should remain, got %+v", view)
	}

	view, err = svc.Discard(ctx, user, testSchema, "UNAM")
	if err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if view.HasChanges || view.Institution != "UNAM" {
		t.Fatalf("discard should leave a pristine draft, got %+v", view)
	}
}

func TestNodesReportSelectionAndSharedWith(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	fs.shares = []store.Share{
		{SchemaKey: testSchema, UniqueID: "cvu_Phone", Institution: "UNAM"},
		{SchemaKey: testSchema, UniqueID: "cvu_Phone", Institution: "IPN"},
	}
	svc := newTestService(t, fs)

	nodes, err := svc.Nodes(ctx, editor("UNAM"), testSchema, "UNAM", "cvu")
	if err != nil {
		t.Fatalf("Nodes() error = %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected the two direct elements, got %+v", nodes)
	}
	identity, phone := nodes[0], nodes[1]
	if !identity.HasChildren || identity.Descendants != 2 || identity.Selected {
		t.Fatalf("unexpected identity row %+v", identity)
	}
	if !phone.Selected || !phone.Baseline || strings.Join(phone.SharedWith, ",") != "IPN,UNAM" {
		t.Fatalf("unexpected phone row %+v", phone)
	}

	if _, err := svc.Nodes(ctx, editor("UNAM"), testSchema, "UNAM", "nope"); !errors.Is(err, selection.ErrUnknownNode) {
		t.Fatalf("expected unknown scope, got %v", err)
	}

	_, err = svc.Nodes(ctx, editor("UNAM"), testSchema, "UNAM", "")
	requireDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
	var domainErr *DomainError
	errors.As(err, &domainErr)
	details, _ := domainErr.Details.(map[string]any)
	if sections, _ := details["sections"].([]string); strings.Join(sections, ",") != "cvu" {
		t.Fatalf("expected the available sections in details, got %+v", domainErr.Details)
	}
}

func TestScopeChanges(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newFakeStore())
	user := editor("UNAM")

	if _, err := svc.Toggle(ctx, user, testSchema, "UNAM", "cvu_Identity_Name", true); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	top, err := svc.ScopeChanges(ctx, user, testSchema, "UNAM", "cvu")
	if err != nil {
		t.Fatalf("ScopeChanges() error = %v", err)
	}
	if top["hasChanges"] != false {
		t.Fatalf("top-level scope does not descend, got %+v", top)
	}
	nested, err := svc.ScopeChanges(ctx, user, testSchema, "UNAM", "cvu/Identity")
	if err != nil {
		t.Fatalf("ScopeChanges() error = %v", err)
	}
	if nested["hasChanges"] != true {
		t.Fatalf("nested scope should report the change, got %+v", nested)
	}
}

func TestRevertCommit(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(t, fs)
	user := editor("UNAM")

	if _, err := svc.Toggle(ctx, user, testSchema, "UNAM", "cvu_Phone", true); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	original, err := svc.Commit(ctx, user, testSchema, "UNAM", "add phone")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	revert, err := svc.RevertCommit(ctx, user, testSchema, "UNAM", original.ID, "")
	if err != nil {
		t.Fatalf("RevertCommit() error = %v", err)
	}
	if revert.Kind != store.CommitKindRevert || revert.RevertsID != original.ID || len(revert.Removed) != 1 {
		t.Fatalf("unexpected revert %+v", revert)
	}
	if got := fs.sharedWith("UNAM"); len(got) != 0 {
		t.Fatalf("revert should unshare phone, got %v", got)
	}

	_, err = svc.RevertCommit(ctx, user, testSchema, "UNAM", original.ID, "")
	requireDomainError(t, err, http.StatusUnprocessableEntity, "NO_CHANGES")

	_, err = svc.RevertCommit(ctx, user, testSchema, "IPN", original.ID, "")
	requireDomainError(t, err, http.StatusNotFound, "COMMIT_NOT_FOUND")
}

func TestUpdateSharing(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	fs.shares = []store.Share{{SchemaKey: testSchema, UniqueID: "cvu_Phone", Institution: "UNAM"}}
	svc := newTestService(t, fs)
	admin := Session{UserID: "usr_admin", UserName: "Admin", Role: "admin"}

	payload, err := svc.UpdateSharing(ctx, admin, testSchema, "cvu_Phone", []string{"IPN", "UNAM", " ", "IPN"})
	if err != nil {
		t.Fatalf("UpdateSharing() error = %v", err)
	}
	if ids := payload["commits"].([]string); len(ids) != 1 {
		t.Fatalf("only IPN gained the node, got %v", ids)
	}
	if got := fs.sharedWith("IPN"); len(got) != 1 {
		t.Fatalf("IPN should share phone, got %v", got)
	}

	payload, err = svc.UpdateSharing(ctx, admin, testSchema, "cvu_Phone", nil)
	if err != nil {
		t.Fatalf("UpdateSharing() error = %v", err)
	}
	if ids := payload["commits"].([]string); len(ids) != 2 {
		t.Fatalf("both institutions lost the node, got %v", ids)
	}
	commits, _ := svc.ListCommits(ctx, testSchema, "", 10)
	for _, commit := range commits {
		if commit.Kind != store.CommitKindDirect {
			t.Fatalf("sharing updates are direct commits, got %+v", commit)
		}
	}

	_, err = svc.UpdateSharing(ctx, admin, testSchema, "cvu_Missing", []string{"IPN"})
	requireDomainError(t, err, http.StatusNotFound, "NODE_NOT_FOUND")
}

func TestIdentityCollisionIsReported(t *testing.T) {
	svc := newTestService(t, newFakeStore())
	svc.schemas = fakeSchemas{"broken": {Sections: []schema.Section{
		{Name: "cvu", Elements: []schema.Node{{Name: "Phone"}, {Name: "Phone"}}},
	}}}

	_, err := svc.SchemaSummary(context.Background(), "broken")
	requireDomainError(t, err, http.StatusInternalServerError, "IDENTITY_COLLISION")
	_, _, _, details := mapError(err)
	if details.(map[string]any)["uniqueId"] != "cvu_Phone" {
		t.Fatalf("unexpected details %+v", details)
	}
}

func TestUnknownSchema(t *testing.T) {
	svc := newTestService(t, newFakeStore())
	_, err := svc.SchemaSummary(context.Background(), "missing")
	requireDomainError(t, err, http.StatusNotFound, "SCHEMA_NOT_FOUND")

	_, err = svc.SchemaSummary(context.Background(), "../etc")
	requireDomainError(t, err, http.StatusBadRequest, "INVALID_SCHEMA_KEY")
}

func TestSchemaSummaryCountsNodes(t *testing.T) {
	fs := newFakeStore()
	fs.shares = []store.Share{{SchemaKey: testSchema, UniqueID: "cvu_Phone", Institution: "IPN"}}
	svc := newTestService(t, fs)

	summary, err := svc.SchemaSummary(context.Background(), testSchema)
	if err != nil {
		t.Fatalf("SchemaSummary() error = %v", err)
	}
	if summary["nodeCount"] != 4 {
		t.Fatalf("nodeCount = %v", summary["nodeCount"])
	}
	sections := summary["sections"].([]map[string]any)
	if len(sections) != 1 || sections[0]["elements"] != 2 || sections[0]["nodes"] != 4 {
		t.Fatalf("unexpected sections %+v", sections)
	}
	if institutions := summary["institutions"].([]string); len(institutions) != 1 || institutions[0] != "IPN" {
		t.Fatalf("unexpected institutions %v", institutions)
	}
}

func TestCommitNotifiesInstitutionContact(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	fs.institutions = []store.Institution{{ID: "UNAM", Name: "Universidad", ContactEmail: "datos@unam.test"}}
	svc := newTestService(t, fs)
	mailer := &fakeMailer{configured: true}
	svc.email = mailer
	user := editor("UNAM")

	if _, err := svc.Toggle(ctx, user, testSchema, "UNAM", "cvu_Phone", true); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	commit, err := svc.Commit(ctx, user, testSchema, "UNAM", "")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if len(mailer.sent) != 1 || mailer.sent[0].to != "datos@unam.test" {
		t.Fatalf("unexpected mail %+v", mailer.sent)
	}
	notification := mailer.sent[0].notification
	if notification.InstitutionName != "Universidad" || len(notification.Added) != 1 || !strings.HasSuffix(notification.ReceiptURL, commit.ID+"/receipt") {
		t.Fatalf("unexpected notification %+v", notification)
	}
}

func TestReceiptHTML(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	fs.mappings = []store.FieldMapping{{Institution: "UNAM", SourceID: "cvu_Phone", TargetField: "telefono"}}
	svc := newTestService(t, fs)
	user := editor("UNAM")

	if _, err := svc.Toggle(ctx, user, testSchema, "UNAM", "cvu_Phone", true); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	commit, err := svc.Commit(ctx, user, testSchema, "UNAM", "phone")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	result, err := svc.Receipt(ctx, testSchema, "UNAM", commit.ID, "")
	if err != nil {
		t.Fatalf("Receipt() error = %v", err)
	}
	if !strings.HasPrefix(result.MimeType, "text/html") || !strings.Contains(string(result.Data), "telefono") {
		t.Fatalf("unexpected receipt %s: %s", result.MimeType, result.Data)
	}

	_, err = svc.Receipt(ctx, testSchema, "UNAM", commit.ID, "docx")
	requireDomainError(t, err, http.StatusBadRequest, "UNSUPPORTED_FORMAT")
}

func TestRequestPasswordResetWithoutSMTPReturnsToken(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(t, fs)
	if _, err := svc.SignUp(ctx, authpw.SignUpRequest{Email: "ana@unam.test", Password: "password123", DisplayName: "Ana"}); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	token, err := svc.RequestPasswordReset(ctx, "ana@unam.test")
	if err != nil || token == "" {
		t.Fatalf("expected dev token, got %q, %v", token, err)
	}

	mailer := &fakeMailer{configured: true}
	svc.email = mailer
	token, err = svc.RequestPasswordReset(ctx, "ana@unam.test")
	if err != nil || token != "" {
		t.Fatalf("token must not leak when mail is configured, got %q, %v", token, err)
	}
	if len(mailer.resets) != 1 || !strings.Contains(mailer.resets[0], "http://fieldshare.test/reset-password?token=") {
		t.Fatalf("unexpected reset mail %v", mailer.resets)
	}
}

func TestSaveMappingValidates(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(t, fs)
	admin := Session{UserID: "usr_admin", UserName: "Admin", Role: "admin"}

	item, err := svc.SaveMapping(ctx, admin, mapping.Mapping{Institution: "UNAM", SourceID: " cvu_Phone ", TargetField: "telefono"})
	if err != nil {
		t.Fatalf("SaveMapping() error = %v", err)
	}
	if item.SourceID != "cvu_Phone" || item.UpdatedBy != "Admin" {
		t.Fatalf("unexpected mapping %+v", item)
	}
	_, err = svc.SaveMapping(ctx, admin, mapping.Mapping{Institution: "UNAM", SourceID: "cvu_Phone"})
	requireDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	statuses, err := svc.SyncStatus(ctx, "UNAM", []mapping.FieldValue{{UniqueID: "cvu_Phone", Value: "555"}, {UniqueID: "cvu_Identity_Name", Value: "Ana"}},
		map[string]any{"persona": map[string]any{"telefono": " 555 "}})
	if err != nil {
		t.Fatalf("SyncStatus() error = %v", err)
	}
	if statuses["cvu_Phone"] != "synced" || statuses["cvu_Identity_Name"] != "not_mapped" {
		t.Fatalf("unexpected statuses %v", statuses)
	}
}

func TestSetUserAccess(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	fs.institutions = []store.Institution{{ID: "UNAM", Name: "Universidad"}}
	fs.users["usr_ana"] = store.User{ID: "usr_ana", DisplayName: "Ana", Role: "viewer"}
	svc := newTestService(t, fs)

	_, err := svc.SetUserAccess(ctx, "usr_ana", "owner", "UNAM")
	requireDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	_, err = svc.SetUserAccess(ctx, "usr_ana", "editor", "IPN")
	requireDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	_, err = svc.SetUserAccess(ctx, "usr_missing", "editor", "UNAM")
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")

	if _, err := svc.SetUserAccess(ctx, "usr_ana", "editor", "UNAM"); err != nil {
		t.Fatalf("SetUserAccess() error = %v", err)
	}
	if user := fs.users["usr_ana"]; user.Role != "editor" || user.Institution != "UNAM" {
		t.Fatalf("unexpected user %+v", user)
	}
}

func TestDraftLocksArePrunedAfterUse(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(t, fs)
	user := editor("UNAM")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(checked bool) {
			defer wg.Done()
			if _, err := svc.Toggle(ctx, user, testSchema, "UNAM", "cvu_Phone", checked); err != nil {
				errs <- err
			}
		}(i%2 == 0)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Toggle() error = %v", err)
	}

	if _, err := svc.Toggle(ctx, user, testSchema, "UNAM", "cvu_Phone", true); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if _, err := svc.Commit(ctx, user, testSchema, "UNAM", "phone"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	svc.draftMu.Lock()
	defer svc.draftMu.Unlock()
	if len(svc.draftLocks) != 0 {
		t.Fatalf("expected no idle draft locks, got %d", len(svc.draftLocks))
	}
}
