package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldshare/internal/schema"
	"fieldshare/internal/selection"
	"fieldshare/internal/store"
	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rs, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	return rs, mr
}

func TestRefreshSessionRoundTrip(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()

	user := store.User{ID: "usr_1", DisplayName: "Ana", Email: "ana@example.com", Role: "editor", Institution: "UNAM"}
	if err := rs.SaveRefreshSession(ctx, "hash-1", user, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	got, err := rs.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if got.ID != user.ID || got.Institution != "UNAM" || got.Role != "editor" {
		t.Fatalf("unexpected user: %+v", got)
	}
}

func TestRefreshSessionExpires(t *testing.T) {
	rs, mr := setupTestRedis(t)
	ctx := context.Background()

	if err := rs.SaveRefreshSession(ctx, "hash-exp", store.User{ID: "usr_2"}, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	mr.FastForward(2 * time.Second)

	if _, err := rs.LookupRefreshSession(ctx, "hash-exp"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := rs.SaveRefreshSession(ctx, "hash-a", store.User{ID: "usr_a"}, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := rs.SaveRefreshSession(ctx, "hash-b", store.User{ID: "usr_b"}, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save b: %v", err)
	}
	if err := rs.RevokeRefreshSession(ctx, "hash-a"); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}
	if err := rs.RevokeRefreshSession(ctx, "never-issued"); err != nil {
		t.Fatalf("revoking an unknown token should not fail: %v", err)
	}

	if _, err := rs.LookupRefreshSession(ctx, "hash-a"); err == nil {
		t.Fatal("expected revoked token to be gone")
	}
	user, err := rs.LookupRefreshSession(ctx, "hash-b")
	if err != nil || user.ID != "usr_b" || user.Role != "viewer" {
		t.Fatalf("unexpected lookup of other session: %+v, %v", user, err)
	}
}

func draftEngine(t *testing.T) *selection.Engine {
	t.Helper()
	ix, err := schema.NewIndex(schema.Tree{Sections: []schema.Section{{Name: "cvu", Elements: []schema.Node{
		{Name: "A", Children: []schema.Node{{Name: "B"}, {Name: "C"}}},
	}}}})
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	return selection.NewEngine(ix, nil)
}

func TestDraftRoundTrip(t *testing.T) {
	rs, mr := setupTestRedis(t)
	ctx := context.Background()
	engine := draftEngine(t)
	key := DraftKey{UserID: "usr_1", SchemaKey: "cvu", Institution: "X"}

	fresh, err := rs.LoadDraft(ctx, key)
	if err != nil {
		t.Fatalf("LoadDraft(empty) error = %v", err)
	}
	if !fresh.IsPristine() || fresh.Institution() != "X" {
		t.Fatalf("expected pristine draft for X, got %+v", fresh)
	}

	state, err := engine.Toggle(fresh, "cvu_A", true)
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if err := rs.SaveDraft(ctx, key, state); err != nil {
		t.Fatalf("SaveDraft error = %v", err)
	}
	if ttl := mr.TTL(key.redisKey()); ttl != defaultDraftTTL {
		t.Fatalf("draft TTL = %v, want %v", ttl, defaultDraftTTL)
	}

	loaded, err := rs.LoadDraft(ctx, key)
	if err != nil {
		t.Fatalf("LoadDraft error = %v", err)
	}
	if loaded.Phase() != selection.PhaseAwaitingSelect {
		t.Fatalf("pending confirmation lost: %v", loaded.Phase())
	}
	accepted := engine.Accept(loaded)
	if got := len(engine.Changes(accepted).Automated); got != 2 {
		t.Fatalf("automated after accept = %d, want 2", got)
	}

	if err := rs.SaveDraft(ctx, key, accepted.Reset()); err != nil {
		t.Fatalf("SaveDraft(reset) error = %v", err)
	}
	if mr.Exists(key.redisKey()) {
		t.Fatal("pristine draft should not be stored")
	}
}

func TestDraftsAreScoped(t *testing.T) {
	rs, mr := setupTestRedis(t)
	rs.WithDraftTTL(time.Minute)
	ctx := context.Background()
	engine := draftEngine(t)

	x := DraftKey{UserID: "usr_1", SchemaKey: "cvu", Institution: "X"}
	y := DraftKey{UserID: "usr_1", SchemaKey: "cvu", Institution: "Y"}

	state, err := engine.Toggle(selection.NewState("X"), "cvu_A_B", true)
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if err := rs.SaveDraft(ctx, x, state); err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}

	other, err := rs.LoadDraft(ctx, y)
	if err != nil || !other.IsPristine() {
		t.Fatalf("draft leaked across institutions: %+v, %v", other, err)
	}

	mr.FastForward(2 * time.Minute)
	expired, err := rs.LoadDraft(ctx, x)
	if err != nil || !expired.IsPristine() {
		t.Fatalf("expected expired draft to be pristine: %+v, %v", expired, err)
	}
}

func TestLoadDraftRejectsCorruptData(t *testing.T) {
	rs, mr := setupTestRedis(t)
	key := DraftKey{UserID: "usr_1", SchemaKey: "cvu", Institution: "X"}
	if err := mr.Set(key.redisKey(), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := rs.LoadDraft(context.Background(), key); err == nil {
		t.Fatal("expected decode error")
	}
}
