package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"fieldshare/internal/email"
	"fieldshare/internal/export"
	"fieldshare/internal/history"
	"fieldshare/internal/search"
	"fieldshare/internal/selection"
	"fieldshare/internal/store"
	"fieldshare/internal/util"
)

type CommitView struct {
	ID          string              `json:"id"`
	SchemaKey   string              `json:"schemaKey"`
	Institution string              `json:"institution"`
	Kind        string              `json:"kind"`
	Message     string              `json:"message"`
	AuthorName  string              `json:"authorName"`
	RevertsID   string              `json:"revertsId,omitempty"`
	HistoryHash string              `json:"historyHash,omitempty"`
	Manual      []store.CommitEntry `json:"manual"`
	Automated   []store.CommitEntry `json:"automated"`
	Removed     []store.CommitEntry `json:"removed"`
	CreatedAt   time.Time           `json:"createdAt"`
}

func commitView(commit store.Commit) CommitView {
	return CommitView{
		ID:          commit.ID,
		SchemaKey:   commit.SchemaKey,
		Institution: commit.Institution,
		Kind:        commit.Kind,
		Message:     commit.Message,
		AuthorName:  commit.AuthorName,
		RevertsID:   commit.RevertsID,
		HistoryHash: commit.HistoryHash,
		Manual:      nonNilEntries(commit.Manual),
		Automated:   nonNilEntries(commit.Automated),
		Removed:     nonNilEntries(commit.Removed),
		CreatedAt:   commit.CreatedAt,
	}
}

func nonNilEntries(entries []store.CommitEntry) []store.CommitEntry {
	if entries == nil {
		return []store.CommitEntry{}
	}
	return entries
}

func commitEntries(changes []selection.Change) ([]store.CommitEntry, error) {
	out := make([]store.CommitEntry, 0, len(changes))
	for _, change := range changes {
		data, err := json.Marshal(change.Data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", change.UniqueID, err)
		}
		out = append(out, store.CommitEntry{Name: change.Name, UniqueID: change.UniqueID, Data: data})
	}
	return out, nil
}

func entryIDs(entries []store.CommitEntry) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.UniqueID)
	}
	return out
}

func commitFailed(commit store.Commit, err error) error {
	log.Printf("commit: apply %s for %s/%s: %v", commit.ID, commit.SchemaKey, commit.Institution, err)
	return domainError(http.StatusBadGateway, "COMMIT_FAILED", "the baseline could not be updated; the draft was kept", nil)
}

// Commit applies the caller's draft to the baseline of institution. The
// baseline write is one transaction; the draft is only cleared after it
// succeeds, so a failed commit can be retried as is.
func (s *Service) Commit(ctx context.Context, user Session, schemaKey, institution, message string) (CommitView, error) {
	key := draftKey(user, schemaKey, institution)
	unlock := s.lockDraft(key)
	defer unlock()

	engine, err := s.engine(ctx, schemaKey)
	if err != nil {
		return CommitView{}, err
	}
	state, err := s.sessions.LoadDraft(ctx, key)
	if err != nil {
		return CommitView{}, err
	}
	if state.Pending() != nil {
		return CommitView{}, selection.ErrConfirmationPending
	}
	changes := engine.Changes(state)
	if changes.IsEmpty() {
		return CommitView{}, errNoChanges
	}

	commit := store.Commit{
		ID:          util.NewID("cmt"),
		SchemaKey:   schemaKey,
		Institution: institution,
		Kind:        store.CommitKindSelection,
		Message:     strings.TrimSpace(message),
		AuthorID:    user.UserID,
		AuthorName:  user.UserName,
		CreatedAt:   time.Now().UTC(),
	}
	if commit.Manual, err = commitEntries(changes.Manual); err != nil {
		return CommitView{}, err
	}
	if commit.Automated, err = commitEntries(changes.Automated); err != nil {
		return CommitView{}, err
	}
	if commit.Removed, err = commitEntries(changes.Removed); err != nil {
		return CommitView{}, err
	}

	if err := s.store.ApplyCommit(ctx, commit); err != nil {
		return CommitView{}, commitFailed(commit, err)
	}

	added, removed := changes.IDs()
	commit.HistoryHash = s.recordHistory(ctx, commit, engine.Baseline(), added, removed)
	if err := s.sessions.DeleteDraft(ctx, key); err != nil {
		log.Printf("commit: clear draft %s: %v", commit.ID, err)
	}
	s.afterCommit(commit)
	return commitView(commit), nil
}

func (s *Service) ListCommits(ctx context.Context, schemaKey, institution string, limit int) ([]CommitView, error) {
	commits, err := s.store.ListCommits(ctx, schemaKey, institution, limit)
	if err != nil {
		return nil, err
	}
	items := make([]CommitView, 0, len(commits))
	for _, commit := range commits {
		items = append(items, commitView(commit))
	}
	return items, nil
}

func (s *Service) getCommit(ctx context.Context, schemaKey, institution, commitID string) (store.Commit, error) {
	commit, err := s.store.GetCommit(ctx, commitID)
	if err != nil {
		return store.Commit{}, err
	}
	if commit.SchemaKey != schemaKey || commit.Institution != institution {
		return store.Commit{}, domainError(http.StatusNotFound, "COMMIT_NOT_FOUND", "commit not found", nil)
	}
	return commit, nil
}

// RevertCommit applies the inverse of a logged commit as a new commit.
// Entries the baseline no longer matches are skipped, so reverting twice is
// a no-op rather than an error.
func (s *Service) RevertCommit(ctx context.Context, user Session, schemaKey, institution, commitID, message string) (CommitView, error) {
	original, err := s.getCommit(ctx, schemaKey, institution, commitID)
	if err != nil {
		return CommitView{}, err
	}
	baseline, err := s.baseline(ctx, schemaKey)
	if err != nil {
		return CommitView{}, err
	}

	message = strings.TrimSpace(message)
	if message == "" {
		message = "Revert " + original.ID
	}
	revert := store.Commit{
		ID:          util.NewID("cmt"),
		SchemaKey:   schemaKey,
		Institution: institution,
		Kind:        store.CommitKindRevert,
		Message:     message,
		AuthorID:    user.UserID,
		AuthorName:  user.UserName,
		RevertsID:   original.ID,
		CreatedAt:   time.Now().UTC(),
	}
	for _, entry := range original.Removed {
		if !baseline.IsBaseline(entry.UniqueID, institution) {
			revert.Manual = append(revert.Manual, entry)
		}
	}
	for _, entry := range original.Added() {
		if baseline.IsBaseline(entry.UniqueID, institution) {
			revert.Removed = append(revert.Removed, entry)
		}
	}
	if len(revert.Manual) == 0 && len(revert.Removed) == 0 {
		return CommitView{}, errNoChanges
	}

	if err := s.store.ApplyCommit(ctx, revert); err != nil {
		return CommitView{}, commitFailed(revert, err)
	}
	revert.HistoryHash = s.recordHistory(ctx, revert, baseline, entryIDs(revert.Manual), entryIDs(revert.Removed))
	s.afterCommit(revert)
	return commitView(revert), nil
}

// UpdateSharing replaces the institution set of one node. Each institution
// that gains or loses the node gets its own direct commit.
func (s *Service) UpdateSharing(ctx context.Context, user Session, schemaKey, uniqueID string, institutions []string) (map[string]any, error) {
	ix, err := s.schemaIndex(ctx, schemaKey)
	if err != nil {
		return nil, err
	}
	pos, ok := ix.Lookup(uniqueID)
	if !ok {
		return nil, selection.ErrUnknownNode
	}
	baseline, err := s.baseline(ctx, schemaKey)
	if err != nil {
		return nil, err
	}

	next := normalizeInstitutions(institutions)
	gained, lost := diffSets(baseline.Institutions(uniqueID), next)
	if len(gained) == 0 && len(lost) == 0 {
		return map[string]any{"uniqueId": uniqueID, "institutions": next, "commits": []string{}}, nil
	}

	sharedData, err := json.Marshal(pos.Node.Clone())
	if err != nil {
		return nil, err
	}
	removedData, err := json.Marshal(pos.Node.WithoutChildren())
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	newCommit := func(institution string) store.Commit {
		return store.Commit{
			ID:          util.NewID("cmt"),
			SchemaKey:   schemaKey,
			Institution: institution,
			Kind:        store.CommitKindDirect,
			Message:     fmt.Sprintf("Sharing of %s updated", pos.Node.Name),
			AuthorID:    user.UserID,
			AuthorName:  user.UserName,
			CreatedAt:   now,
		}
	}
	commits := make([]store.Commit, 0, len(gained)+len(lost))
	for _, institution := range gained {
		commit := newCommit(institution)
		commit.Manual = []store.CommitEntry{{Name: pos.Node.Name, UniqueID: uniqueID, Data: sharedData}}
		commits = append(commits, commit)
	}
	for _, institution := range lost {
		commit := newCommit(institution)
		commit.Removed = []store.CommitEntry{{Name: pos.Node.Name, UniqueID: uniqueID, Data: removedData}}
		commits = append(commits, commit)
	}

	if err := s.store.ReplaceSharing(ctx, schemaKey, uniqueID, next, user.UserName, commits); err != nil {
		log.Printf("commit: sharing of %s/%s: %v", schemaKey, uniqueID, err)
		return nil, domainError(http.StatusBadGateway, "COMMIT_FAILED", "sharing could not be updated", nil)
	}

	ids := make([]string, 0, len(commits))
	for _, commit := range commits {
		commit.HistoryHash = s.recordHistory(ctx, commit, baseline, entryIDs(commit.Manual), entryIDs(commit.Removed))
		s.afterCommit(commit)
		ids = append(ids, commit.ID)
	}
	return map[string]any{"uniqueId": uniqueID, "institutions": next, "commits": ids}, nil
}

func normalizeInstitutions(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

func diffSets(before, after []string) (gained, lost []string) {
	had := make(map[string]struct{}, len(before))
	for _, item := range before {
		had[item] = struct{}{}
	}
	has := make(map[string]struct{}, len(after))
	for _, item := range after {
		has[item] = struct{}{}
		if _, ok := had[item]; !ok {
			gained = append(gained, item)
		}
	}
	for _, item := range before {
		if _, ok := has[item]; !ok {
			lost = append(lost, item)
		}
	}
	sort.Strings(gained)
	sort.Strings(lost)
	return gained, lost
}

// recordHistory snapshots the baseline of the commit's institution after the
// commit. Failures are logged; the commit itself already succeeded.
func (s *Service) recordHistory(ctx context.Context, commit store.Commit, before *selection.BaselineIndex, added, removed []string) string {
	if s.history == nil {
		return ""
	}
	shared := make(map[string]struct{})
	for _, id := range before.SharedWith(commit.Institution) {
		shared[id] = struct{}{}
	}
	for _, id := range added {
		shared[id] = struct{}{}
	}
	for _, id := range removed {
		delete(shared, id)
	}
	snapshot := history.Snapshot{SchemaKey: commit.SchemaKey, Institution: commit.Institution, CommitID: commit.ID}
	for id := range shared {
		snapshot.Shared = append(snapshot.Shared, id)
	}
	sort.Strings(snapshot.Shared)

	message := commit.Message
	if message == "" {
		message = fmt.Sprintf("%s commit %s", commit.Kind, commit.ID)
	}
	revision, err := s.history.Record(snapshot, commit.AuthorName, message)
	if err != nil {
		log.Printf("history: record %s: %v", commit.ID, err)
		return ""
	}
	if err := s.store.SetCommitHistoryHash(ctx, commit.ID, revision.Hash); err != nil {
		log.Printf("history: link %s to %s: %v", commit.ID, revision.Hash, err)
	}
	return revision.Hash
}

func (s *Service) afterCommit(commit store.Commit) {
	if s.search != nil {
		s.search.IndexCommit(search.CommitRecord{
			ID:          commit.ID,
			SchemaKey:   commit.SchemaKey,
			Institution: commit.Institution,
			Kind:        commit.Kind,
			Message:     commit.Message,
			AuthorName:  commit.AuthorName,
		})
	}
	if !s.SMTPConfigured() {
		return
	}
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		institution, err := s.store.GetInstitution(ctx, commit.Institution)
		if err != nil {
			if !store.IsNotFound(err) {
				log.Printf("email: load institution %s: %v", commit.Institution, err)
			}
			return
		}
		if institution.ContactEmail == "" {
			return
		}
		notification := email.CommitNotification{
			InstitutionName: institution.Name,
			SchemaKey:       commit.SchemaKey,
			CommitID:        commit.ID,
			Author:          commit.AuthorName,
			Message:         commit.Message,
			CreatedAt:       commit.CreatedAt,
			Added:           entryNames(commit.Added()),
			Removed:         entryNames(commit.Removed),
			ReceiptURL: fmt.Sprintf("%s/api/schemas/%s/institutions/%s/commits/%s/receipt",
				s.cfg.PublicURL, commit.SchemaKey, commit.Institution, commit.ID),
		}
		if err := s.email.SendCommitNotification(institution.ContactEmail, notification); err != nil {
			log.Printf("email: commit %s notification: %v", commit.ID, err)
		}
	})
}

func entryNames(entries []store.CommitEntry) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Name)
	}
	return out
}

func (s *Service) Receipt(ctx context.Context, schemaKey, institution, commitID, rawFormat string) (*export.Result, error) {
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return nil, err
	}
	commit, err := s.getCommit(ctx, schemaKey, institution, commitID)
	if err != nil {
		return nil, err
	}
	inst, err := s.store.GetInstitution(ctx, institution)
	if err != nil {
		if !store.IsNotFound(err) {
			return nil, err
		}
		inst = store.Institution{ID: institution, Name: institution}
	}
	table, err := s.mappingTable(ctx, institution)
	if err != nil {
		return nil, err
	}
	return s.export.Export(ctx, export.ReceiptFromCommit(commit, inst, table), format)
}

func (s *Service) History(schemaKey, institution string, limit int) ([]history.Revision, error) {
	if s.history == nil {
		return []history.Revision{}, nil
	}
	return s.history.History(schemaKey, institution, limit)
}
