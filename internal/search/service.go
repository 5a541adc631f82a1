package search

import (
	"context"
	"log"

	"fieldshare/internal/schema"
)

type meiliBackend interface {
	Searcher
	Indexer
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili meiliBackend
	pgfts Searcher
	async bool
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{async: true}
	if meili != nil {
		s.meili = meili
	}
	if pgfts != nil {
		s.pgfts = pgfts
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexTree replaces the indexed nodes of one schema (fire-and-forget).
func (s *Service) IndexTree(schemaKey string, tree schema.Tree) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	records := NodeRecords(schemaKey, tree)
	s.run(func() {
		if err := s.meili.DeleteSchema(schemaKey); err != nil {
			log.Printf("search: clear schema %s: %v", schemaKey, err)
		}
		if err := s.meili.IndexNodes(records); err != nil {
			log.Printf("search: index schema %s: %v", schemaKey, err)
		}
	})
}

// IndexCommit indexes a logged commit (fire-and-forget).
func (s *Service) IndexCommit(c CommitRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	s.run(func() {
		if err := s.meili.IndexCommit(c); err != nil {
			log.Printf("search: index commit %s: %v", c.ID, err)
		}
	})
}

// ReindexAllFromPG pushes every record PostgreSQL knows into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context, pgfts *PgFTS) {
	if s.meili == nil || !s.meili.Healthy() || pgfts == nil {
		return
	}
	nodes, commits, err := pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexNodes(nodes); err != nil {
		log.Printf("search: reindex nodes: %v", err)
	}
	for _, c := range commits {
		if err := s.meili.IndexCommit(c); err != nil {
			log.Printf("search: reindex commit %s: %v", c.ID, err)
		}
	}
}

func (s *Service) run(fn func()) {
	if s.async {
		go fn()
		return
	}
	fn()
}

// NodeRecords flattens a tree into index records in pre-order.
func NodeRecords(schemaKey string, tree schema.Tree) []NodeRecord {
	records := make([]NodeRecord, 0)
	tree.Walk(func(pos schema.Position) {
		path := pos.Path()
		records = append(records, NodeRecord{
			ID:        NodeDocumentID(schemaKey, pos.ID),
			SchemaKey: schemaKey,
			UniqueID:  pos.ID,
			Name:      pos.Node.Name,
			Path:      path.String(),
			Section:   pos.Section(),
			Type:      pos.Node.Type,
			IsLeaf:    !pos.Node.HasChildren(),
		})
	})
	return records
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
