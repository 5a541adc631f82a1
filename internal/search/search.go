package search

import (
	"crypto/sha1"
	"encoding/hex"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultNode   ResultType = "node"
	ResultCommit ResultType = "commit"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type        ResultType `json:"type"`
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet"`
	SchemaKey   string     `json:"schemaKey"`
	UniqueID    string     `json:"uniqueId,omitempty"`
	Institution string     `json:"institution,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text              string
	FilterType        ResultType // empty = all types
	FilterSchemaKey   string
	FilterInstitution string
	Limit             int
	Offset            int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexNodes(nodes []NodeRecord) error
	IndexCommit(c CommitRecord) error
	DeleteSchema(schemaKey string) error
}

// NodeRecord is the data we index for a schema node.
type NodeRecord struct {
	ID        string `json:"id"`
	SchemaKey string `json:"schemaKey"`
	UniqueID  string `json:"uniqueId"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Section   string `json:"section"`
	Type      string `json:"type"`
	IsLeaf    bool   `json:"isLeaf"`
}

// CommitRecord is the data we index for a logged commit.
type CommitRecord struct {
	ID          string `json:"id"`
	SchemaKey   string `json:"schemaKey"`
	Institution string `json:"institution"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	AuthorName  string `json:"authorName"`
}

// NodeDocumentID derives the index primary key for a node. Unique ids may
// contain characters the index rejects, so the pair is hashed.
func NodeDocumentID(schemaKey, uniqueID string) string {
	sum := sha1.Sum([]byte(schemaKey + "\x00" + uniqueID))
	return hex.EncodeToString(sum[:])
}
