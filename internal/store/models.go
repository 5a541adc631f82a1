package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	Institution  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Institution struct {
	ID           string
	Name         string
	ContactEmail string
	CreatedAt    time.Time
}

// Share is one row of the baseline: UniqueID of SchemaKey is shared with Institution.
type Share struct {
	SchemaKey   string
	UniqueID    string
	Institution string
	UpdatedBy   string
	UpdatedAt   time.Time
}

const (
	CommitKindSelection = "selection"
	CommitKindRevert    = "revert"
	CommitKindDirect    = "direct"
)

// CommitEntry is one logged diff entry; Data is the JSON payload that was
// shared or the node that stopped being shared.
type CommitEntry struct {
	Name     string          `json:"name"`
	UniqueID string          `json:"uniqueId"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Commit is an applied change to the baseline of one institution.
type Commit struct {
	ID          string
	SchemaKey   string
	Institution string
	Kind        string
	Message     string
	AuthorID    string
	AuthorName  string
	RevertsID   string
	HistoryHash string
	Manual      []CommitEntry
	Automated   []CommitEntry
	Removed     []CommitEntry
	CreatedAt   time.Time
}

// Added returns manual then automated entries.
func (c Commit) Added() []CommitEntry {
	out := make([]CommitEntry, 0, len(c.Manual)+len(c.Automated))
	out = append(out, c.Manual...)
	return append(out, c.Automated...)
}

type FieldMapping struct {
	Institution string
	SourceID    string
	TargetField string
	UpdatedBy   string
	UpdatedAt   time.Time
}

// SchemaNode is a catalog row used by full-text node search.
type SchemaNode struct {
	SchemaKey string
	UniqueID  string
	Name      string
	Path      string
	Section   string
	Type      string
	IsLeaf    bool
}

type PasswordReset struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	UsedAt    *time.Time
}
