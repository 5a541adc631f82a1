package selection

import (
	"sort"
)

// BaselineEntry is the persisted fact "this node is shared with these institutions".
type BaselineEntry struct {
	UniqueID     string   `json:"uniqueId" yaml:"uniqueId"`
	Institutions []string `json:"institutions" yaml:"institutions"`
}

// BaselineIndex answers whether a node is currently shared with an
// institution. A nil index is valid and reports nothing as shared, which is
// how a not-yet-loaded baseline behaves.
type BaselineIndex struct {
	shared       map[string]map[string]struct{}
	institutions []string
}

// NewBaselineIndex groups entries by identifier. Repeated identifiers merge
// their institution sets.
func NewBaselineIndex(entries []BaselineEntry) *BaselineIndex {
	idx := &BaselineIndex{shared: make(map[string]map[string]struct{}, len(entries))}
	seen := make(map[string]struct{})
	for _, entry := range entries {
		if entry.UniqueID == "" {
			continue
		}
		set, ok := idx.shared[entry.UniqueID]
		if !ok {
			set = make(map[string]struct{}, len(entry.Institutions))
			idx.shared[entry.UniqueID] = set
		}
		for _, institution := range entry.Institutions {
			if institution == "" {
				continue
			}
			set[institution] = struct{}{}
			if _, ok := seen[institution]; !ok {
				seen[institution] = struct{}{}
				idx.institutions = append(idx.institutions, institution)
			}
		}
	}
	sort.Strings(idx.institutions)
	return idx
}

// NewBaselineIndexFromSections builds the index from baseline data delivered
// grouped by section name.
func NewBaselineIndexFromSections(sections map[string][]BaselineEntry) *BaselineIndex {
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)
	var entries []BaselineEntry
	for _, name := range names {
		entries = append(entries, sections[name]...)
	}
	return NewBaselineIndex(entries)
}

func (b *BaselineIndex) IsBaseline(id, institution string) bool {
	if b == nil {
		return false
	}
	set, ok := b.shared[id]
	if !ok {
		return false
	}
	_, ok = set[institution]
	return ok
}

// Institutions lists who id is shared with, sorted.
func (b *BaselineIndex) Institutions(id string) []string {
	if b == nil {
		return []string{}
	}
	set := b.shared[id]
	out := make([]string, 0, len(set))
	for institution := range set {
		out = append(out, institution)
	}
	sort.Strings(out)
	return out
}

// AllInstitutions lists every institution mentioned by any entry, sorted.
func (b *BaselineIndex) AllInstitutions() []string {
	if b == nil {
		return []string{}
	}
	return append([]string{}, b.institutions...)
}

// SharedWith returns the sorted identifiers shared with institution.
func (b *BaselineIndex) SharedWith(institution string) []string {
	if b == nil {
		return []string{}
	}
	out := make([]string, 0)
	for id, set := range b.shared {
		if _, ok := set[institution]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (b *BaselineIndex) Len() int {
	if b == nil {
		return 0
	}
	return len(b.shared)
}
