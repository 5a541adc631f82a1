// Package mapping relates shared fields to the fields of an institution's own
// schema and reports whether the values on both sides agree.
package mapping

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"fieldshare/internal/schema"
	"fieldshare/internal/selection"
)

// Mapping is one persisted correspondence: SourceID, a node of the shared
// schema, is known as TargetField in Institution's schema.
type Mapping struct {
	Institution string    `json:"institution"`
	SourceID    string    `json:"sourceId"`
	TargetField string    `json:"targetField"`
	UpdatedBy   string    `json:"updatedBy,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (m Mapping) Validate() error {
	if strings.TrimSpace(m.Institution) == "" {
		return fmt.Errorf("institution is required")
	}
	if strings.TrimSpace(m.SourceID) == "" {
		return fmt.Errorf("sourceId is required")
	}
	if strings.TrimSpace(m.TargetField) == "" {
		return fmt.Errorf("targetField is required")
	}
	return nil
}

// Table maps source identifiers to target fields for one institution.
type Table map[string]string

func NewTable(mappings []Mapping) Table {
	table := make(Table, len(mappings))
	for _, m := range mappings {
		table[m.SourceID] = m.TargetField
	}
	return table
}

// Target resolves id, falling back to its generic form so that indexed
// occurrences such as cvu_Phone_0_Number share the mapping of cvu_Phone_Number.
func (t Table) Target(id string) (string, bool) {
	if field, ok := t[id]; ok {
		return field, true
	}
	field, ok := t[GenericID(id)]
	return field, ok
}

// GenericID drops numeric path components that repeated elements carry.
func GenericID(id string) string {
	parts := strings.Split(id, schema.Separator)
	out := parts[:0:0]
	for _, part := range parts {
		if _, err := strconv.Atoi(part); err == nil {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, schema.Separator)
}

// FieldGroup lists the leaf field names found under one top-level element.
type FieldGroup struct {
	Parent string   `json:"parent"`
	Fields []string `json:"fields"`
}

// Catalog lists the fields of an institution schema that can be mapped to.
// A leaf name is only offered once across the whole schema, under the first
// top-level element it appears in; groups without new leaves are omitted.
func Catalog(tree schema.Tree) []FieldGroup {
	seen := make(map[string]struct{})
	groups := make([]FieldGroup, 0)
	var leaves func(nodes []schema.Node) []string
	leaves = func(nodes []schema.Node) []string {
		var out []string
		for _, node := range nodes {
			if node.HasChildren() {
				out = append(out, leaves(node.Children)...)
				continue
			}
			if _, ok := seen[node.Name]; ok {
				continue
			}
			seen[node.Name] = struct{}{}
			out = append(out, node.Name)
		}
		return out
	}
	for _, section := range tree.Sections {
		for _, top := range section.Elements {
			fields := leaves(top.Children)
			if len(fields) == 0 {
				continue
			}
			sort.Strings(fields)
			groups = append(groups, FieldGroup{Parent: top.Name, Fields: fields})
		}
	}
	return groups
}

// AnnotatedChange is an added entry together with the target field it lands
// in, when one is mapped.
type AnnotatedChange struct {
	selection.Change
	TargetField string `json:"targetField,omitempty"`
}

func (t Table) Annotate(changes []selection.Change) []AnnotatedChange {
	out := make([]AnnotatedChange, 0, len(changes))
	for _, change := range changes {
		field, _ := t.Target(change.UniqueID)
		out = append(out, AnnotatedChange{Change: change, TargetField: field})
	}
	return out
}

type Status string

const (
	StatusSynced    Status = "synced"
	StatusOutOfSync Status = "out_of_sync"
	StatusNotMapped Status = "not_mapped"
)

// FieldValue is the user's own value for one occurrence of a shared field.
type FieldValue struct {
	UniqueID string `json:"uniqueId"`
	Value    string `json:"value"`
}

// SyncStatus compares each user value with the value the institution holds
// for the mapped field. Values are compared after trimming. A field without
// a mapping, or whose mapped field the institution document lacks, is
// not_mapped.
func SyncStatus(values []FieldValue, table Table, institutionDoc any) map[string]Status {
	out := make(map[string]Status, len(values))
	for _, value := range values {
		field, ok := table.Target(value.UniqueID)
		if !ok {
			out[value.UniqueID] = StatusNotMapped
			continue
		}
		theirs, found := FindValue(institutionDoc, field)
		if !found {
			out[value.UniqueID] = StatusNotMapped
			continue
		}
		if strings.TrimSpace(value.Value) == strings.TrimSpace(theirs) {
			out[value.UniqueID] = StatusSynced
		} else {
			out[value.UniqueID] = StatusOutOfSync
		}
	}
	return out
}

// FindValue searches a decoded document depth first for key. Object keys are
// visited in sorted order so the result does not depend on map iteration.
// Text nodes decoded as {"#text": "..."} are unwrapped.
func FindValue(doc any, key string) (string, bool) {
	switch v := doc.(type) {
	case map[string]any:
		if found, ok := v[key]; ok {
			return scalar(found), true
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if found, ok := FindValue(v[k], key); ok {
				return found, true
			}
		}
	case []any:
		for _, item := range v {
			if found, ok := FindValue(item, key); ok {
				return found, true
			}
		}
	}
	return "", false
}

func scalar(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case map[string]any:
		if text, ok := value["#text"]; ok {
			return scalar(text)
		}
		return ""
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	default:
		return fmt.Sprint(value)
	}
}
