// Package schemasrc loads schema trees and baseline seed files from object
// storage or a local directory.
package schemasrc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"regexp"
	"strings"

	"fieldshare/internal/schema"
	"fieldshare/internal/selection"
	"gopkg.in/yaml.v3"
)

var ErrSchemaNotFound = errors.New("schema not found")

var validKey = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Source resolves a schema key to its tree.
type Source interface {
	LoadSchema(ctx context.Context, key string) (schema.Tree, error)
	ListSchemas(ctx context.Context) ([]string, error)
}

// ValidateKey rejects keys that could escape a directory or bucket prefix.
func ValidateKey(key string) error {
	if !validKey.MatchString(key) || strings.Contains(key, "..") {
		return fmt.Errorf("invalid schema key %q", key)
	}
	return nil
}

// DecodeTree parses a tree document, choosing YAML or JSON by file extension.
// Unknown extensions are tried as JSON.
func DecodeTree(name string, data []byte) (schema.Tree, error) {
	var tree schema.Tree
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return schema.Tree{}, fmt.Errorf("decode %s: %w", name, err)
		}
	default:
		if err := json.Unmarshal(data, &tree); err != nil {
			return schema.Tree{}, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return tree, nil
}

// EncodeTree is the inverse of DecodeTree.
func EncodeTree(name string, tree schema.Tree) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return yaml.Marshal(tree)
	default:
		return json.MarshalIndent(tree, "", "  ")
	}
}

// DecodeBaseline accepts either a flat list of entries or entries grouped by
// section name.
func DecodeBaseline(name string, data []byte) (*selection.BaselineIndex, error) {
	var node yaml.Node
	// JSON is a subset of YAML, so one parser covers both encodings.
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("decode baseline %s: %w", name, err)
	}
	if len(node.Content) == 0 {
		return selection.NewBaselineIndex(nil), nil
	}
	root := node.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		var entries []selection.BaselineEntry
		if err := root.Decode(&entries); err != nil {
			return nil, fmt.Errorf("decode baseline %s: %w", name, err)
		}
		return selection.NewBaselineIndex(entries), nil
	case yaml.MappingNode:
		var sections map[string][]selection.BaselineEntry
		if err := root.Decode(&sections); err != nil {
			return nil, fmt.Errorf("decode baseline %s: %w", name, err)
		}
		return selection.NewBaselineIndexFromSections(sections), nil
	default:
		return nil, fmt.Errorf("decode baseline %s: line %d: expected list or mapping", name, root.Line)
	}
}

// Chain tries each source in order and returns the first tree found. A
// failing source does not hide later ones; its error is returned only when no
// other source has the key.
type Chain []Source

func (c Chain) LoadSchema(ctx context.Context, key string) (schema.Tree, error) {
	var failure error
	for _, src := range c {
		if src == nil {
			continue
		}
		tree, err := src.LoadSchema(ctx, key)
		if err == nil {
			if failure != nil {
				log.Printf("schemasrc: loaded %s from fallback after: %v", key, failure)
			}
			return tree, nil
		}
		if !errors.Is(err, ErrSchemaNotFound) && failure == nil {
			failure = err
		}
	}
	if failure != nil {
		return schema.Tree{}, failure
	}
	return schema.Tree{}, fmt.Errorf("%w: %s", ErrSchemaNotFound, key)
}

// ListSchemas merges the keys of every reachable source. It fails only when
// no source could be listed.
func (c Chain) ListSchemas(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	out := make([]string, 0)
	var failure error
	listed := 0
	for _, src := range c {
		if src == nil {
			continue
		}
		keys, err := src.ListSchemas(ctx)
		if err != nil {
			log.Printf("schemasrc: list schemas: %v", err)
			if failure == nil {
				failure = err
			}
			continue
		}
		listed++
		for _, key := range keys {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	if listed == 0 && failure != nil {
		return nil, failure
	}
	return out, nil
}
