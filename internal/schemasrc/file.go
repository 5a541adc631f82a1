package schemasrc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"fieldshare/internal/schema"
)

var extensions = []string{".yaml", ".yml", ".json"}

// FileSource reads {dir}/{key}.yaml, .yml or .json.
type FileSource struct {
	dir string
}

func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

func (s *FileSource) LoadSchema(_ context.Context, key string) (schema.Tree, error) {
	if err := ValidateKey(key); err != nil {
		return schema.Tree{}, err
	}
	for _, ext := range extensions {
		path := filepath.Join(s.dir, key+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return schema.Tree{}, fmt.Errorf("read schema %s: %w", key, err)
		}
		return DecodeTree(path, data)
	}
	return schema.Tree{}, fmt.Errorf("%w: %s", ErrSchemaNotFound, key)
}

func (s *FileSource) ListSchemas(context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}
	seen := map[string]struct{}{}
	keys := make([]string, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if !isSchemaExt(ext) {
			continue
		}
		key := strings.TrimSuffix(name, filepath.Ext(name))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func isSchemaExt(ext string) bool {
	for _, known := range extensions {
		if ext == known {
			return true
		}
	}
	return false
}
