// Package buildconfig reads and writes the cached build-farm configuration
// tree: an index document plus per-distribution build-file documents.
//
// Documents are loaded as generic maps and mutated in place so fields this
// tool does not understand survive a load/save round trip. Typed views over
// well-known sections are provided in views.go.
package buildconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// IndexFile is the name of the index document at the root of the tree.
const IndexFile = "index.yaml"

// BuildTypes enumerates the build-type mappings under each distribution
// entry in the index document.
var BuildTypes = []string{
	"ci_builds",
	"doc_builds",
	"release_builds",
	"source_builds",
}

// Document is one parsed configuration document.
type Document map[string]any

// Tree is a cached configuration tree rooted at a local directory.
type Tree struct {
	root string
}

// NewTree returns a Tree rooted at the given directory.
func NewTree(root string) *Tree {
	return &Tree{root: filepath.Clean(root)}
}

// Root returns the tree's root directory.
func (t *Tree) Root() string {
	return t.root
}

// IndexPath returns the absolute path of the index document.
func (t *Tree) IndexPath() string {
	return filepath.Join(t.root, IndexFile)
}

// Path resolves a document path relative to the tree root.
func (t *Tree) Path(rel string) string {
	return filepath.Join(t.root, filepath.FromSlash(rel))
}

// Exists reports whether a document exists at the given relative path.
func (t *Tree) Exists(rel string) bool {
	st, err := os.Stat(t.Path(rel))
	return err == nil && st.Mode().IsRegular()
}

// LoadIndex loads the index document.
func (t *Tree) LoadIndex() (Document, error) {
	return t.LoadDocument(IndexFile)
}

// SaveIndex persists the index document.
func (t *Tree) SaveIndex(doc Document) error {
	return t.SaveDocument(IndexFile, doc)
}

// LoadDocument loads a document at a path relative to the tree root.
func (t *Tree) LoadDocument(rel string) (Document, error) {
	path := t.Path(rel)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config document not found: %s", path)
		}
		return nil, fmt.Errorf("read config document %s: %w", path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// SaveDocument persists a document at a path relative to the tree root.
func (t *Tree) SaveDocument(rel string, doc Document) error {
	path := t.Path(rel)
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config document %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config document %s: %w", path, err)
	}
	return nil
}
