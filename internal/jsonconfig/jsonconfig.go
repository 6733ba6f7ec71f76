// Package jsonconfig edits JSON documents (comments and trailing commas
// allowed on input) by key path. It is used for the kernel's config.json.
package jsonconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrNotObject   = errors.New("value is not an object")
	ErrEmptyPath   = errors.New("empty key path")
)

// Document is a loaded JSON tree bound to the file it came from.
type Document struct {
	path string
	root any
}

// Load reads and parses path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	root, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &Document{path: path, root: root}, nil
}

// New returns a document holding root that Save writes to path.
func New(path string, root any) *Document {
	if root == nil {
		root = map[string]any{}
	}
	return &Document{path: path, root: root}
}

// Parse decodes JSON with comments. Numbers are kept as json.Number so they
// round-trip without float conversion.
func Parse(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after top-level value")
	}
	return v, nil
}

// Get returns the value at keys.
func (d *Document) Get(keys ...string) (any, error) {
	cur := d.root
	for i, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: %w", strings.Join(keys[:i], "."), ErrNotObject)
		}
		v, ok := obj[k]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, strings.Join(keys[:i+1], "."))
		}
		cur = v
	}
	return cur, nil
}

// Decode maps the value at keys onto out.
func (d *Document) Decode(keys []string, out any) error {
	v, err := d.Get(keys...)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// Modify replaces the value at keys. The key must already exist.
func (d *Document) Modify(keys []string, v any) error {
	if len(keys) == 0 {
		return ErrEmptyPath
	}
	parent, err := d.Get(keys[:len(keys)-1]...)
	if err != nil {
		return err
	}
	obj, ok := parent.(map[string]any)
	if !ok {
		return fmt.Errorf("%s: %w", strings.Join(keys[:len(keys)-1], "."), ErrNotObject)
	}
	last := keys[len(keys)-1]
	if _, ok := obj[last]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, strings.Join(keys, "."))
	}
	obj[last] = v
	return nil
}

// Set writes v at keys, creating missing intermediate objects.
func (d *Document) Set(keys []string, v any) error {
	if len(keys) == 0 {
		return ErrEmptyPath
	}
	if d.root == nil {
		d.root = map[string]any{}
	}
	cur, ok := d.root.(map[string]any)
	if !ok {
		return fmt.Errorf("root: %w", ErrNotObject)
	}
	for i, k := range keys[:len(keys)-1] {
		next, exists := cur[k]
		if !exists {
			child := map[string]any{}
			cur[k] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: %w", strings.Join(keys[:i+1], "."), ErrNotObject)
		}
		cur = child
	}
	cur[keys[len(keys)-1]] = v
	return nil
}

// Save writes the document, indented, through a temp file and rename.
func (d *Document) Save() error {
	b, err := json.MarshalIndent(d.root, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(d.path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	// CreateTemp uses 0600; keep the mode of the file being replaced
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(d.path); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, d.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write config %s: %w", d.path, err)
	}
	return nil
}

// SplitPath turns "a.b.c" into its keys. Empty segments are dropped.
func SplitPath(s string) []string {
	var keys []string
	for _, k := range strings.Split(s, ".") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// ParseValue reads a command-line value: valid JSON is decoded, anything else
// is taken as a plain string.
func ParseValue(s string) any {
	v, err := Parse([]byte(s))
	if err != nil {
		return s
	}
	return v
}
