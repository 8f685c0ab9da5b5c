// Package config implements the hierarchical, group-scoped key/value
// store the print SCP reads its settings from (component C1 of the
// design). The shape is deliberately dynamic rather than a single fixed
// struct: printers and storage servers are named groups discovered at
// runtime, and each carries its own nested arrays (tag[]/info[]) — a
// fixed Go struct can't express "however many printers the operator
// configured" without reflection tricks uglier than a small tree.
//
// The on-disk format is YAML (github.com/go-playground's ecosystem
// favors it for exactly this kind of nested operator-editable config,
// and it is what flatmapit-crgodicom's config loader uses); persistence
// is atomic at Sync, matching QSettings-style semantics the original
// implementation relied on for crash-safe retry bookkeeping.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// View is a cursor into a config tree: begin_group/end_group push and
// pop a path prefix, and get/set resolve keys relative to that prefix
// with a fallback to root when the prefixed key is absent (§3: "first
// consult the <printer> group, then fall back to the root").
type View struct {
	mu   *sync.RWMutex
	root map[string]any
	path []string

	// path of the file this view was loaded from; empty for in-memory-only views.
	filePath string
}

// Load reads a YAML config file into a View rooted at its top level.
// A missing file is not an error: it starts from an empty tree so a
// fresh deployment can run with defaults and Sync() will create the
// file on first write.
func Load(path string) (*View, error) {
	root := map[string]any{}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	return &View{mu: &sync.RWMutex{}, root: root, filePath: path}, nil
}

// BeginGroup returns a new View scoped under name, relative to the
// current cursor. It never fails: groups that don't exist yet are
// created lazily on the first Set.
func (v *View) BeginGroup(name string) *View {
	child := &View{mu: v.mu, root: v.root, filePath: v.filePath}
	child.path = append(append([]string{}, v.path...), name)
	return child
}

// ChildGroups returns the names of nested map-valued children directly
// under the current cursor (QSettings' childGroups()).
func (v *View) ChildGroups() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	node, ok := v.node(v.path)
	if !ok {
		return nil
	}
	var names []string
	for k, val := range node {
		if _, isMap := asMap(val); isMap {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// BeginReadArray returns a child view addressing the index-th element
// of the array config key `name` (nested arrays addressed by index),
// plus the array's length. Index defaults to 0; call SetArrayIndex to
// move it.
func (v *View) BeginReadArray(name string) (*ArrayView, int) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	node, _ := v.node(v.path)
	items, _ := node[name].([]any)
	return &ArrayView{parent: v, key: name, items: items}, len(items)
}

// ArrayView addresses one array-valued config key; SetArrayIndex moves
// the cursor to a specific item before Get/GetString calls resolve
// fields within that item.
type ArrayView struct {
	parent *View
	key    string
	items  []any
	index  int
}

// SetArrayIndex moves the cursor to item i (0-based).
func (a *ArrayView) SetArrayIndex(i int) { a.index = i }

// Get reads a field of the current array item, falling back to def.
func (a *ArrayView) Get(field string, def string) string {
	if a.index < 0 || a.index >= len(a.items) {
		return def
	}
	item, ok := asMap(a.items[a.index])
	if !ok {
		return def
	}
	if val, ok := item[field]; ok {
		return toString(val)
	}
	return def
}

// node walks root through path, returning the map at that location.
func (v *View) node(path []string) (map[string]any, bool) {
	cur := v.root
	for _, seg := range path {
		next, ok := asMap(cur[seg])
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// ensureNode is like node but creates intermediate maps as needed, for
// Set/EndGroup-less writers.
func (v *View) ensureNode(path []string) map[string]any {
	cur := v.root
	for _, seg := range path {
		next, ok := asMap(cur[seg])
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	return cur
}

// Get resolves key against the current group, falling back to the root
// group if absent there, and returns def if neither has it. The value
// is always returned as a string; GetInt, GetBool and GetStrings are the
// typed readers.
func (v *View) Get(key string, def string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if val, ok := v.lookup(key); ok {
		return toString(val)
	}
	return def
}

// GetInt is Get coerced to an integer.
func (v *View) GetInt(key string, def int) int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if val, ok := v.lookup(key); ok {
		switch t := val.(type) {
		case int:
			return t
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
				return n
			}
		}
	}
	return def
}

// GetBool is Get coerced to a boolean.
func (v *View) GetBool(key string, def bool) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if val, ok := v.lookup(key); ok {
		switch t := val.(type) {
		case bool:
			return t
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
				return b
			}
		}
	}
	return def
}

// GetStrings reads a list-valued key (YAML sequence of scalars).
func (v *View) GetStrings(key string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	val, ok := v.lookup(key)
	if !ok {
		return nil
	}
	switch t := val.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, toString(item))
		}
		return out
	case string:
		return []string{t}
	}
	return nil
}

// lookup resolves key at the current group first, then the root group,
// matching §3's "first consult the <printer> group, then fall back to
// the root" rule. A View with an empty path (already the root) only
// checks once.
func (v *View) lookup(key string) (any, bool) {
	if node, ok := v.node(v.path); ok {
		if val, ok := node[key]; ok {
			return val, true
		}
	}
	if len(v.path) > 0 {
		if val, ok := v.root[key]; ok {
			return val, true
		}
	}
	return nil, false
}

// Set writes key=value under the current group. Callers must call Sync
// to persist it; Set only mutates the in-memory tree.
func (v *View) Set(key string, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	node := v.ensureNode(v.path)
	node[key] = value
}

// Sync persists the whole tree to disk atomically: write to a temp
// file in the same directory, then rename over the target. Used after
// updating next-spool-ts so a crash between write and rename can never
// leave a half-written config behind (§4.1, §5).
func (v *View) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.filePath == "" {
		return nil
	}

	data, err := yaml.Marshal(v.root)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(v.filePath)
	tmp, err := os.CreateTemp(dir, ".config-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, v.filePath); err != nil {
		return fmt.Errorf("config: rename temp file: %w", err)
	}
	return nil
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
