package merge

import "reflect"

// Diff computes a path -> Change map between two generic JSON-like trees
// (spec §4.2 "diff algorithm", recursive descent). It is pure: no mutation
// of old or new.
func Diff(old, new interface{}, cfg Config) map[string]Change {
	out := make(map[string]Change)
	diffValue(old, new, "", cfg, out)
	return out
}

func diffValue(old, new interface{}, path string, cfg Config, out map[string]Change) {
	if old == nil && new == nil {
		return
	}
	if old == nil {
		out[path] = Change{Path: path, Kind: ChangeAdd, New: new}
		return
	}
	if new == nil {
		out[path] = Change{Path: path, Kind: ChangeDelete, Old: old}
		return
	}

	oldKind := valueKind(old)
	newKind := valueKind(new)
	if oldKind != newKind {
		out[path] = Change{Path: path, Kind: ChangeType, Old: old, New: new}
		return
	}

	switch oldKind {
	case kindMap:
		diffMap(old.(map[string]interface{}), new.(map[string]interface{}), path, cfg, out)
	case kindSlice:
		diffSlice(old.([]interface{}), new.([]interface{}), path, cfg, out)
	default:
		if reflect.DeepEqual(old, new) {
			return
		}
		// A changed "type" field is its own TYPE_CHANGE diff entry (spec
		// §4.2 diff + conflict tables), not a plain modify, since it
		// drives the safe-widening check downstream.
		if lastSegment(path) == "type" {
			out[path] = Change{Path: path, Kind: ChangeType, Old: old, New: new}
			return
		}
		out[path] = Change{Path: path, Kind: ChangeModify, Old: old, New: new}
	}
}

type valueShape int

const (
	kindMap valueShape = iota
	kindSlice
	kindScalar
)

func valueKind(v interface{}) valueShape {
	switch v.(type) {
	case map[string]interface{}:
		return kindMap
	case []interface{}:
		return kindSlice
	default:
		return kindScalar
	}
}

// diffMap implements spec §4.2's "symmetric difference of keys; recurse on
// shared keys", skipping ignored keys.
func diffMap(old, new map[string]interface{}, path string, cfg Config, out map[string]Change) {
	seen := make(map[string]struct{}, len(old)+len(new))
	for k := range old {
		seen[k] = struct{}{}
	}
	for k := range new {
		seen[k] = struct{}{}
	}
	for k := range seen {
		if cfg.isIgnoredKey(k) {
			continue
		}
		childPath := joinPath(path, k)
		oldVal, hadOld := old[k]
		newVal, hadNew := new[k]
		if !hadOld {
			diffValue(nil, newVal, childPath, cfg, out)
			continue
		}
		if !hadNew {
			diffValue(oldVal, nil, childPath, cfg, out)
			continue
		}
		diffValue(oldVal, newVal, childPath, cfg, out)
	}
}

// diffSlice implements by-id or by-index ordered sequence diffing (spec
// §4.2).
func diffSlice(old, new []interface{}, path string, cfg Config, out map[string]Change) {
	if cfg.SequenceByID {
		diffSliceByID(old, new, path, cfg, out)
		return
	}
	diffSliceByIndex(old, new, path, cfg, out)
}

func diffSliceByIndex(old, new []interface{}, path string, cfg Config, out map[string]Change) {
	max := len(old)
	if len(new) > max {
		max = len(new)
	}
	for i := 0; i < max; i++ {
		childPath := joinPath(path, indexSegment(i))
		var oldVal, newVal interface{}
		if i < len(old) {
			oldVal = old[i]
		}
		if i < len(new) {
			newVal = new[i]
		}
		switch {
		case i >= len(old):
			diffValue(nil, newVal, childPath, cfg, out)
		case i >= len(new):
			diffValue(oldVal, nil, childPath, cfg, out)
		default:
			diffValue(oldVal, newVal, childPath, cfg, out)
		}
	}
}

func diffSliceByID(old, new []interface{}, path string, cfg Config, out map[string]Change) {
	oldByID := indexByID(old, cfg.IDFields)
	newByID := indexByID(new, cfg.IDFields)

	seen := make(map[string]struct{}, len(oldByID)+len(newByID))
	for id := range oldByID {
		seen[id] = struct{}{}
	}
	for id := range newByID {
		seen[id] = struct{}{}
	}
	for id := range seen {
		childPath := joinPath(path, id)
		oldVal, hadOld := oldByID[id]
		newVal, hadNew := newByID[id]
		switch {
		case !hadOld:
			diffValue(nil, newVal, childPath, cfg, out)
		case !hadNew:
			diffValue(oldVal, nil, childPath, cfg, out)
		default:
			diffValue(oldVal, newVal, childPath, cfg, out)
		}
	}
}

// indexByID keys slice elements by their identity field, falling back to a
// synthetic index key for elements without one so they still participate
// in the diff (never silently dropped).
func indexByID(list []interface{}, idFields []string) map[string]interface{} {
	out := make(map[string]interface{}, len(list))
	for i, el := range list {
		id := elementID(el, idFields)
		if id == "" {
			id = "#" + indexSegment(i)
		}
		out[id] = el
	}
	return out
}

func elementID(el interface{}, idFields []string) string {
	m, ok := el.(map[string]interface{})
	if !ok {
		return ""
	}
	for _, field := range idFields {
		if v, ok := m[field]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
