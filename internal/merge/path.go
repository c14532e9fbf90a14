package merge

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// joinPath appends a segment to a dot/bracket path, matching gjson's path
// syntax so reads (via gjson) and writes (hand-rolled, see below) agree on
// one addressing scheme.
func joinPath(parent string, segment string) string {
	if parent == "" {
		return segment
	}
	return parent + "." + segment
}

func indexSegment(i int) string {
	return strconv.Itoa(i)
}

// GetPath reads a value out of a generic tree by a gjson-style dot path.
// gjson is read-only over JSON bytes, so the tree is marshaled once per
// call; callers needing many reads from one tree should marshal it
// themselves and call gjson directly.
func GetPath(tree map[string]interface{}, path string) (interface{}, bool) {
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, false
	}
	result := gjson.GetBytes(data, path)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

// SetPath writes a value into a generic tree at a dot/bracket path,
// creating intermediate maps and slices as needed. gjson carries no
// path-writer (no sjson in the example pack — see DESIGN.md), so this is a
// minimal hand-rolled setter that understands the same path syntax as
// GetPath's reads.
func SetPath(tree map[string]interface{}, path string, value interface{}) {
	segments := strings.Split(path, ".")
	setRecursive(tree, segments, value)
}

func setRecursive(node map[string]interface{}, segments []string, value interface{}) {
	if len(segments) == 0 {
		return
	}
	key := segments[0]
	if len(segments) == 1 {
		node[key] = value
		return
	}

	next := segments[1]
	existing := node[key]

	// An existing list at this key addresses its elements by identity
	// field first (spec §4.2 "by-id" sequences). When no element matches
	// and `next` is an in-range index, the element at that position is
	// used (by-index sequences), as in deleteRecursive; otherwise a new
	// element carrying `next` as its identity is appended. A numeric
	// `next` with no existing list falls through to the branch below.
	if list, ok := existing.([]interface{}); ok {
		idx := findListElementIndex(list, next)
		if idx == -1 {
			if i, err := strconv.Atoi(next); err == nil && i >= 0 && i < len(list) {
				idx = i
			} else {
				list = append(list, map[string]interface{}{idFieldFor(list): next})
				idx = len(list) - 1
			}
		}
		if len(segments) == 2 {
			list[idx] = value
		} else {
			child, ok := list[idx].(map[string]interface{})
			if !ok {
				child = make(map[string]interface{})
			}
			setRecursive(child, segments[2:], value)
			list[idx] = child
		}
		node[key] = list
		return
	}

	if idx, err := strconv.Atoi(next); err == nil {
		list, _ := existing.([]interface{})
		list = growSlice(list, idx)
		if len(segments) == 2 {
			list[idx] = value
		} else {
			child, ok := list[idx].(map[string]interface{})
			if !ok {
				child = make(map[string]interface{})
			}
			setRecursive(child, segments[2:], value)
			list[idx] = child
		}
		node[key] = list
		return
	}

	child, ok := existing.(map[string]interface{})
	if !ok {
		child = make(map[string]interface{})
	}
	setRecursive(child, segments[1:], value)
	node[key] = child
}

// findListElementIndex locates a by-id list element whose identity field
// (one of DefaultIDFields) equals id; returns -1 if none matches.
func findListElementIndex(list []interface{}, id string) int {
	for i, el := range list {
		m, ok := el.(map[string]interface{})
		if !ok {
			continue
		}
		if elementID(m, DefaultIDFields) == id {
			return i
		}
	}
	return -1
}

func idFieldFor(list []interface{}) string {
	for _, el := range list {
		if m, ok := el.(map[string]interface{}); ok {
			for _, f := range DefaultIDFields {
				if _, ok := m[f]; ok {
					return f
				}
			}
		}
	}
	return DefaultIDFields[0]
}

func growSlice(list []interface{}, idx int) []interface{} {
	for len(list) <= idx {
		list = append(list, nil)
	}
	return list
}

// DeletePath removes a key from a tree by dot path; no-op if the path
// doesn't resolve to an existing container. Navigates the live tree
// directly (unlike GetPath) so the mutation is visible to the caller.
func DeletePath(tree map[string]interface{}, path string) {
	segments := strings.Split(path, ".")
	deleteRecursive(tree, segments)
}

func deleteRecursive(node map[string]interface{}, segments []string) {
	if len(segments) == 0 {
		return
	}
	key := segments[0]
	if len(segments) == 1 {
		delete(node, key)
		return
	}
	next := segments[1]
	existing := node[key]

	if list, ok := existing.([]interface{}); ok {
		idx := findListElementIndex(list, next)
		if idx == -1 {
			if i, err := strconv.Atoi(next); err == nil && i >= 0 && i < len(list) {
				idx = i
			} else {
				return
			}
		}
		if len(segments) == 2 {
			node[key] = append(list[:idx:idx], list[idx+1:]...)
			return
		}
		if child, ok := list[idx].(map[string]interface{}); ok {
			deleteRecursive(child, segments[2:])
		}
		return
	}

	if child, ok := existing.(map[string]interface{}); ok {
		deleteRecursive(child, segments[1:])
	}
}
