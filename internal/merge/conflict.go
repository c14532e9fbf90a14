package merge

import (
	"fmt"
	"reflect"
	"sort"
)

// semanticFields elevates MODIFY_MODIFY conflicts from WARN to ERROR when
// one of these fields is involved (spec §4.2 conflict table).
var semanticFields = map[string]struct{}{
	"type":        {},
	"required":    {},
	"unique":      {},
	"cardinality": {},
}

// safeTypeWidenings maps an old primitive type name to new type names that
// widen it safely (spec §4.2 "Safe widenings").
var safeTypeWidenings = map[string]map[string]struct{}{
	"int":     {"float": {}, "long": {}},
	"float":   {"double": {}},
	"string":  {"text": {}},
	"boolean": {"int": {}},
}

// safeCardinalityWidenings maps an old cardinality to new cardinalities
// that widen it safely (spec §4.2).
var safeCardinalityWidenings = map[string]map[string]struct{}{
	"ONE_TO_ONE": {"ONE_TO_MANY": {}, "MANY_TO_MANY": {}},
}

// classifyConflicts builds the conflict set for paths changed in both
// source and target diffs (spec §4.2 "Conflict classification": "a
// conflict is emitted iff the two changes are not identical").
func classifyConflicts(sourceDiff, targetDiff map[string]Change, cfg Config) []Conflict {
	var conflicts []Conflict
	for path, sc := range sourceDiff {
		tc, ok := targetDiff[path]
		if !ok {
			continue
		}
		sc, tc := sc, tc
		if changesIdentical(sc, tc) {
			continue
		}
		conflicts = append(conflicts, classifyOne(path, sc, tc, cfg))
	}
	return conflicts
}

func changesIdentical(a, b Change) bool {
	return a.Kind == b.Kind && reflect.DeepEqual(a.New, b.New)
}

func classifyOne(path string, sc, tc Change, cfg Config) Conflict {
	switch {
	case sc.Kind == ChangeDelete || tc.Kind == ChangeDelete:
		return Conflict{Path: path, Type: ConflictDeleteModify, Severity: SeverityError, SourceChange: &sc, TargetChange: &tc}

	case sc.Kind == ChangeAdd && tc.Kind == ChangeAdd:
		return Conflict{Path: path, Type: ConflictAddAdd, Severity: SeverityWarn,
			SourceChange: &sc, TargetChange: &tc, AutoResolvable: cfg.EnableAutoResolve}

	case sc.Kind == ChangeType || tc.Kind == ChangeType:
		widen := cfg.EnableTypeWidening && isSafeTypeWiden(sc, tc)
		sev := SeverityError
		if widen {
			sev = SeverityInfo
		}
		return Conflict{Path: path, Type: ConflictTypeChange, Severity: sev,
			SourceChange: &sc, TargetChange: &tc, AutoResolvable: widen}

	case isCardinalityPath(path):
		widen := cfg.EnableTypeWidening && isSafeCardinalityWiden(sc, tc)
		sev := SeverityError
		if widen {
			sev = SeverityInfo
		}
		return Conflict{Path: path, Type: ConflictCardinality, Severity: sev,
			SourceChange: &sc, TargetChange: &tc, AutoResolvable: widen}

	default:
		sev := SeverityWarn
		if touchesSemanticField(path) {
			sev = SeverityError
		}
		return Conflict{Path: path, Type: ConflictModifyModify, Severity: sev,
			SourceChange: &sc, TargetChange: &tc}
	}
}

func touchesSemanticField(path string) bool {
	last := lastSegment(path)
	_, ok := semanticFields[last]
	return ok
}

func isCardinalityPath(path string) bool {
	return lastSegment(path) == "cardinality"
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i+1:]
		}
	}
	return path
}

func isSafeTypeWiden(sc, tc Change) bool {
	oldType := fmt.Sprint(firstNonNil(sc.Old, tc.Old))
	newType := fmt.Sprint(firstNonNil(sc.New, tc.New))
	widenSet, ok := safeTypeWidenings[oldType]
	if !ok {
		return false
	}
	_, ok = widenSet[newType]
	return ok
}

func isSafeCardinalityWiden(sc, tc Change) bool {
	oldVal := fmt.Sprint(firstNonNil(sc.Old, tc.Old))
	newVal := fmt.Sprint(firstNonNil(sc.New, tc.New))
	widenSet, ok := safeCardinalityWidenings[oldVal]
	if !ok {
		return false
	}
	_, ok = widenSet[newVal]
	return ok
}

func firstNonNil(values ...interface{}) interface{} {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// detectNameCollisions flags paths in the merged tree where two distinct
// entities (by identity field) resolved to the same name (spec §4.2
// NAME_COLLISION). entityListPaths names the tree paths holding entity
// lists to scan (e.g. "object_types", "link_types").
func detectNameCollisions(tree map[string]interface{}, entityListPaths []string) []Conflict {
	var conflicts []Conflict
	for _, listPath := range entityListPaths {
		val, ok := GetPath(tree, listPath)
		if !ok {
			continue
		}
		list, ok := val.([]interface{})
		if !ok {
			continue
		}
		byName := make(map[string][]string)
		for _, el := range list {
			m, ok := el.(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := m["name"].(string)
			id, _ := m["@id"].(string)
			if id == "" {
				id, _ = m["id"].(string)
			}
			if name == "" {
				continue
			}
			byName[name] = append(byName[name], id)
		}
		names := make([]string, 0, len(byName))
		for name := range byName {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if len(byName[name]) > 1 {
				conflicts = append(conflicts, Conflict{
					Path:     joinPath(listPath, name),
					Type:     ConflictNameCollision,
					Severity: SeverityError,
				})
			}
		}
	}
	return conflicts
}

// buildRefGraph builds an adjacency list from `ref`-typed properties found
// under entity list paths in the merged tree (spec §4.2 "Circular
// dependency check").
func buildRefGraph(tree map[string]interface{}, entityListPaths []string) map[string][]string {
	graph := make(map[string][]string)
	for _, listPath := range entityListPaths {
		val, ok := GetPath(tree, listPath)
		if !ok {
			continue
		}
		list, ok := val.([]interface{})
		if !ok {
			continue
		}
		for _, el := range list {
			m, ok := el.(map[string]interface{})
			if !ok {
				continue
			}
			id := entityKey(m)
			if id == "" {
				continue
			}
			graph[id] = append(graph[id], refTargets(m)...)
		}
	}
	return graph
}

func entityKey(m map[string]interface{}) string {
	if v, ok := m["@id"].(string); ok && v != "" {
		return v
	}
	if v, ok := m["id"].(string); ok && v != "" {
		return v
	}
	if v, ok := m["name"].(string); ok && v != "" {
		return v
	}
	return ""
}

func refTargets(m map[string]interface{}) []string {
	var out []string
	ref, ok := m["ref"]
	if !ok {
		return out
	}
	switch v := ref.(type) {
	case string:
		out = append(out, v)
	case []interface{}:
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// detectCycle runs DFS over the ref graph; a back-edge emits a
// CIRCULAR_DEPENDENCY conflict of severity BLOCK (spec §4.2).
func detectCycle(graph map[string][]string) []Conflict {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(graph))
	var conflicts []Conflict

	var visit func(node string, path []string)
	visit = func(node string, path []string) {
		color[node] = gray
		for _, next := range graph[node] {
			switch color[next] {
			case white:
				visit(next, append(path, next))
			case gray:
				conflicts = append(conflicts, Conflict{
					Path:     fmt.Sprintf("%s -> %s", node, next),
					Type:     ConflictCircularDependency,
					Severity: SeverityBlock,
				})
			}
		}
		color[node] = black
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		if color[node] == white {
			visit(node, []string{node})
		}
	}
	return conflicts
}
