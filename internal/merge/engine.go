package merge

import (
	"context"
	"reflect"
	"sort"
	"time"

	"github.com/oms-core/metadata-core/internal/omserrors"
)

// Engine computes deterministic three-way merges. Like
// applications/jam.Engine, it holds no state and performs no I/O: Merge
// takes values, returns a value, and never suspends.
type Engine struct {
	// EntityListPaths names the tree paths holding entity collections to
	// scan for NAME_COLLISION and CIRCULAR_DEPENDENCY checks (e.g.
	// "object_types", "link_types", "action_types").
	EntityListPaths []string
	clock           func() time.Time
}

// NewEngine constructs an Engine over the given entity list paths.
func NewEngine(entityListPaths []string) *Engine {
	return &Engine{EntityListPaths: entityListPaths, clock: time.Now}
}

// Merge computes a MergeResult for the given base/source/target schemas
// (spec §4.2 "merge"). It never returns an error: blockers are conveyed via
// Status == StatusBlocked.
func (e *Engine) Merge(_ context.Context, base, source, target map[string]interface{}, cfg Config) MergeResult {
	cfg = cfg.Normalize()

	if reflect.DeepEqual(base, source) {
		return e.resultFor(target, nil, nil, cfg)
	}
	if reflect.DeepEqual(base, target) {
		return e.resultFor(source, nil, nil, cfg)
	}

	sourceDiff := Diff(base, source, cfg)
	targetDiff := Diff(base, target, cfg)

	merged := cloneTree(base)
	applyChanges(merged, sourceDiff)
	applyChanges(merged, targetDiff)

	conflicts := classifyConflicts(sourceDiff, targetDiff, cfg)

	resolved := make([]Conflict, len(conflicts))
	for i, c := range conflicts {
		rc := autoResolve(c, cfg)
		if rc.Resolved {
			SetPath(merged, rc.Path, rc.ResolvedValue)
		}
		resolved[i] = rc
	}

	resolved = append(resolved, detectNameCollisions(merged, e.EntityListPaths)...)

	graph := buildRefGraph(merged, e.EntityListPaths)
	resolved = append(resolved, detectCycle(graph)...)

	sort.Slice(resolved, func(i, j int) bool { return resolved[i].Path < resolved[j].Path })

	var warnings []string
	for _, validator := range cfg.PostMergeValidators {
		warnings = append(warnings, validator(merged)...)
	}

	return e.finalize(merged, resolved, warnings, sourceDiff, targetDiff, cfg)
}

func (e *Engine) resultFor(tree map[string]interface{}, conflicts []Conflict, warnings []string, cfg Config) MergeResult {
	return MergeResult{
		Status:     StatusMerged,
		Tree:       tree,
		Conflicts:  conflicts,
		Warnings:   warnings,
		Strategy:   cfg.Strategy,
		ComputedAt: e.now(),
	}
}

func (e *Engine) finalize(merged map[string]interface{}, conflicts []Conflict, warnings []string, sourceDiff, targetDiff map[string]Change, cfg Config) MergeResult {
	status := StatusMerged
	var auto, manual int
	for _, c := range conflicts {
		if c.Severity == SeverityBlock && !c.Resolved {
			status = StatusBlocked
		}
		if c.Resolved {
			auto++
		} else {
			manual++
		}
	}

	overlap := 0
	for path := range sourceDiff {
		if _, ok := targetDiff[path]; ok {
			overlap++
		}
	}

	return MergeResult{
		Status:    status,
		Tree:      merged,
		Conflicts: conflicts,
		Warnings:  warnings,
		Strategy:  cfg.Strategy,
		Stats: Stats{
			PathsChangedSource: len(sourceDiff),
			PathsChangedTarget: len(targetDiff),
			PathsOverlapping:   overlap,
			ConflictsTotal:     len(conflicts),
			ConflictsAuto:      auto,
			ConflictsManual:    manual,
		},
		ComputedAt: e.now(),
	}
}

func (e *Engine) now() time.Time {
	if e.clock != nil {
		return e.clock()
	}
	return time.Now()
}

func applyChanges(tree map[string]interface{}, changes map[string]Change) {
	paths := make([]string, 0, len(changes))
	for p := range changes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		c := changes[p]
		if c.Kind == ChangeDelete {
			DeletePath(tree, p)
			continue
		}
		SetPath(tree, p, c.New)
	}
}

func cloneTree(tree map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(tree))
	for k, v := range tree {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		return cloneTree(vv)
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, el := range vv {
			out[i] = cloneValue(el)
		}
		return out
	default:
		return v
	}
}

// Diff exposes the pure diff operation directly (spec §4.2 "diff").
func (e *Engine) Diff(oldTree, newTree map[string]interface{}, cfg Config) map[string]Change {
	return Diff(oldTree, newTree, cfg.Normalize())
}

// AnalyzeConflicts is a shortcut that runs Merge against a synthetic empty
// base, useful for summarizing how two branches already diverge without a
// known common ancestor (spec §4.2 "analyzeConflicts").
func (e *Engine) AnalyzeConflicts(ctx context.Context, source, target map[string]interface{}, cfg Config) Stats {
	result := e.Merge(ctx, map[string]interface{}{}, source, target, cfg)
	return result.Stats
}

// Decision is one manual conflict resolution supplied by a caller.
type Decision struct {
	Path  string
	Value interface{}
}

// ApplyManualResolution overlays manual decisions onto a prior MergeResult
// (spec §4.2 "applyManualResolution"). Every decision must reference an
// unresolved conflict path in the result, else InvalidResolution.
func (e *Engine) ApplyManualResolution(_ context.Context, result MergeResult, decisions []Decision) (MergeResult, error) {
	unresolved := make(map[string]int, len(result.Conflicts))
	for i, c := range result.Conflicts {
		if !c.Resolved {
			unresolved[c.Path] = i
		}
	}

	if len(decisions) == 0 {
		return MergeResult{}, omserrors.InvalidResolution("decision set is empty")
	}

	merged := cloneTree(result.Tree)
	conflicts := append([]Conflict(nil), result.Conflicts...)

	for _, d := range decisions {
		idx, ok := unresolved[d.Path]
		if !ok {
			return MergeResult{}, omserrors.InvalidResolution("decision references an unknown or already-resolved conflict path: " + d.Path)
		}
		SetPath(merged, d.Path, d.Value)
		conflicts[idx].Resolved = true
		conflicts[idx].ResolvedValue = d.Value
		conflicts[idx].ResolutionNote = "manual resolution"
	}

	status := StatusMerged
	for _, c := range conflicts {
		if c.Severity == SeverityBlock && !c.Resolved {
			status = StatusBlocked
		}
	}

	return MergeResult{
		Status:     status,
		Tree:       merged,
		Conflicts:  conflicts,
		Warnings:   result.Warnings,
		Stats:      result.Stats,
		Strategy:   StrategyManual,
		ComputedAt: e.now(),
	}, nil
}
