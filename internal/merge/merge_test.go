package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine() *Engine {
	return NewEngine([]string{"object_types", "link_types"})
}

func TestFastForwardWhenBaseEqualsSource(t *testing.T) {
	base := map[string]interface{}{"a": "1"}
	target := map[string]interface{}{"a": "2"}
	result := testEngine().Merge(context.Background(), base, base, target, Config{})
	assert.Equal(t, StatusMerged, result.Status)
	assert.Equal(t, "2", result.Tree["a"])
	assert.Empty(t, result.Conflicts)
}

func TestFastForwardWhenBaseEqualsTarget(t *testing.T) {
	base := map[string]interface{}{"a": "1"}
	source := map[string]interface{}{"a": "2"}
	result := testEngine().Merge(context.Background(), base, source, base, Config{})
	assert.Equal(t, "2", result.Tree["a"])
}

func TestModifyModifyConflictElevatedBySemanticField(t *testing.T) {
	base := map[string]interface{}{
		"object_types": []interface{}{
			map[string]interface{}{"@id": "o1", "name": "Person", "required": false},
		},
	}
	source := deepCopy(base)
	target := deepCopy(base)
	source["object_types"].([]interface{})[0].(map[string]interface{})["required"] = true
	target["object_types"].([]interface{})[0].(map[string]interface{})["required"] = "yes"

	cfg := Config{SequenceByID: true}
	result := testEngine().Merge(context.Background(), base, source, target, cfg)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, ConflictModifyModify, result.Conflicts[0].Type)
	assert.Equal(t, SeverityError, result.Conflicts[0].Severity)
}

func TestTypeWideningAutoResolves(t *testing.T) {
	base := map[string]interface{}{"prop": map[string]interface{}{"type": "int"}}
	source := map[string]interface{}{"prop": map[string]interface{}{"type": "float"}}
	target := map[string]interface{}{"prop": map[string]interface{}{"type": "long"}}

	cfg := Config{
		EnableAutoResolve:    true,
		EnableTypeWidening:   true,
		AutoResolveThreshold: SeverityWarn,
	}
	result := testEngine().Merge(context.Background(), base, source, target, cfg)
	require.Len(t, result.Conflicts, 1)
	assert.True(t, result.Conflicts[0].Resolved)
	assert.Equal(t, SeverityInfo, result.Conflicts[0].Severity)
	assert.Equal(t, StatusMerged, result.Status)
	assert.Equal(t, "long", result.Tree["prop"].(map[string]interface{})["type"])
}

func TestAddAddDifferentValuesPrefersMoreComplete(t *testing.T) {
	base := map[string]interface{}{}
	source := map[string]interface{}{"label": "short"}
	target := map[string]interface{}{"label": "much longer value"}

	cfg := Config{EnableAutoResolve: true, AutoResolveThreshold: SeverityWarn}
	result := testEngine().Merge(context.Background(), base, source, target, cfg)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, ConflictAddAdd, result.Conflicts[0].Type)
	assert.True(t, result.Conflicts[0].Resolved)
	assert.Equal(t, "much longer value", result.Tree["label"])
}

func TestAddAddIdenticalProducesNoConflict(t *testing.T) {
	base := map[string]interface{}{}
	source := map[string]interface{}{"flag": true}
	target := map[string]interface{}{"flag": true}

	result := testEngine().Merge(context.Background(), base, source, target, Config{})
	assert.Empty(t, result.Conflicts)
	assert.Equal(t, true, result.Tree["flag"])
}

func TestCircularDependencyBlocksResult(t *testing.T) {
	base := map[string]interface{}{
		"object_types": []interface{}{
			map[string]interface{}{"@id": "a", "ref": "b"},
			map[string]interface{}{"@id": "b", "ref": "a"},
		},
	}
	result := testEngine().Merge(context.Background(), map[string]interface{}{}, base, base, Config{SequenceByID: true})
	require.NotEmpty(t, result.Conflicts)
	assert.Equal(t, StatusBlocked, result.Status)
}

func TestNameCollisionDetected(t *testing.T) {
	base := map[string]interface{}{
		"object_types": []interface{}{
			map[string]interface{}{"@id": "a", "name": "Person"},
			map[string]interface{}{"@id": "b", "name": "Person"},
		},
	}
	result := testEngine().Merge(context.Background(), map[string]interface{}{}, base, base, Config{SequenceByID: true})
	found := false
	for _, c := range result.Conflicts {
		if c.Type == ConflictNameCollision {
			found = true
		}
	}
	assert.True(t, found)
}

func TestApplyManualResolutionRejectsEmptyDecisions(t *testing.T) {
	e := testEngine()
	result := e.Merge(context.Background(), map[string]interface{}{"a": "1"}, map[string]interface{}{"a": "2"}, map[string]interface{}{"a": "3"}, Config{})
	_, err := e.ApplyManualResolution(context.Background(), result, nil)
	require.Error(t, err)
}

func TestApplyManualResolutionAppliesDecision(t *testing.T) {
	e := testEngine()
	base := map[string]interface{}{"a": "1"}
	source := map[string]interface{}{"a": "2"}
	target := map[string]interface{}{"a": "3"}
	result := e.Merge(context.Background(), base, source, target, Config{})
	require.Len(t, result.Conflicts, 1)

	resolved, err := e.ApplyManualResolution(context.Background(), result, []Decision{{Path: "a", Value: "2"}})
	require.NoError(t, err)
	assert.Equal(t, "2", resolved.Tree["a"])
	assert.Equal(t, StatusMerged, resolved.Status)
}

func TestDiffDetectsAddModifyDelete(t *testing.T) {
	old := map[string]interface{}{"a": "1", "b": "2"}
	new := map[string]interface{}{"a": "1-changed", "c": "3"}
	changes := Diff(old, new, Config{}.Normalize())
	assert.Equal(t, ChangeModify, changes["a"].Kind)
	assert.Equal(t, ChangeDelete, changes["b"].Kind)
	assert.Equal(t, ChangeAdd, changes["c"].Kind)
}

func TestDiffSkipsIgnoredKeys(t *testing.T) {
	old := map[string]interface{}{"@timestamp": "t1", "a": "1"}
	new := map[string]interface{}{"@timestamp": "t2", "a": "1"}
	changes := Diff(old, new, Config{}.Normalize())
	assert.Empty(t, changes)
}

func TestSetAndGetPathRoundTrip(t *testing.T) {
	tree := map[string]interface{}{}
	SetPath(tree, "a.b.0.c", "value")
	v, ok := GetPath(tree, "a.b.0.c")
	require.True(t, ok)
	assert.Equal(t, "value", v)
}

func deepCopy(m map[string]interface{}) map[string]interface{} {
	return cloneTree(m)
}
