package merge

import "encoding/json"

// autoResolve applies the auto-resolution policy to a conflict (spec §4.2
// "Auto-resolution policy"): resolved iff auto_resolvable AND
// severity <= configured threshold. A custom resolver registered for the
// conflict's type is tried first and is not subject to that check.
// Returns the conflict with Resolved/ResolvedValue filled in when
// resolution succeeds.
func autoResolve(c Conflict, cfg Config) Conflict {
	if resolver, ok := cfg.CustomResolvers[c.Type]; ok {
		if value, ok := resolver(c); ok {
			c.Resolved = true
			c.ResolvedValue = value
			c.ResolutionNote = "custom resolver"
			return c
		}
	}

	if !cfg.EnableAutoResolve || !c.AutoResolvable || c.Severity > cfg.AutoResolveThreshold {
		return c
	}

	switch c.Type {
	case ConflictTypeChange, ConflictCardinality:
		c.Resolved = true
		c.ResolvedValue = c.TargetChange.New
		c.ResolutionNote = "type widened"
		if c.SourceChange != nil {
			c.ResolvedValue = widerOf(c.SourceChange.New, c.TargetChange.New)
		}

	case ConflictAddAdd:
		if c.SourceChange == nil || c.TargetChange == nil {
			return c
		}
		if changesEqualValue(c.SourceChange.New, c.TargetChange.New) {
			c.Resolved = true
			c.ResolvedValue = c.SourceChange.New
			c.ResolutionNote = "identical add, kept one"
		} else {
			c.Resolved = true
			c.ResolvedValue = moreComplete(c.SourceChange.New, c.TargetChange.New)
			c.ResolutionNote = "preferred more complete add"
		}
	}

	return c
}

func changesEqualValue(a, b interface{}) bool {
	return fieldCount(a) == fieldCount(b) && fmtValue(a) == fmtValue(b)
}

func fmtValue(v interface{}) string {
	return toComparableString(v)
}

// widerOf picks whichever of the two widened values is non-nil, preferring
// the target (the branch being merged into) when both are set, matching
// "write the wider value into the merged tree".
func widerOf(sourceVal, targetVal interface{}) interface{} {
	if targetVal != nil {
		return targetVal
	}
	return sourceVal
}

// moreComplete picks the "more complete" version per spec §4.2: more
// fields, then longer sequence, then longer string.
func moreComplete(a, b interface{}) interface{} {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) >= len(bv) {
			return a
		}
		return b
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) >= len(bv) {
			return a
		}
		return b
	case string:
		bv, ok := b.(string)
		if !ok || len(av) >= len(bv) {
			return a
		}
		return b
	default:
		return a
	}
}

func fieldCount(v interface{}) int {
	switch vv := v.(type) {
	case map[string]interface{}:
		return len(vv)
	case []interface{}:
		return len(vv)
	case string:
		return len(vv)
	default:
		return 0
	}
}

func toComparableString(v interface{}) string {
	switch vv := v.(type) {
	case string:
		return vv
	case nil:
		return ""
	default:
		// encoding/json sorts map[string]any keys, so this is stable
		// across calls for equal values.
		data, err := json.Marshal(vv)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
