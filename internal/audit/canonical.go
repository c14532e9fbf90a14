package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// canonicalJSON re-encodes v with sorted map keys and no extraneous
// whitespace, so that two semantically equal values always hash the same
// (spec §4.4 "normalize to a single canonical encoding pass").
func canonicalJSON(v interface{}) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize walks a decoded JSON-like value and returns an equivalent value
// built from plain maps and slices; encoding/json's marshaler sorts
// map[string]any keys, so marshaling the result produces a deterministic
// byte sequence.
func normalize(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			n, err := normalize(val[k])
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return val, nil
	}
}

// eventHash computes the deterministic SHA-256 hash of the canonicalized
// hash subset described in spec §4.4: {id, time, action, actor_id,
// target_key, success}.
func eventHash(e Event) (string, error) {
	subset := map[string]interface{}{
		"id":      e.ID,
		"time":    e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
		"action":  e.Action,
		"actor_id": e.ActorID,
		"target":  fmt.Sprintf("%s:%s", e.Target.Kind, e.Target.ID),
		"success": e.Success,
	}
	encoded, err := canonicalJSON(subset)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// batchHash computes SHA256(sorted(event_hashes).join("|")), per spec §4.4.
func batchHash(hashes []string) string {
	sorted := append([]string(nil), hashes...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "|")))
	return hex.EncodeToString(sum[:])
}
