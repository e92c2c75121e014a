package policy

import (
	"reflect"
	"sort"
)

// ChangeKind describes how a configuration item differs between two versions.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeModified ChangeKind = "modified"
)

// Change is one entry of a diff. Data holds the item as found in old for
// deletions and modifications, and the new item for additions. Current is
// only set for modifications and holds the item as found in new.
type Change struct {
	Kind     ChangeKind `json:"change"`
	Platform Platform   `json:"platform,omitempty"`
	Key      string     `json:"key"`
	Data     Config     `json:"data"`
	Current  Config     `json:"current,omitempty"`
}

// Diff compares two sets of configuration items. old should be the older of
// the two. Items from old are reported first, then additions, each group in
// key order.
func Diff(old, new map[string]Config) []Change {
	var changes []Change

	for _, key := range sortedKeys(old) {
		value := old[key]
		other, ok := new[key]
		if !ok {
			changes = append(changes, Change{Kind: ChangeDeleted, Key: key, Data: value})
			continue
		}
		if !Equal(value, other) {
			changes = append(changes, Change{Kind: ChangeModified, Key: key, Data: value, Current: other})
		}
	}

	for _, key := range sortedKeys(new) {
		if _, ok := old[key]; !ok {
			changes = append(changes, Change{Kind: ChangeAdded, Key: key, Data: new[key]})
		}
	}

	return changes
}

// DiffData runs Diff for every platform and tags each change with it.
func DiffData(old, new Data) []Change {
	var changes []Change
	for _, p := range Platforms {
		for _, c := range Diff(old.For(p), new.For(p)) {
			c.Platform = p
			changes = append(changes, c)
		}
	}
	return changes
}

// Equal reports whether two decoded JSON values are structurally equal.
// Objects and arrays are compared recursively and numbers by value, so an
// int and a float64 holding the same number are equal.
func Equal(a, b any) bool {
	if am, ok := asObject(a); ok {
		bm, ok := asObject(b)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}

	if as, ok := a.([]any); ok {
		bs, ok := b.([]any)
		if !ok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !Equal(as[i], bs[i]) {
				return false
			}
		}
		return true
	}

	if af, ok := asNumber(a); ok {
		bf, ok := asNumber(b)
		return ok && af == bf
	}

	return reflect.DeepEqual(a, b)
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Config:
		return m, true
	}
	return nil, false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func sortedKeys(m map[string]Config) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
