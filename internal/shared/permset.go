package shared

import (
	"sort"
	"strings"
)

// NormalizeKey canonicalises a permission key. Keys are compared upper-cased
// and trimmed everywhere.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// PermissionSet is an unordered set of permission keys.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from the given keys, normalising each.
func NewPermissionSet(keys ...string) PermissionSet {
	set := make(PermissionSet, len(keys))
	for _, k := range keys {
		set.Add(k)
	}
	return set
}

// Add inserts a key. Empty keys are ignored.
func (s PermissionSet) Add(key string) {
	key = NormalizeKey(key)
	if key == "" {
		return
	}
	s[key] = struct{}{}
}

// Has reports whether the key is present.
func (s PermissionSet) Has(key string) bool {
	if s == nil {
		return false
	}
	_, ok := s[NormalizeKey(key)]
	return ok
}

// Union merges other into s.
func (s PermissionSet) Union(other PermissionSet) {
	for k := range other {
		s[k] = struct{}{}
	}
}

// Keys returns the keys sorted ascending.
func (s PermissionSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns an independent copy.
func (s PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}
