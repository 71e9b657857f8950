package util

import "strings"

// AddToSet appends value if it is not already present. It reports whether
// the set changed.
func AddToSet(set []string, value string) ([]string, bool) {
	if Contains(set, value) {
		return set, false
	}
	return append(set, value), true
}

// RemoveFromSet drops every occurrence of value.
func RemoveFromSet(set []string, value string) ([]string, bool) {
	out := set[:0:0]
	removed := false
	for _, item := range set {
		if item == value {
			removed = true
			continue
		}
		out = append(out, item)
	}
	if !removed {
		return set, false
	}
	return out, true
}

func Contains(set []string, value string) bool {
	for _, item := range set {
		if item == value {
			return true
		}
	}
	return false
}

// Dedupe keeps the first occurrence of each value, in order.
func Dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

// Replace swaps every from with to and removes the duplicates that creates.
func Replace(values []string, from, to string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value == from {
			value = to
		}
		out = append(out, value)
	}
	return Dedupe(out)
}

func FirstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
