package configutil

import (
	"sort"
	"strings"
)

// Schema lists the keys a component accepts in its settings map.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports every problem found in one settings map at once.
type SettingsError struct {
	Missing []string
	Unknown []string
	// Hints maps an unknown key to the accepted key it most likely meant.
	Hints map[string]string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		names := make([]string, len(e.Unknown))
		for i, k := range e.Unknown {
			names[i] = k
			if hint, ok := e.Hints[k]; ok {
				names[i] = k + " (did you mean " + hint + "?)"
			}
		}
		parts = append(parts, "unknown: "+strings.Join(names, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings checks input against schema. Key matching ignores case,
// underscores and hyphens. The returned error, if any, is a *SettingsError.
func ValidateSettings(input map[string]any, schema Schema) error {
	known := make(map[string]string, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		known[normalizeKey(k)] = k
	}
	for _, k := range schema.Required {
		known[normalizeKey(k)] = k
	}

	present := make(map[string]bool, len(input))
	serr := &SettingsError{}
	for k, v := range input {
		nk := normalizeKey(k)
		if _, ok := known[nk]; !ok {
			if !schema.AllowUnknown {
				serr.Unknown = append(serr.Unknown, k)
				if hint := closestKey(nk, known); hint != "" {
					if serr.Hints == nil {
						serr.Hints = make(map[string]string)
					}
					serr.Hints[k] = hint
				}
			}
			continue
		}
		present[nk] = !isBlank(v)
	}
	for _, k := range schema.Required {
		if !present[normalizeKey(k)] {
			serr.Missing = append(serr.Missing, k)
		}
	}

	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	return serr
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}

// closestKey returns the known key within edit distance 2 of key, if any.
func closestKey(key string, known map[string]string) string {
	best, bestDist := "", 3
	for nk, original := range known {
		if d := editDistance(key, nk); d < bestDist || (d == bestDist && original < best) {
			best, bestDist = original, d
		}
	}
	return best
}

func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
