package otel

import (
	"path"
	"slices"
)

// Filter controls which events are exported via OTEL.
type Filter struct {
	IncludeTypes      []string
	ExcludeTypes      []string
	IncludeOperations []string
	// MinScore drops intercept events whose verdict scored lower. Events
	// without a verdict always pass.
	MinScore uint32
	// SkipAllowed drops intercepts that were allowed through unscored.
	SkipAllowed bool
}

// Match returns true if the event should be exported.
func (f *Filter) Match(eventType, operation string, score uint32, hasVerdict, allowed bool) bool {
	if f == nil {
		return true
	}

	if len(f.IncludeTypes) > 0 && !matchAny(f.IncludeTypes, eventType) {
		return false
	}
	if matchAny(f.ExcludeTypes, eventType) {
		return false
	}
	if len(f.IncludeOperations) > 0 && operation != "" && !slices.Contains(f.IncludeOperations, operation) {
		return false
	}
	if hasVerdict {
		if score < f.MinScore {
			return false
		}
		if f.SkipAllowed && allowed && score == 0 {
			return false
		}
	}
	return true
}

func matchAny(patterns []string, s string) bool {
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, s); ok {
			return true
		}
	}
	return false
}
