package timeline

import (
	"strings"

	"github.com/kalambet/jreplay/internal/journey"
)

// Filters are independent predicates combined with logical AND. Unset
// fields match everything.
type Filters struct {
	Statuses     []journey.StepStatus `json:"statuses,omitempty"`
	Types        []string             `json:"types,omitempty"`
	HasError     *bool                `json:"hasError,omitempty"`
	IsBottleneck *bool                `json:"isBottleneck,omitempty"`
	IsAI         *bool                `json:"isAI,omitempty"`
	IsDecision   *bool                `json:"isDecision,omitempty"`
	HasFallback  *bool                `json:"hasFallback,omitempty"`
	Query        string               `json:"query,omitempty"`

	// Match is an extra caller predicate, typically a compiled script.
	Match func(Item) bool `json:"-"`
}

// Flag is a helper for the tri-state boolean filters.
func Flag(v bool) *bool { return &v }

// Empty reports whether f has no predicates set.
func (f Filters) Empty() bool {
	return len(f.Statuses) == 0 && len(f.Types) == 0 &&
		f.HasError == nil && f.IsBottleneck == nil && f.IsAI == nil &&
		f.IsDecision == nil && f.HasFallback == nil &&
		strings.TrimSpace(f.Query) == "" && f.Match == nil
}

// Matches reports whether it passes every set predicate.
func (f Filters) Matches(it Item) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, it.Status) {
		return false
	}
	if len(f.Types) > 0 && !containsFold(f.Types, it.Type) {
		return false
	}
	if !flagMatches(f.HasError, it.HasError) ||
		!flagMatches(f.IsBottleneck, it.IsBottleneck) ||
		!flagMatches(f.IsAI, it.IsAI) ||
		!flagMatches(f.IsDecision, it.IsDecision) ||
		!flagMatches(f.HasFallback, it.HasFallback) {
		return false
	}
	if q := strings.TrimSpace(f.Query); q != "" && !TextMatch(it, q) {
		return false
	}
	if f.Match != nil && !f.Match(it) {
		return false
	}
	return true
}

// Apply returns the items matching f, in their original order.
func Apply(items []Item, f Filters) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if f.Matches(it) {
			out = append(out, it)
		}
	}
	return out
}

func flagMatches(want *bool, got bool) bool {
	return want == nil || *want == got
}

func containsStatus(set []journey.StepStatus, s journey.StepStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsFold(set []string, s string) bool {
	for _, v := range set {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
