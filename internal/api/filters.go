package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/kalambet/jreplay/internal/journey"
	"github.com/kalambet/jreplay/internal/script"
	"github.com/kalambet/jreplay/internal/timeline"
)

// filtersFromQuery reads timeline filters from query parameters:
// status and type (comma separated), the boolean flags, q for text search
// and where for a script predicate. The returned release func must be
// called once the filters are no longer used.
func filtersFromQuery(q url.Values) (timeline.Filters, func(), error) {
	var f timeline.Filters
	release := func() {}

	for _, s := range splitList(q.Get("status")) {
		st := journey.StepStatus(s)
		if !st.Valid() {
			return f, release, fmt.Errorf("unknown status %q", s)
		}
		f.Statuses = append(f.Statuses, st)
	}
	f.Types = splitList(q.Get("type"))
	f.Query = q.Get("q")

	flags := []struct {
		key string
		dst **bool
	}{
		{"hasError", &f.HasError},
		{"isBottleneck", &f.IsBottleneck},
		{"isAI", &f.IsAI},
		{"isDecision", &f.IsDecision},
		{"hasFallback", &f.HasFallback},
	}
	for _, fl := range flags {
		v := q.Get(fl.key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, release, fmt.Errorf("%s: %w", fl.key, err)
		}
		*fl.dst = timeline.Flag(b)
	}

	if where := q.Get("where"); where != "" {
		pred, err := script.Compile(where)
		if err != nil {
			return f, release, err
		}
		f.Match = pred.Match
		release = pred.Close
	}
	return f, release, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
