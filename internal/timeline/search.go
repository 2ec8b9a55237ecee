package timeline

import "strings"

// TextMatch reports whether query occurs, ignoring case, in the item's name,
// type or description.
func TextMatch(it Item, query string) bool {
	q := strings.ToLower(query)
	return strings.Contains(strings.ToLower(it.Name), q) ||
		strings.Contains(strings.ToLower(it.Type), q) ||
		strings.Contains(strings.ToLower(it.Description), q)
}

// Search is a result set with a cursor that cycles through the matches.
// The cursor starts on the first match.
type Search struct {
	Query   string
	matches []Item
	cursor  int
}

// NewSearch collects the items matching query. An empty query matches
// nothing.
func NewSearch(items []Item, query string) *Search {
	s := &Search{Query: query}
	if strings.TrimSpace(query) == "" {
		return s
	}
	for _, it := range items {
		if TextMatch(it, query) {
			s.matches = append(s.matches, it)
		}
	}
	return s
}

func (s *Search) Len() int { return len(s.matches) }

// Cursor is the position of the current match, or -1 with no matches.
func (s *Search) Cursor() int {
	if len(s.matches) == 0 {
		return -1
	}
	return s.cursor
}

func (s *Search) Matches() []Item {
	return append([]Item(nil), s.matches...)
}

func (s *Search) Current() (Item, bool) {
	if len(s.matches) == 0 {
		return Item{}, false
	}
	return s.matches[s.cursor], true
}

// Next moves to the following match, wrapping to the first after the last.
func (s *Search) Next() (Item, bool) {
	if len(s.matches) == 0 {
		return Item{}, false
	}
	s.cursor = (s.cursor + 1) % len(s.matches)
	return s.matches[s.cursor], true
}

// Prev moves to the preceding match, wrapping to the last before the first.
func (s *Search) Prev() (Item, bool) {
	if len(s.matches) == 0 {
		return Item{}, false
	}
	s.cursor = (s.cursor - 1 + len(s.matches)) % len(s.matches)
	return s.matches[s.cursor], true
}
