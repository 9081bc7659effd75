// Package window matches window titles against a search query. Producers use
// it to check a target before handing a sequence to the relay.
package window

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

// SearchType selects how a query is compared with a title.
type SearchType int

const (
	Contains SearchType = iota
	EndsWith
	Exact
	ExactNoCase
	Regex
	StartsWith
)

var searchTypeNames = map[SearchType]string{
	Contains:    "CONTAINS",
	EndsWith:    "END",
	Exact:       "EXACT",
	ExactNoCase: "EXACT_NO_CASE",
	Regex:       "REGEX",
	StartsWith:  "START",
}

func (s SearchType) String() string {
	if name, ok := searchTypeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SearchType(%d)", int(s))
}

// ParseSearchType accepts a search type name in any case. "-" and "_" are
// interchangeable.
func ParseSearchType(name string) (SearchType, error) {
	want := strings.ReplaceAll(strings.TrimSpace(name), "-", "_")
	for s, n := range searchTypeNames {
		if strings.EqualFold(n, want) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("window: unknown search type %q", name)
}

var (
	patternMu    sync.Mutex
	patternCache = map[string]*regexp.Regexp{}
)

// compile anchors pattern so it has to match the whole title.
func compile(pattern string) (*regexp.Regexp, error) {
	patternMu.Lock()
	defer patternMu.Unlock()
	if re, ok := patternCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return nil, err
	}
	if len(patternCache) >= 128 {
		clear(patternCache)
	}
	patternCache[pattern] = re
	return re, nil
}

// Match reports whether title satisfies query. An invalid regular expression
// matches nothing.
func (s SearchType) Match(title, query string) bool {
	switch s {
	case Contains:
		return strings.Contains(title, query)
	case EndsWith:
		return strings.HasSuffix(title, query)
	case Exact:
		return title == query
	case ExactNoCase:
		return strings.EqualFold(title, query)
	case Regex:
		re, err := compile(query)
		if err != nil {
			return false
		}
		return re.MatchString(title)
	case StartsWith:
		return strings.HasPrefix(title, query)
	default:
		return false
	}
}

// Validate reports whether query is usable with s.
func (s SearchType) Validate(query string) error {
	if _, ok := searchTypeNames[s]; !ok {
		return fmt.Errorf("window: unknown search type %d", int(s))
	}
	if s == Regex {
		if _, err := compile(query); err != nil {
			return fmt.Errorf("window: invalid pattern: %w", err)
		}
	}
	return nil
}

// Truncate shortens title to at most n characters, the longest title a
// window lookup compares.
func Truncate(title string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(title) <= n {
		return title
	}
	i := 0
	for pos := range title {
		if i == n {
			return title[:pos]
		}
		i++
	}
	return title
}

// Filter returns the titles matching query, each compared after truncation
// to limit characters.
func Filter(titles []string, query string, s SearchType, limit int) []string {
	var out []string
	for _, title := range titles {
		if s.Match(Truncate(title, limit), query) {
			out = append(out, title)
		}
	}
	return out
}
