package scrape

import (
	"net/url"
	"path"
	"strings"
)

var defaultPathHints = []string{"price", "pricing", "rates", "units", "sizes", "rent"}

// defaultExcludePatterns never carry unit rates.
var defaultExcludePatterns = []string{
	"/blog/*",
	"/news/*",
	"/careers/*",
	"/*.pdf",
}

// PathMatcher picks the links of a page that likely lead to unit pricing.
// A link qualifies when it stays on the page's host, its path contains one
// of the hints and it matches no exclude pattern.
type PathMatcher struct {
	hints    []string
	excludes []string
}

// NewPathMatcher creates a PathMatcher. Empty hints fall back to defaults.
func NewPathMatcher(hints []string) *PathMatcher {
	if len(hints) == 0 {
		hints = defaultPathHints
	}
	lowered := make([]string, len(hints))
	for i, h := range hints {
		lowered[i] = strings.ToLower(h)
	}
	return &PathMatcher{hints: lowered, excludes: defaultExcludePatterns}
}

// Select returns up to limit qualifying links of base, in page order.
func (m *PathMatcher) Select(base string, links []string, limit int) []string {
	bu, err := url.Parse(base)
	if err != nil || limit <= 0 {
		return nil
	}
	seen := map[string]bool{strings.TrimSuffix(bu.String(), "/"): true}
	var out []string
	for _, l := range links {
		u, err := url.Parse(l)
		if err != nil || !strings.EqualFold(u.Hostname(), bu.Hostname()) {
			continue
		}
		u.Fragment = ""
		key := strings.TrimSuffix(u.String(), "/")
		if seen[key] || !m.matches(u.Path) {
			continue
		}
		seen[key] = true
		out = append(out, u.String())
		if len(out) == limit {
			break
		}
	}
	return out
}

func (m *PathMatcher) matches(urlPath string) bool {
	p := strings.ToLower(urlPath)
	for _, pattern := range m.excludes {
		if matchSegmented(pattern, p) {
			return false
		}
	}
	for _, h := range m.hints {
		if strings.Contains(p, h) {
			return true
		}
	}
	return false
}

// matchSegmented performs glob matching where a pattern like "/blog/*"
// matches both "/blog/post" and "/blog/deep/nested/path".
func matchSegmented(pattern, urlPath string) bool {
	if ok, _ := path.Match(pattern, urlPath); ok {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		if urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/") {
			return true
		}
	}
	return false
}
