package scrape

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rate-remediator/pkg/jina"
)

var (
	mdLink  = regexp.MustCompile(`!?\[([^\]]*)\]\((https?://[^)\s]+)[^)]*\)`)
	mdNoise = regexp.MustCompile(`(?m)^\s*(#{1,6}|[-*+]|>)\s+`)
)

// ReaderFetcher fetches pages through the Jina reader, which renders them
// server-side and returns markdown.
type ReaderFetcher struct {
	client jina.Client
}

// NewReaderFetcher wraps a Jina reader client.
func NewReaderFetcher(client jina.Client) *ReaderFetcher {
	return &ReaderFetcher{client: client}
}

// Fetch reads targetURL and reduces the markdown to text and links.
func (f *ReaderFetcher) Fetch(ctx context.Context, targetURL string) (*Page, error) {
	resp, err := f.client.Read(ctx, targetURL)
	if err != nil {
		return nil, eris.Wrapf(err, "scrape: reader %s", targetURL)
	}
	content := strings.TrimSpace(resp.Data.Content)
	if content == "" {
		return nil, eris.Errorf("scrape: reader %s: empty page", targetURL)
	}
	page := markdownPage(content)
	page.URL = targetURL
	page.Title = strings.TrimSpace(resp.Data.Title)
	page.StatusCode = resp.Code
	return page, nil
}

// markdownPage replaces each link with its label, strips block markers and
// collects link targets in order of appearance.
func markdownPage(md string) *Page {
	page := &Page{}
	seen := make(map[string]bool)
	for _, m := range mdLink.FindAllStringSubmatch(md, -1) {
		if strings.HasPrefix(m[0], "!") || seen[m[2]] {
			continue
		}
		seen[m[2]] = true
		page.Links = append(page.Links, m[2])
	}
	text := mdLink.ReplaceAllString(md, "$1")
	text = mdNoise.ReplaceAllString(text, "")

	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			lines = append(lines, l)
		}
	}
	page.Text = strings.Join(dedupeAdjacent(lines), "\n")
	return page
}

// FallbackFetcher tries primary first and re-reads blocked pages through
// fallback.
type FallbackFetcher struct {
	primary  Fetcher
	fallback Fetcher
}

// NewFallbackFetcher chains primary and fallback.
func NewFallbackFetcher(primary, fallback Fetcher) *FallbackFetcher {
	return &FallbackFetcher{primary: primary, fallback: fallback}
}

// Fetch returns the primary page unless it was blocked. A fallback failure
// keeps ErrBlocked in the chain so the caller can still escalate.
func (f *FallbackFetcher) Fetch(ctx context.Context, targetURL string) (*Page, error) {
	page, err := f.primary.Fetch(ctx, targetURL)
	if err == nil || !errors.Is(err, ErrBlocked) {
		return page, err
	}
	zap.L().Debug("scrape: page blocked, trying reader", zap.String("url", targetURL), zap.Error(err))

	page, ferr := f.fallback.Fetch(ctx, targetURL)
	if ferr != nil {
		return nil, eris.Wrapf(err, "scrape: fallback failed: %v", ferr)
	}
	return page, nil
}
