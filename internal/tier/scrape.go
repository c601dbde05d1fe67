package tier

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/rate-remediator/internal/model"
	"github.com/sells-group/rate-remediator/internal/scrape"
)

const defaultMaxPages = 4

// ScrapeWorker is tier 2: it reads the competitor's own website, the home
// page first and then links that look like pricing pages.
type ScrapeWorker struct {
	fetcher  scrape.Fetcher
	matcher  *scrape.PathMatcher
	maxPages int
}

// NewScrapeWorker creates the tier 2 worker. maxPages bounds the pages
// fetched per attempt, including the home page.
func NewScrapeWorker(fetcher scrape.Fetcher, matcher *scrape.PathMatcher, maxPages int) *ScrapeWorker {
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	if matcher == nil {
		matcher = scrape.NewPathMatcher(nil)
	}
	return &ScrapeWorker{fetcher: fetcher, matcher: matcher, maxPages: maxPages}
}

func (w *ScrapeWorker) Type() model.WorkerType { return model.WorkerTier2Scrape }

func (w *ScrapeWorker) Attempt(ctx context.Context, gap model.Gap, cfg Config) Outcome {
	site := siteURL(cfg.Hints[MetaWebsite], gap.Competitor.Website)
	if site == "" {
		o := Failed(CodeNoURL, "competitor has no website")
		o.NeedsNextTier = true
		return o
	}

	home, err := w.fetcher.Fetch(ctx, site)
	if err != nil {
		if ctx.Err() != nil {
			return Timeout("scrape: " + site + ": " + ctx.Err().Error())
		}
		o := Failed(CodeScrapeFailed, err.Error())
		o.NeedsNextTier = errors.Is(err, scrape.ErrBlocked)
		return o
	}

	pages := []string{home.URL}
	rates := ExtractRates(home.Text, home.URL)
	for _, link := range w.matcher.Select(home.URL, home.Links, w.maxPages-1) {
		if _, ratio := MatchRatio(rates, gap.TargetUnitSizes); ratio >= 1 && len(gap.TargetUnitSizes) > 0 {
			break
		}
		page, err := w.fetcher.Fetch(ctx, link)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			zap.L().Debug("tier2: skip page", zap.String("gap_id", gap.ID), zap.String("url", link), zap.Error(err))
			continue
		}
		pages = append(pages, page.URL)
		rates = mergeRates(rates, ExtractRates(page.Text, page.URL))
	}

	source := home.URL
	if len(rates) > 0 {
		source = rates[0].Source
	}
	o := judge(gap, rates, 0.3, 0.8, source)
	o.Metadata[MetaPages] = pages
	o.Metadata[MetaWebsite] = home.URL
	return o
}

// siteURL returns the first non-empty candidate with a scheme.
func siteURL(candidates ...string) string {
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.HasPrefix(c, "http://") && !strings.HasPrefix(c, "https://") {
			c = "https://" + c
		}
		return c
	}
	return ""
}

// mergeRates appends rates for sizes not yet present.
func mergeRates(have, more []model.Rate) []model.Rate {
	seen := make(map[string]bool, len(have))
	for _, r := range have {
		seen[r.UnitSize] = true
	}
	for _, r := range more {
		if !seen[r.UnitSize] {
			seen[r.UnitSize] = true
			have = append(have, r)
		}
	}
	return have
}
