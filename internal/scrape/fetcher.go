package scrape

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/rate-remediator/internal/config"
)

const (
	defaultUserAgent = "Mozilla/5.0 (compatible; RateRemediator/1.0)"
	defaultMaxBodyKB = 512
	minBodyBytes     = 100
)

// HTTPFetcher fetches HTML over net/http, rejects blocked pages, decodes the
// declared charset and extracts visible text and links with goquery.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxBody   int64
}

// NewHTTPFetcher creates an HTTPFetcher from scrape settings.
func NewHTTPFetcher(cfg config.ScrapeConfig) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		userAgent: cfg.UserAgent,
		maxBody:   int64(cfg.MaxBodyKB) * 1024,
	}
	if f.userAgent == "" {
		f.userAgent = defaultUserAgent
	}
	if f.maxBody <= 0 {
		f.maxBody = defaultMaxBodyKB * 1024
	}
	return f
}

// Fetch retrieves targetURL and reduces it to a Page.
func (f *HTTPFetcher) Fetch(ctx context.Context, targetURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "scrape: create request")
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "scrape: fetch")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, eris.Wrap(err, "scrape: read body")
	}

	if bt := DetectBlock(resp, body); bt != BlockNone {
		return nil, eris.Wrapf(ErrBlocked, "scrape: %s (%s)", targetURL, bt)
	}
	if resp.StatusCode >= 400 {
		return nil, eris.Errorf("scrape: %s: status %d", targetURL, resp.StatusCode)
	}
	if len(body) < minBodyBytes {
		return nil, eris.Errorf("scrape: %s: empty page", targetURL)
	}

	r, err := decodeCharset(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, err
	}
	page, err := parsePage(r, resp.Request.URL)
	if err != nil {
		return nil, err
	}
	page.URL = targetURL
	page.StatusCode = resp.StatusCode
	return page, nil
}

// decodeCharset converts body to UTF-8 when the response declares another
// charset. Unknown labels are read as-is.
func decodeCharset(contentType string, body []byte) (io.Reader, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return bytes.NewReader(body), nil
	}
	label := strings.ToLower(params["charset"])
	if label == "" || label == "utf-8" || label == "utf8" {
		return bytes.NewReader(body), nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return bytes.NewReader(body), nil
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, eris.Wrapf(err, "scrape: decode charset %q", label)
	}
	return bytes.NewReader(decoded), nil
}

// parsePage strips scripts and page chrome, then collects the title, the
// whitespace-collapsed text and every absolute link.
func parsePage(r io.Reader, base *url.URL) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, eris.Wrap(err, "scrape: parse html")
	}
	doc.Find("script, style, noscript, nav, footer, svg").Remove()

	page := &Page{Title: strings.TrimSpace(doc.Find("title").First().Text())}

	var parts []string
	doc.Find("body").Find("h1, h2, h3, h4, p, li, td, th, span, div, label, option").Each(func(_ int, s *goquery.Selection) {
		if s.Children().Length() > 0 && goquery.NodeName(s) == "div" {
			return
		}
		if t := strings.Join(strings.Fields(s.Text()), " "); t != "" {
			parts = append(parts, t)
		}
	})
	page.Text = strings.Join(dedupeAdjacent(parts), "\n")

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		u, err := url.Parse(strings.TrimSpace(href))
		if err != nil || u.Scheme == "mailto" || u.Scheme == "tel" || u.Scheme == "javascript" {
			return
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		if u.Scheme == "http" || u.Scheme == "https" {
			page.Links = append(page.Links, u.String())
		}
	})
	return page, nil
}

// dedupeAdjacent drops a fragment equal to its predecessor, which happens
// when a span is the only child of a cell.
func dedupeAdjacent(parts []string) []string {
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i > 0 && p == parts[i-1] {
			continue
		}
		out = append(out, p)
	}
	return out
}
