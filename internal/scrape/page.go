// Package scrape fetches competitor web pages and reduces them to text
// and links for rate extraction.
package scrape

import (
	"context"
)

// Page is a fetched HTML page reduced to visible text.
type Page struct {
	URL        string   `json:"url"`
	Title      string   `json:"title"`
	Text       string   `json:"text"`
	Links      []string `json:"links,omitempty"`
	StatusCode int      `json:"status_code"`
}

// Fetcher retrieves a single URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}
