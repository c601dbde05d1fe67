package scrape

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/sells-group/rate-remediator/internal/config"
)

const pricingHTML = `<html><head><title>Acme Storage</title><script>var x = "10x10 $1";</script></head>
<body><nav>Home | Units | Contact</nav>
<h1>Unit Sizes</h1>
<table><tr><td><span>5x10</span></td><td>$79/mo</td></tr>
<tr><td>10x10</td><td>$129/mo</td></tr></table>
<a href="/storage-units/pricing">Pricing</a>
<a href="https://acme.example.com/about">About</a>
<a href="tel:5551234">Call</a>
<footer>Copyright 2026</footer></body></html>`

func TestHTTPFetcher_Fetch(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(pricingHTML))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(config.ScrapeConfig{UserAgent: "test-agent"})
	page, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "test-agent", gotUA)
	assert.Equal(t, "Acme Storage", page.Title)
	assert.Equal(t, 200, page.StatusCode)
	assert.Contains(t, page.Text, "10x10")
	assert.Contains(t, page.Text, "$129/mo")
	assert.NotContains(t, page.Text, "$1\"")
	assert.NotContains(t, page.Text, "Copyright")
	assert.NotContains(t, page.Text, "Contact")
	assert.Contains(t, page.Links, srv.URL+"/storage-units/pricing")
	assert.Contains(t, page.Links, "https://acme.example.com/about")
	assert.Len(t, page.Links, 2)
}

func TestHTTPFetcher_DecodesCharset(t *testing.T) {
	latin1, err := charmap.ISO8859_1.NewEncoder().String(`<html><body><p>Unités 10x10 à $99 par mois, climatisées et sécurisées pour votre tranquillité.</p></body></html>`)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=ISO-8859-1")
		_, _ = w.Write([]byte(latin1))
	}))
	defer srv.Close()

	page, err := NewHTTPFetcher(config.ScrapeConfig{}).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, page.Text, "Unités 10x10 à $99")
}

func TestHTTPFetcher_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		header  map[string]string
		body    string
		blocked bool
		wantErr string
	}{
		{name: "cloudflare", status: 403, header: map[string]string{"Cf-Ray": "abc"}, body: "denied", blocked: true},
		{name: "captcha", status: 200, body: "<p>Please solve the captcha</p>", blocked: true},
		{name: "not found", status: 404, body: "<html><body>" + string(make([]byte, 200)) + "</body></html>", wantErr: "status 404"},
		{name: "empty", status: 200, body: "<html></html>", wantErr: "empty page"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPFetcher(config.ScrapeConfig{}).Fetch(context.Background(), srv.URL)
			require.Error(t, err)
			assert.Equal(t, tt.blocked, errors.Is(err, ErrBlocked))
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestHTTPFetcher_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(pricingHTML))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHTTPFetcher(config.ScrapeConfig{}).Fetch(ctx, srv.URL)
	assert.Error(t, err)
}
