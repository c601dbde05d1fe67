// Package overpass queries the OpenStreetMap Overpass API for points of
// interest around a coordinate.
package overpass

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rate-remediator/internal/resilience"
)

const (
	defaultBaseURL      = "https://overpass-api.de/api/interpreter"
	defaultRadiusMeters = 250
	defaultQueryTimeout = 25
)

// Client finds OSM elements near a position.
type Client interface {
	Nearby(ctx context.Context, q Query) ([]Element, error)
}

// Query selects elements within RadiusMeters of (Lat, Lon). Name, when set,
// matches case-insensitively; self-storage facilities always match.
type Query struct {
	Name         string
	Lat          float64
	Lon          float64
	RadiusMeters int
}

// Element is an OSM node, way or relation. Ways and relations carry their
// position in Center.
type Element struct {
	Type   string            `json:"type"`
	ID     int64             `json:"id"`
	Lat    float64           `json:"lat,omitempty"`
	Lon    float64           `json:"lon,omitempty"`
	Center *Center           `json:"center,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// Center is the centroid of a way or relation.
type Center struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Position returns the element's coordinates.
func (e Element) Position() (lat, lon float64) {
	if e.Center != nil {
		return e.Center.Lat, e.Center.Lon
	}
	return e.Lat, e.Lon
}

// Ref is the stable OSM reference, e.g. "node/123".
func (e Element) Ref() string {
	return fmt.Sprintf("%s/%d", e.Type, e.ID)
}

// Tag returns the first non-empty value among keys.
func (e Element) Tag(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(e.Tags[k]); v != "" {
			return v
		}
	}
	return ""
}

type response struct {
	Elements []Element `json:"elements"`
	Remark   string    `json:"remark,omitempty"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the interpreter endpoint.
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithQueryTimeout sets the server-side timeout in seconds.
func WithQueryTimeout(secs int) Option {
	return func(c *httpClient) {
		if secs > 0 {
			c.queryTimeout = secs
		}
	}
}

// WithRetryPolicy overrides how transient failures are retried.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(c *httpClient) { c.retry = p }
}

type httpClient struct {
	baseURL      string
	queryTimeout int
	http         *http.Client
	retry        resilience.RetryPolicy
}

// NewClient creates an Overpass client. The public API needs no key.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:      defaultBaseURL,
		queryTimeout: defaultQueryTimeout,
		http:         &http.Client{Timeout: 60 * time.Second},
		retry:        resilience.DefaultRetryPolicy(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger("overpass", "interpreter")
	}
	return c
}

func (c *httpClient) Nearby(ctx context.Context, q Query) ([]Element, error) {
	if q.Lat == 0 && q.Lon == 0 {
		return nil, eris.New("overpass: query has no position")
	}
	ql := BuildQuery(q, c.queryTimeout)

	resp, err := resilience.Do(ctx, c.retry, func(ctx context.Context) (*response, error) {
		return c.send(ctx, ql)
	})
	if err != nil {
		return nil, err
	}
	return resp.Elements, nil
}

func (c *httpClient) send(ctx context.Context, ql string) (*response, error) {
	form := url.Values{"data": {ql}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, eris.Wrap(err, "overpass: create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "overpass: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "overpass: read response")
	}
	if err := resilience.CheckStatus("overpass", resp.StatusCode, body); err != nil {
		return nil, err
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "overpass: unmarshal response")
	}
	// The server reports query timeouts in a remark on a 200 response.
	if strings.Contains(out.Remark, "runtime error") {
		return nil, resilience.NewTransientError(eris.Errorf("overpass: %s", out.Remark), http.StatusGatewayTimeout)
	}
	return &out, nil
}

// qlUnsafe strips characters that are special in QL strings or regexes.
var qlUnsafe = regexp.MustCompile(`[^\p{L}\p{N} &'-]`)

// BuildQuery renders q as Overpass QL.
func BuildQuery(q Query, timeoutSecs int) string {
	radius := q.RadiusMeters
	if radius <= 0 {
		radius = defaultRadiusMeters
	}
	around := fmt.Sprintf("(around:%d,%.6f,%.6f)", radius, q.Lat, q.Lon)

	var b strings.Builder
	fmt.Fprintf(&b, "[out:json][timeout:%d];(", timeoutSecs)
	fmt.Fprintf(&b, `nwr%s["shop"="storage_rental"];`, around)
	if name := strings.TrimSpace(qlUnsafe.ReplaceAllString(q.Name, "")); name != "" {
		fmt.Fprintf(&b, `nwr%s["name"~"%s",i];`, around, name)
	}
	b.WriteString(");out center tags;")
	return b.String()
}
