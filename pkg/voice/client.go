// Package voice is a client for an outbound call service that dials a
// number, runs a scripted conversation and returns the transcript.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rate-remediator/internal/resilience"
)

// CallStatus is the provider-side state of a call.
type CallStatus string

const (
	StatusQueued     CallStatus = "queued"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in_progress"
	StatusCompleted  CallStatus = "completed"
	StatusFailed     CallStatus = "failed"
	StatusNoAnswer   CallStatus = "no_answer"
	StatusBusy       CallStatus = "busy"
	StatusCanceled   CallStatus = "canceled"
)

// Done reports whether the call has ended.
func (s CallStatus) Done() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNoAnswer, StatusBusy, StatusCanceled:
		return true
	}
	return false
}

// Client places and controls outbound calls.
type Client interface {
	PlaceCall(ctx context.Context, req CallRequest) (*Call, error)
	GetCall(ctx context.Context, callID string) (*Call, error)
	Hangup(ctx context.Context, callID string) error
}

// CallRequest starts a call.
type CallRequest struct {
	To             string            `json:"to"`
	From           string            `json:"from,omitempty"`
	Task           string            `json:"task"`
	MaxDurationSec int               `json:"max_duration_secs,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Call is the state of a placed call.
type Call struct {
	ID          string     `json:"call_id"`
	Status      CallStatus `json:"status"`
	DurationSec float64    `json:"duration_secs"`
	Transcript  string     `json:"transcript,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Duration is the connected time of the call so far.
func (c *Call) Duration() time.Duration {
	return time.Duration(c.DurationSec * float64(time.Second))
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRetryPolicy overrides how transient failures are retried.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(c *httpClient) { c.retry = p }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	retry   resilience.RetryPolicy
}

// NewClient creates a call service client.
func NewClient(apiKey, baseURL string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   resilience.DefaultRetryPolicy(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger("voice", "api")
	}
	return c
}

// PlaceCall is not retried: a lost response must not dial twice.
func (c *httpClient) PlaceCall(ctx context.Context, req CallRequest) (*Call, error) {
	if req.To == "" {
		return nil, eris.New("voice: call request has no number")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "voice: marshal request")
	}
	var call Call
	if err := c.do(ctx, http.MethodPost, "/v1/calls", body, &call); err != nil {
		return nil, err
	}
	if call.ID == "" {
		return nil, eris.New("voice: response has no call id")
	}
	return &call, nil
}

func (c *httpClient) GetCall(ctx context.Context, callID string) (*Call, error) {
	return resilience.Do(ctx, c.retry, func(ctx context.Context) (*Call, error) {
		var call Call
		if err := c.do(ctx, http.MethodGet, "/v1/calls/"+url.PathEscape(callID), nil, &call); err != nil {
			return nil, err
		}
		return &call, nil
	})
}

func (c *httpClient) Hangup(ctx context.Context, callID string) error {
	_, err := resilience.Do(ctx, c.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.do(ctx, http.MethodPost, "/v1/calls/"+url.PathEscape(callID)+"/hangup", nil, nil)
	})
	return err
}

func (c *httpClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return eris.Wrap(err, "voice: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "voice: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "voice: read response")
	}
	if err := resilience.CheckStatus("voice", resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return eris.Wrap(err, "voice: unmarshal response")
	}
	return nil
}
