package scrape

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectBlock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		header http.Header
		body   string
		want   BlockType
	}{
		{"cloudflare ray", 403, http.Header{"Cf-Ray": {"abc123"}}, "", BlockCloudflare},
		{"cloudflare server", 503, http.Header{"Server": {"cloudflare"}}, "", BlockCloudflare},
		{"challenge body", 200, http.Header{}, "<p>Checking your browser before accessing</p>", BlockCloudflare},
		{"captcha", 200, http.Header{}, "<p>Please complete the reCAPTCHA to continue</p>", BlockCaptcha},
		{"waf denial", 403, http.Header{}, "<h1>Access Denied</h1>", BlockAccessDenied},
		{"js shell", 200, http.Header{}, "<html><noscript>Enable JavaScript to view units</noscript></html>", BlockJSShell},
		{"meta refresh", 200, http.Header{}, `<meta http-equiv="refresh" content="0;url=/x">`, BlockJSShell},
		{"clean", 200, http.Header{}, "<p>10x10 climate controlled $129/mo</p>", BlockNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := &http.Response{StatusCode: tt.status, Header: tt.header}
			assert.Equal(t, tt.want, DetectBlock(resp, []byte(tt.body)))
		})
	}
}

func TestDetectBlock_NilResponse(t *testing.T) {
	assert.Equal(t, BlockNone, DetectBlock(nil, []byte("captcha")))
}
