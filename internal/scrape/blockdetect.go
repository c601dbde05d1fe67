package scrape

import (
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
)

// BlockType describes the kind of anti-bot block detected.
type BlockType string

const (
	BlockNone         BlockType = ""
	BlockCloudflare   BlockType = "cloudflare"
	BlockCaptcha      BlockType = "captcha"
	BlockJSShell      BlockType = "js_shell"
	BlockAccessDenied BlockType = "access_denied"
)

// ErrBlocked is returned when a page sits behind bot protection.
var ErrBlocked = eris.New("scrape: blocked")

// bodyMarkers are checked in order against the lowercased body.
var bodyMarkers = []struct {
	block   BlockType
	markers []string
}{
	{BlockCloudflare, []string{"checking your browser", "cf-browser-verification", "cf-chl-"}},
	{BlockCaptcha, []string{"captcha", "are you a robot", "verify you are human"}},
}

// DetectBlock inspects a response for Cloudflare challenges, captchas,
// JS-only shells and WAF denials.
func DetectBlock(resp *http.Response, body []byte) BlockType {
	if resp == nil {
		return BlockNone
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if resp.Header.Get("cf-ray") != "" || strings.EqualFold(resp.Header.Get("server"), "cloudflare") {
			return BlockCloudflare
		}
	}

	lower := strings.ToLower(string(body))
	for _, bm := range bodyMarkers {
		for _, m := range bm.markers {
			if strings.Contains(lower, m) {
				return bm.block
			}
		}
	}

	if resp.StatusCode == http.StatusForbidden && strings.Contains(lower, "access denied") {
		return BlockAccessDenied
	}

	// Tiny pages that only tell the client to run scripts or redirect.
	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return BlockJSShell
		}
		if strings.Contains(lower, `http-equiv="refresh"`) {
			return BlockJSShell
		}
	}

	return BlockNone
}
