package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/Mirocow/lampatv-proxy/internal/config"
	applog "github.com/Mirocow/lampatv-proxy/internal/log"
)

const (
	genericTimeoutDirect   = 1.0
	genericTimeoutViaProxy = 10.0
)

// RequestBody describes how the outbound body should be built.
type RequestBody struct {
	// Mode is one of "none", "raw", "form", "multipart".
	Mode        string
	Raw         []byte
	ContentType string
	Form        url.Values
}

// CapturedResponse is the JSON envelope returned for generic (non-stream)
// targets. Body holds the upstream payload verbatim so JSON payloads pass
// through without double encoding.
type CapturedResponse struct {
	CurrentURL string            `json:"currentUrl"`
	Cookie     string            `json:"cookie"`
	Headers    map[string]string `json:"headers"`
	Status     int               `json:"status"`
	Body       json.RawMessage   `json:"body"`
	Error      string            `json:"error,omitempty"`
}

// Processor performs the buffered fetch for generic targets: manual redirect
// loop, cookie accumulation and full body capture.
type Processor struct {
	cfg     *config.Config
	factory *ClientFactory
	proxies Selector
}

func NewProcessor(cfg *config.Config, factory *ClientFactory, proxies Selector) *Processor {
	return &Processor{cfg: cfg, factory: factory, proxies: proxies}
}

// Fetch performs the request against target and captures the final response.
// Errors are folded into the envelope rather than returned: timeouts map to
// status 408, everything else to 500. When the pool has proxies, a failed
// attempt is retried through a different endpoint up to MaxProxyRetries
// times.
func (p *Processor) Fetch(ctx context.Context, method, target string, headers http.Header, body RequestBody) CapturedResponse {
	captured := p.fetchOnce(ctx, method, target, headers, body)
	for attempt := 0; attempt < p.cfg.MaxProxyRetries; attempt++ {
		if captured.Error == "" || !p.proxies.Available() || ctx.Err() != nil {
			break
		}
		applog.Warnf("generic-processor", "retrying %s after failure (attempt %d): %s",
			target, attempt+1, captured.Error)
		captured = p.fetchOnce(ctx, method, target, headers, body)
	}
	return captured
}

func (p *Processor) fetchOnce(ctx context.Context, method, target string, headers http.Header, body RequestBody) CapturedResponse {
	selected := ""
	multiplier := genericTimeoutDirect
	if p.proxies.Available() {
		if endpoint, ok := p.proxies.Pick(); ok {
			selected = endpoint
			multiplier = genericTimeoutViaProxy
		}
	}

	client, release, err := p.factory.Acquire(ClientOptions{
		FollowRedirects: false,
		VerifyTLS:       false,
		Proxy:           selected,
		Timeouts:        p.factory.DefaultTimeouts().Scaled(multiplier),
	})
	if err != nil {
		return errorEnvelope(target, http.StatusInternalServerError, "Request failed: "+err.Error())
	}
	defer release()

	outHeaders := p.defaultHeaders(headers)

	currentURL := target
	cookies := map[string]string{}
	var resp *http.Response

	// Manual redirect loop so that cookies set along the chain are folded
	// into the envelope and relative Location values resolve correctly.
	for redirects := 0; ; redirects++ {
		req, rerr := buildOutboundRequest(ctx, method, currentURL, outHeaders, body)
		if rerr != nil {
			return errorEnvelope(currentURL, http.StatusInternalServerError, "Request failed: "+rerr.Error())
		}
		if len(cookies) > 0 {
			req.Header.Set("Cookie", joinCookies(cookies))
		}

		resp, err = client.Do(req)
		if err != nil {
			if selected != "" {
				p.proxies.Fail(selected)
			}
			if isTimeout(err) {
				return errorEnvelope(currentURL, http.StatusRequestTimeout, "Request timeout")
			}
			return errorEnvelope(currentURL, http.StatusInternalServerError, "Request failed: "+err.Error())
		}

		collectCookies(cookies, resp)

		location := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || location == "" {
			break
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if redirects >= p.cfg.MaxRedirects {
			return errorEnvelope(currentURL, http.StatusInternalServerError,
				"Request failed: too many redirects")
		}

		next, rerr := resolveLocation(currentURL, location)
		if rerr != nil {
			return errorEnvelope(currentURL, http.StatusInternalServerError, "Request failed: "+rerr.Error())
		}
		applog.Debugf("generic-processor", "following redirect %d: %s", redirects+1, next)
		// Method and body carry over unchanged across the whole chain.
		currentURL = next
	}
	defer resp.Body.Close()

	// Upstream bodies are capped independently of the inbound request limit.
	payload, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxResponseSize))
	if err != nil {
		if selected != "" {
			p.proxies.Fail(selected)
		}
		return errorEnvelope(currentURL, http.StatusInternalServerError, "Unexpected error: "+err.Error())
	}
	if selected != "" {
		p.proxies.Succeed(selected)
	}

	return CapturedResponse{
		CurrentURL: currentURL,
		Cookie:     joinCookies(cookies),
		Headers:    flattenHeader(resp.Header),
		Status:     resp.StatusCode,
		Body:       bodyAsJSON(payload),
	}
}

// defaultHeaders merges browser-like defaults under the caller's headers.
func (p *Processor) defaultHeaders(headers http.Header) http.Header {
	out := http.Header{}
	out.Set("User-Agent", p.cfg.UserAgent)
	out.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	out.Set("Accept-Language", "en-GB,en-US;q=0.9,en;q=0.8,ru;q=0.7")
	out.Set("Cache-Control", "no-cache")
	out.Set("Pragma", "no-cache")
	copyHeader(out, headers)
	return out
}

func buildOutboundRequest(ctx context.Context, method, target string, headers http.Header, body RequestBody) (*http.Request, error) {
	var reader io.Reader
	contentType := ""

	switch body.Mode {
	case "raw":
		reader = bytes.NewReader(body.Raw)
		contentType = body.ContentType
	case "form":
		reader = strings.NewReader(body.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case "multipart":
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		for key, values := range body.Form {
			for _, value := range values {
				if err := writer.WriteField(key, value); err != nil {
					return nil, err
				}
			}
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}
		reader = &buf
		contentType = writer.FormDataContentType()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, headers)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func resolveLocation(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func collectCookies(into map[string]string, resp *http.Response) {
	for _, cookie := range resp.Cookies() {
		if cookie.Name != "" {
			into[cookie.Name] = cookie.Value
		}
	}
}

func joinCookies(cookies map[string]string) string {
	if len(cookies) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(cookies))
	for name, value := range cookies {
		pairs = append(pairs, name+"="+value)
	}
	// Stable order keeps the envelope deterministic for callers and tests.
	sort.Strings(pairs)
	return strings.Join(pairs, "; ")
}

// flattenHeader folds multi-valued headers into comma-joined strings under
// lowercased names.
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}

// bodyAsJSON returns the payload as-is when it already is valid JSON and as
// a JSON string otherwise.
func bodyAsJSON(payload []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, err := json.Marshal(string(payload))
	if err != nil {
		return json.RawMessage(`""`)
	}
	return json.RawMessage(quoted)
}

func errorEnvelope(currentURL string, status int, msg string) CapturedResponse {
	return CapturedResponse{
		CurrentURL: currentURL,
		Headers:    map[string]string{},
		Status:     status,
		Body:       json.RawMessage(`""`),
		Error:      msg,
	}
}

// copyHeader copies every value of src into dst, replacing existing keys.
func copyHeader(dst, src http.Header) {
	for name, values := range src {
		dst.Del(name)
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
