package proxy

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/Mirocow/lampatv-proxy/internal/config"
	applog "github.com/Mirocow/lampatv-proxy/internal/log"
	imetrics "github.com/Mirocow/lampatv-proxy/internal/metrics"
)

// Probe method labels.
const (
	probeMethodHEAD      = "HEAD"
	probeMethodRange00   = "GET_RANGE_0_0"
	probeMethodRange0999 = "GET_RANGE_0_999"
	probeMethodSimple    = "GET_SIMPLE"
	probeMethodAllFailed = "GET_ALL_FAILED"

	probeBodySampleLimit = 1024
	probeTimeoutDirect   = 10.0
	probeTimeoutViaProxy = 30.0
)

// ContentInfo is the outcome of probing a target: status, content type,
// total length (0 = unknown) and range capability. BodySample carries up to
// 1 KiB of leading bytes when a GET strategy ran, used for playlist
// sniffing.
type ContentInfo struct {
	Status        int
	ContentType   string
	ContentLength int64
	AcceptRanges  string
	Headers       http.Header
	MethodUsed    string
	BodySample    []byte
	Err           string
}

// Prober recovers content metadata with a HEAD-then-ranged-GET strategy
// ladder. The first strategy yielding a positive length wins.
type Prober struct {
	cfg     *config.Config
	factory *ClientFactory
	proxies Selector
}

func NewProber(cfg *config.Config, factory *ClientFactory, proxies Selector) *Prober {
	return &Prober{cfg: cfg, factory: factory, proxies: proxies}
}

// ContentInfo probes target. useHead controls whether the cheap HEAD
// attempt runs first.
func (p *Prober) ContentInfo(ctx context.Context, target string, headers http.Header, useHead bool) ContentInfo {
	if useHead {
		if info, ok := p.tryHead(ctx, target, headers); ok {
			return info
		}
	}
	return p.tryGets(ctx, target, headers)
}

func (p *Prober) tryHead(ctx context.Context, target string, headers http.Header) (ContentInfo, bool) {
	applog.Debugf("content-prober", "trying HEAD request for: %s", target)

	selected, client, release, err := p.acquire()
	if err != nil {
		return ContentInfo{}, false
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return ContentInfo{}, false
	}
	copyHeader(req.Header, headers)

	resp, err := client.Do(req)
	if err != nil {
		applog.Warnf("content-prober", "HEAD request failed: %v", err)
		p.markFailure(selected)
		imetrics.ProbeStrategy(probeMethodHEAD, false)
		return ContentInfo{}, false
	}
	defer resp.Body.Close()

	length := parsePositiveInt(resp.Header.Get("Content-Length"))
	if length <= 0 || (resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent) {
		imetrics.ProbeStrategy(probeMethodHEAD, false)
		return ContentInfo{}, false
	}

	p.markSuccess(selected)
	imetrics.ProbeStrategy(probeMethodHEAD, true)
	return ContentInfo{
		Status:        resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: length,
		AcceptRanges:  acceptRangesOrDefault(resp.Header),
		Headers:       resp.Header.Clone(),
		MethodUsed:    probeMethodHEAD,
	}, true
}

func (p *Prober) tryGets(ctx context.Context, target string, headers http.Header) ContentInfo {
	strategies := []struct {
		label      string
		rangeValue string
	}{
		{probeMethodRange00, "bytes=0-0"},
		{probeMethodRange0999, "bytes=0-999"},
		{probeMethodSimple, ""},
	}

	for _, strategy := range strategies {
		applog.Debugf("content-prober", "trying GET with strategy: %s", strategy.label)

		info, err := p.tryOneGet(ctx, target, headers, strategy.label, strategy.rangeValue)
		if err != nil {
			applog.Warnf("content-prober", "GET strategy %s failed: %v", strategy.label, err)
			imetrics.ProbeStrategy(strategy.label, false)
			continue
		}
		if info.ContentLength > 0 {
			imetrics.ProbeStrategy(strategy.label, true)
			return info
		}
		imetrics.ProbeStrategy(strategy.label, false)
	}

	applog.Warnf("content-prober", "could not determine content length for: %s", target)
	return ContentInfo{
		AcceptRanges: "bytes",
		Headers:      http.Header{},
		MethodUsed:   probeMethodAllFailed,
		Err:          "all GET strategies failed",
	}
}

func (p *Prober) tryOneGet(ctx context.Context, target string, headers http.Header, label, rangeValue string) (ContentInfo, error) {
	selected, client, release, err := p.acquire()
	if err != nil {
		return ContentInfo{}, err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ContentInfo{}, err
	}
	copyHeader(req.Header, headers)
	if rangeValue != "" {
		req.Header.Set("Range", rangeValue)
	}

	resp, err := client.Do(req)
	if err != nil {
		p.markFailure(selected)
		return ContentInfo{}, err
	}
	defer resp.Body.Close()

	var length int64
	switch {
	case resp.StatusCode == http.StatusPartialContent && resp.Header.Get("Content-Range") != "":
		length = parseContentRangeTotal(resp.Header.Get("Content-Range"))
	case resp.StatusCode == http.StatusOK:
		length = parsePositiveInt(resp.Header.Get("Content-Length"))
	}

	// The body read is aborted after a small sample; enough for #EXTM3U
	// sniffing without pulling the payload.
	sample, _ := io.ReadAll(io.LimitReader(resp.Body, probeBodySampleLimit))

	p.markSuccess(selected)
	return ContentInfo{
		Status:        resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: length,
		AcceptRanges:  acceptRangesOrDefault(resp.Header),
		Headers:       resp.Header.Clone(),
		MethodUsed:    label,
		BodySample:    sample,
	}, nil
}

// acquire picks a proxy when available and builds a probe client. Probes
// follow redirects and verify TLS; budgets are generous because free
// proxies are slow.
func (p *Prober) acquire() (string, *http.Client, func(), error) {
	selected := ""
	multiplier := probeTimeoutDirect
	if p.proxies.Available() {
		if endpoint, ok := p.proxies.Pick(); ok {
			selected = endpoint
			multiplier = probeTimeoutViaProxy
		}
	}

	client, release, err := p.factory.Acquire(ClientOptions{
		FollowRedirects: true,
		VerifyTLS:       true,
		Proxy:           selected,
		Timeouts:        p.factory.DefaultTimeouts().Scaled(multiplier),
	})
	if err != nil {
		return "", nil, nil, err
	}
	return selected, client, release, nil
}

func (p *Prober) markSuccess(endpoint string) {
	if endpoint != "" {
		p.proxies.Succeed(endpoint)
	}
}

func (p *Prober) markFailure(endpoint string) {
	if endpoint != "" {
		p.proxies.Fail(endpoint)
	}
}

func acceptRangesOrDefault(h http.Header) string {
	if v := h.Get("Accept-Ranges"); v != "" {
		return v
	}
	return "bytes"
}

func parsePositiveInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
