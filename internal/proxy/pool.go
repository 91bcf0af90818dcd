package proxy

import (
	"context"
	"math/rand"
	"net/http"
	"strings"
	"sync"

	"github.com/Mirocow/lampatv-proxy/internal/config"
	applog "github.com/Mirocow/lampatv-proxy/internal/log"
	imetrics "github.com/Mirocow/lampatv-proxy/internal/metrics"
)

// maxProxyFailures is the demotion threshold: an entry whose failure count
// exceeds it is removed from the working set.
const maxProxyFailures = 5

// validationTimeoutMultiplier scales the configured budgets for liveness
// probes, which run against slow free proxies.
const validationTimeoutMultiplier = 30.0

// Selector is the narrow capability handed to the prober, streamer and
// processor: pick a proxy for one attempt and report how it went.
type Selector interface {
	Pick() (string, bool)
	Succeed(endpoint string)
	Fail(endpoint string)
	Available() bool
}

// ProxyStats tracks per-endpoint outcomes.
type ProxyStats struct {
	Successes int `json:"success"`
	Failures  int `json:"failures"`
}

// PoolStats is the aggregate snapshot returned by Stats.
type PoolStats struct {
	TotalWorking  int                   `json:"total_working"`
	TotalSuccess  int                   `json:"total_success"`
	TotalFailures int                   `json:"total_failures"`
	PerProxy      map[string]ProxyStats `json:"proxy_stats"`
}

// Pool owns the set of validated upstream proxies. All mutating operations
// are serialized by one mutex; the lock is never held across network I/O.
type Pool struct {
	cfg     *config.Config
	factory *ClientFactory

	mu      sync.Mutex
	working []string
	stats   map[string]*ProxyStats
}

func NewPool(cfg *config.Config, factory *ClientFactory) *Pool {
	return &Pool{
		cfg:     cfg,
		factory: factory,
		stats:   make(map[string]*ProxyStats),
	}
}

// NormalizeProxy ensures the endpoint carries a scheme. Ports 1080 and 9050
// are conventionally SOCKS; everything else defaults to http.
func NormalizeProxy(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	for _, scheme := range []string{"http://", "https://", "socks5://"} {
		if strings.HasPrefix(endpoint, scheme) {
			return endpoint
		}
	}
	if strings.Contains(endpoint, ":1080") || strings.Contains(endpoint, ":9050") {
		return "socks5://" + endpoint
	}
	return "http://" + endpoint
}

// Validate probes each endpoint sequentially and returns the normalized
// survivors. The set is expected to be small; parallelism is not worth the
// extra load on the liveness targets.
func (p *Pool) Validate(ctx context.Context, list []string) []string {
	if len(list) == 0 {
		applog.Warnf("proxy-pool", "no proxies provided for validation")
		return nil
	}

	applog.Infof("proxy-pool", "starting validation of %d proxies", len(list))
	working := make([]string, 0, len(list))
	for i, endpoint := range list {
		normalized := NormalizeProxy(endpoint)
		if normalized == "" {
			continue
		}
		applog.Debugf("proxy-pool", "testing proxy %d/%d: %s", i+1, len(list), normalized)
		if p.Test(ctx, normalized) {
			working = append(working, normalized)
			imetrics.PoolEvent("validated")
			applog.Infof("proxy-pool", "proxy validated: %s", normalized)
		} else {
			applog.Warnf("proxy-pool", "proxy failed validation: %s", normalized)
		}
	}
	applog.Infof("proxy-pool", "proxy validation completed: %d/%d working", len(working), len(list))
	return working
}

// Test performs a liveness probe: any 200 from the test URL sequence counts.
func (p *Pool) Test(ctx context.Context, endpoint string) bool {
	if strings.TrimSpace(endpoint) == "" {
		return false
	}

	client, release, err := p.factory.Acquire(ClientOptions{
		FollowRedirects: true,
		Proxy:           endpoint,
		Timeouts:        p.factory.DefaultTimeouts().Scaled(validationTimeoutMultiplier),
	})
	if err != nil {
		return false
	}
	defer release()

	for _, testURL := range p.testURLs() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, testURL, nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			applog.Debugf("proxy-pool", "proxy %s failed for %s: %v", endpoint, testURL, err)
			continue
		}
		status := resp.StatusCode
		resp.Body.Close()
		if status == http.StatusOK {
			return true
		}
		applog.Debugf("proxy-pool", "proxy %s returned status %d for %s", endpoint, status, testURL)
	}
	return false
}

// testURLs returns the configured liveness target followed by the built-in
// fallbacks, deduplicated.
func (p *Pool) testURLs() []string {
	builtin := []string{
		"https://ifconfig.me/ip",
		"http://httpbin.org/ip",
		"http://api.ipify.org?format=json",
	}
	urls := make([]string, 0, 4)
	if p.cfg.ProxyTestURL != "" {
		urls = append(urls, p.cfg.ProxyTestURL)
	}
	for _, u := range builtin {
		if u != p.cfg.ProxyTestURL {
			urls = append(urls, u)
		}
	}
	return urls
}

// Add inserts a proxy into the working set with clean stats. It is
// idempotent and reports whether the entry was new.
func (p *Pool) Add(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, existing := range p.working {
		if existing == endpoint {
			return false
		}
	}
	p.working = append(p.working, endpoint)
	p.stats[endpoint] = &ProxyStats{}
	imetrics.SetWorkingProxies(len(p.working))
	return true
}

// Pick returns a uniformly random working proxy.
func (p *Pool) Pick() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.working) == 0 {
		return "", false
	}
	return p.working[rand.Intn(len(p.working))], true
}

// Succeed increments the success counter for an endpoint.
func (p *Pool) Succeed(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.stats[endpoint]; ok {
		st.Successes++
		imetrics.PoolEvent("success")
	}
}

// Fail increments the failure counter and demotes the endpoint once its
// failures exceed the threshold. Removal is atomic across the working list
// and the stats map.
func (p *Pool) Fail(endpoint string) {
	if endpoint == "" {
		return
	}
	p.mu.Lock()
	st, ok := p.stats[endpoint]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.Failures++
	failures := st.Failures
	removed := false
	if failures > maxProxyFailures {
		p.removeLocked(endpoint)
		removed = true
	}
	p.mu.Unlock()

	imetrics.PoolEvent("failure")
	applog.Warnf("proxy-pool", "marked proxy failure: %s (failures: %d)", endpoint, failures)
	if removed {
		imetrics.PoolEvent("removed")
		applog.Warnf("proxy-pool", "removed proxy from working list: %s", endpoint)
	}
}

// Remove deletes an endpoint from the pool. Reports whether it was present.
func (p *Pool) Remove(endpoint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(endpoint)
}

func (p *Pool) removeLocked(endpoint string) bool {
	for i, existing := range p.working {
		if existing == endpoint {
			p.working = append(p.working[:i], p.working[i+1:]...)
			delete(p.stats, endpoint)
			imetrics.SetWorkingProxies(len(p.working))
			return true
		}
	}
	return false
}

// Available reports whether proxy relaying is both enabled and possible.
func (p *Pool) Available() bool {
	if !p.cfg.UseProxy {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.working) > 0
}

// Len returns the number of working proxies.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.working)
}

// Stats returns an aggregate snapshot for the /info endpoint.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := PoolStats{
		TotalWorking: len(p.working),
		PerProxy:     make(map[string]ProxyStats, len(p.stats)),
	}
	for endpoint, st := range p.stats {
		out.PerProxy[endpoint] = *st
		out.TotalSuccess += st.Successes
		out.TotalFailures += st.Failures
	}
	return out
}
