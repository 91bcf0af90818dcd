package proxy

import (
	"testing"
	"time"

	"github.com/Mirocow/lampatv-proxy/internal/config"
)

// testConfig returns a fully populated Config for in-process tests.
func testConfig() *config.Config {
	return &config.Config{
		LogLevel:   "ERROR",
		ListenAddr: ":0",
		OurScheme:  "https",

		TimeoutConnect: 2 * time.Second,
		TimeoutRead:    2 * time.Second,
		TimeoutWrite:   2 * time.Second,
		TimeoutPool:    2 * time.Second,

		StreamChunkSize: 4096,
		StreamTimeout:   5 * time.Second,
		MaxRangeSize:    1 << 20,

		MaxRequestSize:  1 << 20,
		MaxResponseSize: 4 << 20,
		MaxRedirects:    5,
		UserAgent:       "test-agent",

		UseProxy: false,

		Queue: config.QueueConfig{
			MaxQueue:       16,
			MaxConcurrent:  8,
			EnqueueTimeout: time.Second,
		},

		VideoIndicators: []string{"video/", "application/x-mpegurl", "application/vnd.apple.mpegurl"},
		VideoExtensions: []string{".mp4", ".mkv", ".webm", ".m3u8", ".ts"},
		VideoPatterns:   []string{"/video/", "/stream/", "/hls/", ".m3u8"},
	}
}

func TestNormalizeProxy(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1.2.3.4:8080", "http://1.2.3.4:8080"},
		{"1.2.3.4:1080", "socks5://1.2.3.4:1080"},
		{"1.2.3.4:9050", "socks5://1.2.3.4:9050"},
		{"http://1.2.3.4:3128", "http://1.2.3.4:3128"},
		{"socks5://1.2.3.4:1080", "socks5://1.2.3.4:1080"},
		{"  5.6.7.8:80  ", "http://5.6.7.8:80"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeProxy(tc.in); got != tc.want {
			t.Errorf("NormalizeProxy(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPoolAddPickRemove(t *testing.T) {
	cfg := testConfig()
	cfg.UseProxy = true
	pool := NewPool(cfg, NewClientFactory(cfg))

	if !pool.Add("http://1.2.3.4:8080") {
		t.Fatal("first Add should report new entry")
	}
	if pool.Add("http://1.2.3.4:8080") {
		t.Fatal("duplicate Add should report existing entry")
	}
	if pool.Len() != 1 {
		t.Fatalf("Len = %d", pool.Len())
	}

	endpoint, ok := pool.Pick()
	if !ok || endpoint != "http://1.2.3.4:8080" {
		t.Fatalf("Pick = %q, %v", endpoint, ok)
	}

	if !pool.Remove("http://1.2.3.4:8080") {
		t.Fatal("Remove should report presence")
	}
	if _, ok := pool.Pick(); ok {
		t.Fatal("Pick should fail on empty pool")
	}
}

func TestPoolFailureDemotion(t *testing.T) {
	cfg := testConfig()
	cfg.UseProxy = true
	pool := NewPool(cfg, NewClientFactory(cfg))
	pool.Add("http://1.2.3.4:8080")

	// Five failures keep the entry; the sixth crosses the threshold.
	for i := 0; i < 5; i++ {
		pool.Fail("http://1.2.3.4:8080")
	}
	if pool.Len() != 1 {
		t.Fatalf("Len after 5 failures = %d, want 1", pool.Len())
	}
	pool.Fail("http://1.2.3.4:8080")
	if pool.Len() != 0 {
		t.Fatalf("Len after 6 failures = %d, want 0", pool.Len())
	}
}

func TestPoolAvailableRespectsUseProxy(t *testing.T) {
	cfg := testConfig()
	pool := NewPool(cfg, NewClientFactory(cfg))
	pool.Add("http://1.2.3.4:8080")
	if pool.Available() {
		t.Fatal("Available must be false when USE_PROXY is off")
	}

	cfg.UseProxy = true
	if !pool.Available() {
		t.Fatal("Available must be true with USE_PROXY and a working entry")
	}
}

func TestPoolStats(t *testing.T) {
	cfg := testConfig()
	cfg.UseProxy = true
	pool := NewPool(cfg, NewClientFactory(cfg))
	pool.Add("http://a:80")
	pool.Add("http://b:80")

	pool.Succeed("http://a:80")
	pool.Succeed("http://a:80")
	pool.Fail("http://b:80")

	stats := pool.Stats()
	if stats.TotalWorking != 2 {
		t.Errorf("TotalWorking = %d", stats.TotalWorking)
	}
	if stats.TotalSuccess != 2 {
		t.Errorf("TotalSuccess = %d", stats.TotalSuccess)
	}
	if stats.TotalFailures != 1 {
		t.Errorf("TotalFailures = %d", stats.TotalFailures)
	}
	if stats.PerProxy["http://a:80"].Successes != 2 {
		t.Errorf("per-proxy successes = %d", stats.PerProxy["http://a:80"].Successes)
	}
}

func TestPoolFailUnknownEndpoint(t *testing.T) {
	cfg := testConfig()
	pool := NewPool(cfg, NewClientFactory(cfg))
	// Must not panic or create phantom stats.
	pool.Fail("http://unknown:80")
	if pool.Stats().TotalFailures != 0 {
		t.Error("unknown endpoint must not accumulate failures")
	}
}
