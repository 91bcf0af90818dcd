package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the immutable configuration bundle shared by every component.
// All fields are sourced from environment variables at construction.
type Config struct {
	LogLevel   string
	ListenAddr string // Example: ":8080"

	// Externally visible base URL of this proxy, used when rewriting
	// playlist entries back through /enc2. Empty OurDomain disables rewriting.
	OurScheme string
	OurDomain string

	// Upstream call budgets.
	TimeoutConnect time.Duration
	TimeoutRead    time.Duration
	TimeoutWrite   time.Duration
	TimeoutPool    time.Duration

	// Streaming.
	StreamChunkSize int
	StreamTimeout   time.Duration
	MaxRangeSize    int64

	MaxRequestSize  int64
	MaxResponseSize int64
	MaxRedirects    int
	UserAgent       string

	// Upstream proxy pool.
	UseProxy         bool
	ProxyList        []string
	ProxyTestURL     string
	ProxyTestTimeout time.Duration
	MaxProxyRetries  int

	// Inbound queue (waiting room + concurrency cap).
	Queue QueueConfig

	// Classifier vocabularies.
	VideoExtensions []string
	VideoPatterns   []string
	VideoIndicators []string
}

type QueueConfig struct {
	MaxQueue       int
	MaxConcurrent  int
	EnqueueTimeout time.Duration
}

const (
	defaultPort            = 8080
	defaultLogLevel        = "WARNING"
	defaultUserAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	defaultProxyTestURL    = "http://httpbin.org/ip"
	defaultStreamChunkSize = 102400
	defaultMaxRangeSize    = 104857600
	defaultMaxRequestSize  = 10485760
	defaultMaxResponseSize = 52428800
	defaultMaxRedirects    = 5
	defaultMaxQueue        = 1000
	defaultMaxConcurrent   = 100
	defaultEnqueueTimeout  = 2 * time.Second
)

// Load reads environment variables and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:   strings.ToUpper(getEnv("LOG_LEVEL", defaultLogLevel)),
		ListenAddr: fmt.Sprintf(":%d", getEnvInt("PORT", defaultPort)),

		OurScheme: getEnv("OUR_SCHEME", "https"),
		OurDomain: strings.TrimSpace(os.Getenv("OUR_DOMAIN")),

		TimeoutConnect: getEnvSeconds("TIMEOUT_CONNECT", 10),
		TimeoutRead:    getEnvSeconds("TIMEOUT_READ", 60),
		TimeoutWrite:   getEnvSeconds("TIMEOUT_WRITE", 10),
		TimeoutPool:    getEnvSeconds("TIMEOUT_POOL", 10),

		StreamChunkSize: getEnvInt("STREAM_CHUNK_SIZE", defaultStreamChunkSize),
		StreamTimeout:   getEnvSeconds("STREAM_TIMEOUT", 60),
		MaxRangeSize:    getEnvInt64("MAX_RANGE_SIZE", defaultMaxRangeSize),

		MaxRequestSize:  getEnvInt64("MAX_REQUEST_SIZE", defaultMaxRequestSize),
		MaxResponseSize: getEnvInt64("MAX_RESPONSE_SIZE", defaultMaxResponseSize),
		MaxRedirects:    getEnvInt("MAX_REDIRECTS", defaultMaxRedirects),
		UserAgent:       defaultUserAgent,

		UseProxy:         getEnvBool("USE_PROXY", false),
		ProxyList:        splitCSV(os.Getenv("PROXY_LIST")),
		ProxyTestURL:     getEnv("PROXY_TEST_URL", defaultProxyTestURL),
		ProxyTestTimeout: getEnvSeconds("PROXY_TEST_TIMEOUT", 10),
		MaxProxyRetries:  getEnvInt("MAX_PROXY_RETRIES", 3),

		Queue: QueueConfig{
			MaxQueue:       getEnvInt("MAX_QUEUE", defaultMaxQueue),
			MaxConcurrent:  getEnvInt("MAX_CONCURRENT", defaultMaxConcurrent),
			EnqueueTimeout: getEnvDuration("ENQUEUE_TIMEOUT", defaultEnqueueTimeout),
		},

		VideoIndicators: []string{
			"video/", "application/x-mpegurl", "application/vnd.apple.mpegurl",
			"application/dash+xml", "application/vnd.ms-sstr+xml",
		},
		VideoExtensions: []string{
			".mp4", ".m4v", ".mkv", ".webm", ".flv", ".avi",
			".mov", ".wmv", ".mpeg", ".mpg", ".3gp", ".m3u8", ".ts",
		},
		VideoPatterns: []string{
			"/video/", "/stream/", ".m3u8", ".mpd", "/hls/", "/dash/",
			"index.m3u8", "manifest.mpd", "playlist.m3u8", "hls.m3u8",
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	positive := map[string]time.Duration{
		"TIMEOUT_CONNECT":    c.TimeoutConnect,
		"TIMEOUT_READ":       c.TimeoutRead,
		"TIMEOUT_WRITE":      c.TimeoutWrite,
		"TIMEOUT_POOL":       c.TimeoutPool,
		"STREAM_TIMEOUT":     c.StreamTimeout,
		"PROXY_TEST_TIMEOUT": c.ProxyTestTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.StreamChunkSize <= 0 {
		return fmt.Errorf("STREAM_CHUNK_SIZE must be positive")
	}
	if c.MaxRangeSize <= 0 {
		return fmt.Errorf("MAX_RANGE_SIZE must be positive")
	}
	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("MAX_REQUEST_SIZE must be positive")
	}
	if c.MaxResponseSize <= 0 {
		return fmt.Errorf("MAX_RESPONSE_SIZE must be positive")
	}
	if c.MaxRedirects < 0 {
		return fmt.Errorf("MAX_REDIRECTS must be >= 0")
	}
	return nil
}

// Map returns the configuration as a flat map for the /info endpoint.
func (c *Config) Map() map[string]any {
	return map[string]any{
		"log_level":          c.LogLevel,
		"listen_addr":        c.ListenAddr,
		"our_scheme":         c.OurScheme,
		"our_domain":         c.OurDomain,
		"timeout_connect":    c.TimeoutConnect.Seconds(),
		"timeout_read":       c.TimeoutRead.Seconds(),
		"timeout_write":      c.TimeoutWrite.Seconds(),
		"timeout_pool":       c.TimeoutPool.Seconds(),
		"stream_chunk_size":  c.StreamChunkSize,
		"stream_timeout":     c.StreamTimeout.Seconds(),
		"max_range_size":     c.MaxRangeSize,
		"max_request_size":   c.MaxRequestSize,
		"max_response_size":  c.MaxResponseSize,
		"max_redirects":      c.MaxRedirects,
		"user_agent":         c.UserAgent,
		"use_proxy":          c.UseProxy,
		"proxy_list":         c.ProxyList,
		"proxy_test_url":     c.ProxyTestURL,
		"proxy_test_timeout": c.ProxyTestTimeout.Seconds(),
		"max_proxy_retries":  c.MaxProxyRetries,
		"video_extensions":   c.VideoExtensions,
		"video_patterns":     c.VideoPatterns,
		"video_indicators":   c.VideoIndicators,
	}
}

// Retrieves an environment variable or returns the default value.
func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Retrieves a boolean environment variable or returns the default value.
func getEnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}

// Retrieves an integer environment variable or returns the default value.
func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getEnvSeconds reads a floating-point number of seconds.
func getEnvSeconds(key string, def float64) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return time.Duration(def * float64(time.Second))
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Duration(def * float64(time.Second))
	}
	return time.Duration(parsed * float64(time.Second))
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// splitCSV converts a comma-separated list to a slice, dropping empty entries.
func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
