package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != "WARNING" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.StreamChunkSize != 102400 {
		t.Errorf("StreamChunkSize = %d", cfg.StreamChunkSize)
	}
	if cfg.MaxRangeSize != 104857600 {
		t.Errorf("MaxRangeSize = %d", cfg.MaxRangeSize)
	}
	if cfg.TimeoutRead != 60*time.Second {
		t.Errorf("TimeoutRead = %s", cfg.TimeoutRead)
	}
	if cfg.MaxRequestSize != 10485760 || cfg.MaxResponseSize != 52428800 {
		t.Errorf("body caps = %d/%d", cfg.MaxRequestSize, cfg.MaxResponseSize)
	}
	if cfg.UseProxy {
		t.Error("UseProxy must default to false")
	}
	if len(cfg.VideoExtensions) == 0 || len(cfg.VideoPatterns) == 0 || len(cfg.VideoIndicators) == 0 {
		t.Error("classifier vocabularies must be populated")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("USE_PROXY", "true")
	t.Setenv("PROXY_LIST", "1.2.3.4:8080, 5.6.7.8:1080,")
	t.Setenv("TIMEOUT_CONNECT", "2.5")
	t.Setenv("MAX_RANGE_SIZE", "5120")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if !cfg.UseProxy {
		t.Error("UseProxy = false")
	}
	if len(cfg.ProxyList) != 2 || cfg.ProxyList[1] != "5.6.7.8:1080" {
		t.Errorf("ProxyList = %v", cfg.ProxyList)
	}
	if cfg.TimeoutConnect != 2500*time.Millisecond {
		t.Errorf("TimeoutConnect = %s", cfg.TimeoutConnect)
	}
	if cfg.MaxRangeSize != 5120 {
		t.Errorf("MaxRangeSize = %d", cfg.MaxRangeSize)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("STREAM_CHUNK_SIZE", "-1")
	if _, err := Load(); err == nil {
		t.Fatal("negative STREAM_CHUNK_SIZE must fail validation")
	}
}

func TestGetEnvSecondsFallsBackOnGarbage(t *testing.T) {
	t.Setenv("TIMEOUT_READ", "not-a-number")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TimeoutRead != 60*time.Second {
		t.Errorf("TimeoutRead = %s, want default", cfg.TimeoutRead)
	}
}

func TestMapCoversKeyFields(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	m := cfg.Map()
	for _, key := range []string{"listen_addr", "use_proxy", "stream_chunk_size", "max_range_size", "video_extensions"} {
		if _, ok := m[key]; !ok {
			t.Errorf("Map missing %q", key)
		}
	}
}
