package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mirocow/lampatv-proxy/internal/config"
	applog "github.com/Mirocow/lampatv-proxy/internal/log"
	"github.com/Mirocow/lampatv-proxy/internal/proxy"
)

const (
	appName        = "lampatv-proxy"
	appVersion     = "1.0.0"
	appDescription = "streaming reverse proxy with encoded-path routing"
)

func main() {
	// Local .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	applog.SetLevel(cfg.LogLevel)

	factory := proxy.NewClientFactory(cfg)
	pool := proxy.NewPool(cfg, factory)
	prober := proxy.NewProber(cfg, factory, pool)
	streamer := proxy.NewStreamer(cfg, factory, pool)
	processor := proxy.NewProcessor(cfg, factory, pool)
	rewriter := proxy.NewPlaylistRewriter(cfg)
	dispatcher := proxy.NewDispatcher(cfg, prober)
	handler := proxy.NewHandler(cfg, dispatcher, streamer, processor, rewriter)

	// Proxy validation runs in the background so startup is not gated on
	// slow liveness probes.
	if cfg.UseProxy && len(cfg.ProxyList) > 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			for _, endpoint := range pool.Validate(ctx, cfg.ProxyList) {
				pool.Add(endpoint)
			}
			applog.Infof("server", "proxy pool ready: %d working", pool.Len())
		}()
	}

	mux := newServerMux(cfg, pool, factory, handler)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withServerHeaders(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Listening on %s, proxy_pool=%v stream_chunk=%d max_range=%d queue(max=%d,concurrent=%d)",
			cfg.ListenAddr, cfg.UseProxy, cfg.StreamChunkSize, cfg.MaxRangeSize,
			cfg.Queue.MaxQueue, cfg.Queue.MaxConcurrent)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	applog.Infof("server", "shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	factory.Cleanup()
}

// newServerMux assembles the HTTP surface: auxiliary endpoints plus the
// proxy catch-all wrapped in queue, request-id and logging middleware.
func newServerMux(cfg *config.Config, pool *proxy.Pool, factory *proxy.ClientFactory, handler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   appVersion,
		})
	})

	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"config":     cfg.Map(),
			"proxy_pool": pool.Stats(),
			"clients":    factory.CacheInfo(),
		})
	})

	mux.HandleFunc("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	chained := proxy.WithQueue(
		proxy.WithRequestID(
			applog.WithRequestLogging(handler)),
		cfg.Queue)

	mux.Handle("/", rootOrProxy(chained))
	return mux
}

// rootOrProxy answers GET / with a small banner and hands every other path
// to the proxy handler.
func rootOrProxy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			writeJSON(w, http.StatusOK, map[string]any{
				"name":        appName,
				"version":     appVersion,
				"description": appDescription,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withServerHeaders adds a consistent Server header to every response.
func withServerHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", appName+"/"+appVersion)
		next.ServeHTTP(w, r)
	})
}
