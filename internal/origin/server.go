package origin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// mediaSize is the size of the synthetic video file. Large enough to
// exercise range clamping against realistic player requests.
const mediaSize = 4 << 20

// syntheticMedia builds a deterministic byte pattern so any served range can
// be verified by offset alone.
func syntheticMedia() []byte {
	buf := make([]byte, mediaSize)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

var mediaEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Start boots the demo origin on addr: a ranged MP4, an HLS playlist with
// segments, a JSON echo and a redirect chain. It exists so the proxy can be
// exercised end to end without external hosts.
func Start(addr string) error {
	media := syntheticMedia()

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("REQ method=%s url=%s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Ranged video endpoint. ServeContent handles Range/If-Range natively.
	mux.HandleFunc("/media/sample.mp4", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("REQ method=%s url=%s range=%q", r.Method, r.URL.Path, r.Header.Get("Range"))
		w.Header().Set("Content-Type", "video/mp4")
		http.ServeContent(w, r, "sample.mp4", mediaEpoch, bytes.NewReader(media))
	})

	mux.HandleFunc("/hls/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("REQ method=%s url=%s", r.Method, r.URL.Path)
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n")
		for i := 0; i < 3; i++ {
			fmt.Fprintf(&b, "#EXTINF:10.0,\n/hls/segment%d.ts\n", i)
		}
		b.WriteString("#EXT-X-ENDLIST\n")
		_, _ = w.Write([]byte(b.String()))
	})

	mux.HandleFunc("/hls/", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("REQ method=%s url=%s", r.Method, r.URL.Path)
		if !strings.HasSuffix(r.URL.Path, ".ts") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = w.Write(media[:64<<10])
	})

	// JSON echo: method, headers and form fields come back to the caller.
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("REQ method=%s url=%s", r.Method, r.URL.Path)
		_ = r.ParseForm()
		writeJSON(w, http.StatusOK, map[string]any{
			"method": r.Method,
			"query":  r.URL.Query(),
			"form":   r.PostForm,
			"now":    time.Now().Format(time.RFC3339Nano),
		})
	})

	// Redirect chain: /redirect/3 -> /redirect/2 -> ... -> /json.
	mux.HandleFunc("/redirect/", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("REQ method=%s url=%s", r.Method, r.URL.Path)
		n, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/redirect/"))
		if err != nil || n < 0 {
			http.NotFound(w, r)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: fmt.Sprintf("hop%d", n), Value: "1"})
		if n <= 1 {
			http.Redirect(w, r, "/json", http.StatusFound)
			return
		}
		http.Redirect(w, r, fmt.Sprintf("/redirect/%d", n-1), http.StatusFound)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("REQ method=%s url=%s", r.Method, r.URL.Path)
		_, _ = w.Write([]byte("Demo origin is running.\n"))
	})

	// Acquire the listener first so "address in use" can fall back to an
	// ephemeral port.
	l, err := net.Listen("tcp", addr)
	if err != nil && errors.Is(err, syscall.EADDRINUSE) {
		fallback := addrWithPortZero(addr)
		log.Printf("Address %q in use, retrying on %q", addr, fallback)
		l, err = net.Listen("tcp", fallback)
	}
	if err != nil {
		return err
	}
	log.Printf("Demo origin listening on %s", l.Addr().String())
	return http.Serve(l, withServerHeaders(mux))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withServerHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "demo-origin/0.1")
		next.ServeHTTP(w, r)
	})
}

// addrWithPortZero returns the same host with port 0 (ephemeral).
func addrWithPortZero(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return ":0"
	}
	return net.JoinHostPort(host, "0")
}
