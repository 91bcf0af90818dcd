package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Mirocow/lampatv-proxy/internal/config"
	applog "github.com/Mirocow/lampatv-proxy/internal/log"
	imetrics "github.com/Mirocow/lampatv-proxy/internal/metrics"
)

const (
	streamTimeoutDirect   = 10.0
	streamTimeoutViaProxy = 30.0
)

// hopByHopHeaders never cross the proxy in either direction.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// StreamPlan is a prepared streaming response: the frame to send downstream
// plus a Serve function that pumps the body. Serve owns the upstream body
// and always closes it.
type StreamPlan struct {
	Status int
	Header http.Header
	Serve  func(ctx context.Context, w io.Writer, flush func())
	Abort  bool // upstream answered with an error status; send nothing
}

// Streamer relays video bodies chunk by chunk with Range support.
type Streamer struct {
	cfg     *config.Config
	factory *ClientFactory
	proxies Selector
}

func NewStreamer(cfg *config.Config, factory *ClientFactory, proxies Selector) *Streamer {
	return &Streamer{cfg: cfg, factory: factory, proxies: proxies}
}

// Prepare issues the upstream GET and computes the downstream frame. info is
// the probe outcome for the same target; rangeHeader is the raw inbound
// Range value.
func (s *Streamer) Prepare(ctx context.Context, target string, inbound http.Header, rangeHeader string, info ContentInfo) (*StreamPlan, error) {
	fileSize := info.ContentLength
	parsed, explicit := ParseRange(rangeHeader, fileSize, s.cfg.MaxRangeSize)

	// Range mode: the client asked for a slice, or the clamp narrowed the
	// full span, so the upstream request must be ranged too.
	rangeMode := explicit || parsed.Start > 0 ||
		(fileSize > 0 && parsed.End < fileSize-1)

	selected := ""
	multiplier := streamTimeoutDirect
	if s.proxies.Available() {
		if endpoint, ok := s.proxies.Pick(); ok {
			selected = endpoint
			multiplier = streamTimeoutViaProxy
		}
	}

	client, release, err := s.factory.Acquire(ClientOptions{
		FollowRedirects: true,
		VerifyTLS:       false,
		Proxy:           selected,
		Timeouts:        s.factory.DefaultTimeouts().Scaled(multiplier),
		Stream:          true,
	})
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, badRequestf("building stream request: %v", err)
	}
	copyHeader(req.Header, s.outboundHeaders(inbound))
	if rangeMode {
		req.Header.Set("Range", outboundRangeValue(parsed, fileSize))
	}

	resp, err := client.Do(req)
	if err != nil {
		if selected != "" {
			s.proxies.Fail(selected)
		}
		return nil, transportError("stream request failed", err)
	}
	if selected != "" {
		s.proxies.Succeed(selected)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		// The client is mid-playback; an error frame would corrupt the
		// player state, so the connection is just dropped.
		applog.Warnf("video-streamer", "upstream error %d for %s, aborting stream", resp.StatusCode, target)
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return &StreamPlan{Abort: true}, nil
	}

	status, header := s.frame(resp, parsed, fileSize, rangeMode, info)
	body := resp.Body

	// Expected byte count bounds the pump; 0 means read until EOF.
	expected := parseContentRangeSpan(resp.Header.Get("Content-Range"))
	if expected == 0 {
		expected = parsePositiveInt(resp.Header.Get("Content-Length"))
	}

	plan := &StreamPlan{
		Status: status,
		Header: header,
		Serve: func(ctx context.Context, w io.Writer, flush func()) {
			s.pump(ctx, body, w, flush, selected, expected)
		},
	}
	return plan, nil
}

// frame computes the downstream status and headers from the upstream
// response and the resolved range.
func (s *Streamer) frame(resp *http.Response, parsed ParsedRange, fileSize int64, rangeMode bool, info ContentInfo) (int, http.Header) {
	header := http.Header{}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = info.ContentType
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	header.Set("Accept-Ranges", "bytes")
	header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "*")

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		header.Set("Content-Range", resp.Header.Get("Content-Range"))
		if span := parseContentRangeSpan(resp.Header.Get("Content-Range")); span > 0 {
			header.Set("Content-Length", strconv.FormatInt(span, 10))
		} else if cl := resp.Header.Get("Content-Length"); cl != "" {
			header.Set("Content-Length", cl)
		}
		return http.StatusPartialContent, header

	case rangeMode && fileSize > 0:
		// Upstream ignored the Range header; synthesize the 206 frame. The
		// pump still forwards whatever bytes upstream sends.
		header.Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", parsed.Start, parsed.End, fileSize))
		header.Set("Content-Length", strconv.FormatInt(parsed.Span(), 10))
		return http.StatusPartialContent, header

	case rangeMode:
		// Ranged request against an unknown total: 206 with neither
		// Content-Range nor Content-Length, the body runs until EOF.
		return http.StatusPartialContent, header

	default:
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			header.Set("Content-Length", cl)
		} else if fileSize > 0 {
			header.Set("Content-Length", strconv.FormatInt(fileSize, 10))
		}
		return http.StatusOK, header
	}
}

// pump copies the body downstream in fixed-size chunks, flushing after each
// write. A stalled upstream read is cut by the idle watchdog.
func (s *Streamer) pump(ctx context.Context, body io.ReadCloser, w io.Writer, flush func(), selected string, expected int64) {
	defer body.Close()

	imetrics.StreamStarted()
	defer imetrics.StreamFinished()

	guarded := newIdleReader(body, s.cfg.StreamTimeout)
	defer guarded.Stop()

	buf := make([]byte, s.cfg.StreamChunkSize)
	var total int64
	for {
		if ctx.Err() != nil {
			applog.Debugf("video-streamer", "client disconnected after %d bytes", total)
			return
		}
		n, err := guarded.Read(buf)
		if n > 0 {
			if expected > 0 && total+int64(n) > expected {
				n = int(expected - total)
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				applog.Debugf("video-streamer", "downstream write failed after %d bytes: %v", total, werr)
				return
			}
			total += int64(n)
			imetrics.AddStreamBytes(int64(n))
			if flush != nil {
				flush()
			}
			if expected > 0 && total >= expected {
				applog.Debugf("video-streamer", "stream complete: %d bytes", total)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				applog.Warnf("video-streamer", "upstream read failed after %d bytes: %v", total, err)
				if selected != "" && isTimeout(err) {
					s.proxies.Fail(selected)
				}
			}
			return
		}
	}
}

// outboundHeaders canonicalizes the inbound headers for the upstream GET:
// hop-by-hop and framing headers are dropped, Accept is widened and
// compression is disabled so byte offsets stay meaningful.
func (s *Streamer) outboundHeaders(inbound http.Header) http.Header {
	out := http.Header{}
	copyHeader(out, inbound)
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	out.Del("Host")
	out.Del("Content-Length")
	out.Del("Range")
	out.Set("Accept", "*/*")
	out.Set("Accept-Encoding", "identity")
	if out.Get("User-Agent") == "" {
		out.Set("User-Agent", s.cfg.UserAgent)
	}
	return out
}

// outboundRangeValue renders the upstream Range header. Against an unknown
// size the end is left open.
func outboundRangeValue(r ParsedRange, fileSize int64) string {
	if fileSize <= 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// idleReader wraps a ReadCloser with an inactivity watchdog: if no Read
// completes within the timeout the underlying body is closed, failing the
// blocked Read.
type idleReader struct {
	rc      io.ReadCloser
	timeout time.Duration

	mu    sync.Mutex
	timer *time.Timer
	done  bool
}

func newIdleReader(rc io.ReadCloser, timeout time.Duration) *idleReader {
	r := &idleReader{rc: rc, timeout: timeout}
	if timeout > 0 {
		r.timer = time.AfterFunc(timeout, r.cut)
	}
	return r
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	r.mu.Lock()
	if r.timer != nil && !r.done {
		r.timer.Reset(r.timeout)
	}
	r.mu.Unlock()
	return n, err
}

func (r *idleReader) cut() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.rc.Close()
}

// Stop disarms the watchdog. Safe to call multiple times.
func (r *idleReader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	if r.timer != nil {
		r.timer.Stop()
	}
}
