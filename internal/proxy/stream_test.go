package proxy

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestStreamer() *Streamer {
	c := testConfig()
	factory := NewClientFactory(c)
	pool := NewPool(c, factory)
	return NewStreamer(c, factory, pool)
}

// mediaOrigin serves a deterministic file with native Range handling.
func mediaOrigin(t *testing.T, size int) *httptest.Server {
	t.Helper()
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		http.ServeContent(w, r, "sample.mp4", epoch, bytes.NewReader(payload))
	}))
}

func TestStreamerRangedSlice(t *testing.T) {
	origin := mediaOrigin(t, 2048)
	defer origin.Close()

	streamer := newTestStreamer()
	info := ContentInfo{ContentType: "video/mp4", ContentLength: 2048, AcceptRanges: "bytes"}

	plan, err := streamer.Prepare(context.Background(), origin.URL+"/sample.mp4",
		http.Header{}, "bytes=0-1023", info)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Abort {
		t.Fatal("unexpected abort")
	}
	if plan.Status != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", plan.Status)
	}
	if got := plan.Header.Get("Content-Range"); got != "bytes 0-1023/2048" {
		t.Errorf("Content-Range = %q", got)
	}
	if got := plan.Header.Get("Content-Length"); got != "1024" {
		t.Errorf("Content-Length = %q", got)
	}

	var buf bytes.Buffer
	plan.Serve(context.Background(), &buf, nil)
	if buf.Len() != 1024 {
		t.Fatalf("streamed %d bytes, want 1024", buf.Len())
	}
	// First and last bytes of the slice follow the deterministic pattern.
	if buf.Bytes()[0] != 0 || buf.Bytes()[1023] != byte(1023%251) {
		t.Error("streamed bytes do not match source pattern")
	}
}

func TestStreamerFullBody(t *testing.T) {
	origin := mediaOrigin(t, 1536)
	defer origin.Close()

	streamer := newTestStreamer()
	info := ContentInfo{ContentType: "video/mp4", ContentLength: 1536, AcceptRanges: "bytes"}

	plan, err := streamer.Prepare(context.Background(), origin.URL+"/sample.mp4",
		http.Header{}, "", info)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", plan.Status)
	}
	if plan.Header.Get("Content-Range") != "" {
		t.Error("full body must not carry Content-Range")
	}

	var buf bytes.Buffer
	plan.Serve(context.Background(), &buf, nil)
	if buf.Len() != 1536 {
		t.Fatalf("streamed %d bytes, want 1536", buf.Len())
	}
}

func TestStreamerClampNarrowsSpan(t *testing.T) {
	origin := mediaOrigin(t, 10240)
	defer origin.Close()

	streamer := newTestStreamer()
	streamer.cfg.MaxRangeSize = 5120
	info := ContentInfo{ContentType: "video/mp4", ContentLength: 10240, AcceptRanges: "bytes"}

	plan, err := streamer.Prepare(context.Background(), origin.URL+"/sample.mp4",
		http.Header{}, "bytes=0-", info)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Status != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", plan.Status)
	}
	if got := plan.Header.Get("Content-Range"); got != "bytes 0-5119/10240" {
		t.Errorf("Content-Range = %q", got)
	}

	var buf bytes.Buffer
	plan.Serve(context.Background(), &buf, nil)
	if buf.Len() != 5120 {
		t.Fatalf("streamed %d bytes, want 5120", buf.Len())
	}
}

func TestStreamerRangedUnknownSize(t *testing.T) {
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	// Upstream ignores Range and never reveals a total size.
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	}))
	defer origin.Close()

	streamer := newTestStreamer()
	plan, err := streamer.Prepare(context.Background(), origin.URL+"/live.mp4",
		http.Header{}, "bytes=100-", ContentInfo{ContentType: "video/mp4"})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Abort {
		t.Fatal("unexpected abort")
	}
	if plan.Status != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", plan.Status)
	}
	if got := plan.Header.Get("Content-Range"); got != "" {
		t.Errorf("Content-Range = %q, want unset for unknown size", got)
	}
	if got := plan.Header.Get("Content-Length"); got != "" {
		t.Errorf("Content-Length = %q, want unset for unknown size", got)
	}

	var buf bytes.Buffer
	plan.Serve(context.Background(), &buf, nil)
	if buf.Len() != 512 {
		t.Fatalf("streamed %d bytes, want 512", buf.Len())
	}
}

func TestStreamerAbortsOnUpstreamError(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer origin.Close()

	streamer := newTestStreamer()
	plan, err := streamer.Prepare(context.Background(), origin.URL+"/gone.mp4",
		http.Header{}, "bytes=0-100", ContentInfo{ContentLength: 2048})
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Abort {
		t.Fatal("expected silent abort on upstream 404")
	}
}

func TestStreamerClientCancellation(t *testing.T) {
	origin := mediaOrigin(t, 1<<20)
	defer origin.Close()

	streamer := newTestStreamer()
	info := ContentInfo{ContentType: "video/mp4", ContentLength: 1 << 20, AcceptRanges: "bytes"}

	ctx, cancel := context.WithCancel(context.Background())
	plan, err := streamer.Prepare(ctx, origin.URL+"/sample.mp4", http.Header{}, "", info)
	if err != nil {
		t.Fatal(err)
	}

	cancel()
	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		plan.Serve(ctx, &buf, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancellation")
	}
}

func TestOutboundHeadersCanonicalized(t *testing.T) {
	streamer := newTestStreamer()
	inbound := http.Header{}
	inbound.Set("Range", "bytes=0-1")
	inbound.Set("Host", "client.example")
	inbound.Set("Accept-Encoding", "gzip")
	inbound.Set("Cookie", "a=1")

	out := streamer.outboundHeaders(inbound)
	if out.Get("Range") != "" || out.Get("Host") != "" {
		t.Error("Range/Host must be dropped")
	}
	if out.Get("Accept") != "*/*" {
		t.Errorf("Accept = %q", out.Get("Accept"))
	}
	if out.Get("Accept-Encoding") != "identity" {
		t.Errorf("Accept-Encoding = %q", out.Get("Accept-Encoding"))
	}
	if out.Get("Cookie") != "a=1" {
		t.Error("client headers must be preserved")
	}
}
