package proxy

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mirocow/lampatv-proxy/internal/config"
)

func TestQueuePassesThrough(t *testing.T) {
	handler := WithQueue(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), config.QueueConfig{MaxQueue: 4, MaxConcurrent: 2, EnqueueTimeout: time.Second})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestQueueRejectsWhenFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 8)

	handler := WithQueue(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-block
	}), config.QueueConfig{MaxQueue: 1, MaxConcurrent: 1, EnqueueTimeout: 5 * time.Second})

	var wg sync.WaitGroup
	// First request occupies the single active slot.
	wg.Add(1)
	go func() {
		defer wg.Done()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}()
	<-started

	// Second request fills the single queue slot.
	wg.Add(1)
	go func() {
		defer wg.Done()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}()

	// Give the second request time to enqueue, then overflow.
	time.Sleep(50 * time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	var rec *httptest.ResponseRecorder
	for time.Now().Before(deadline) {
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code == http.StatusTooManyRequests {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("overflow status = %d, want 429", rec.Code)
	}

	close(block)
	wg.Wait()
}

func TestQueueTimesOutWaiting(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})

	handler := WithQueue(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-block
	}), config.QueueConfig{MaxQueue: 4, MaxConcurrent: 1, EnqueueTimeout: 50 * time.Millisecond})

	go handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	<-started

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestQueueRecoversSlotsAfterTimeouts(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	var calls int64

	handler := WithQueue(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			close(started)
			<-block
		}
		w.WriteHeader(http.StatusNoContent)
	}), config.QueueConfig{MaxQueue: 8, MaxConcurrent: 1, EnqueueTimeout: 20 * time.Millisecond})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}()
	<-started

	// Every waiter times out while the single slot is held. None of these
	// may strand the slot, even when the timeout races the handoff.
	for i := 0; i < 20; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("waiter %d: status = %d, want 503", i, rec.Code)
		}
	}

	close(block)
	wg.Wait()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("post-release status = %d, want 204", rec.Code)
	}
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	var seen string
	handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Request-ID")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" {
		t.Fatal("request ID must be generated")
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Error("request ID must be echoed on the response")
	}
}

func TestRequestIDPreserved(t *testing.T) {
	handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-chosen")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-ID") != "client-chosen" {
		t.Error("existing request ID must be preserved")
	}
}
