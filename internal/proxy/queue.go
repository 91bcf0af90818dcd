package proxy

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Mirocow/lampatv-proxy/internal/config"
	imetrics "github.com/Mirocow/lampatv-proxy/internal/metrics"
)

// WithQueue is an admission-control middleware: at most MaxConcurrent
// requests run at once and at most MaxQueue wait for a slot. A full queue
// answers 429; waiting longer than EnqueueTimeout answers 503. Streaming
// requests hold their slot for the whole transfer.
func WithQueue(next http.Handler, cfg config.QueueConfig) http.Handler {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 1024
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 128
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 2 * time.Second
	}

	waiters := make(chan struct{}, cfg.MaxQueue)
	active := make(chan struct{}, cfg.MaxConcurrent)
	var depth int64

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		select {
		case waiters <- struct{}{}:
		default:
			imetrics.QueueRejectedInc()
			http.Error(w, "queue full, try again later", http.StatusTooManyRequests)
			return
		}

		queued := true
		imetrics.QueueDepthSet(atomic.AddInt64(&depth, 1))
		defer func() {
			if queued {
				<-waiters
				imetrics.QueueDepthSet(atomic.AddInt64(&depth, -1))
			}
		}()

		// The slot acquisition runs in a cancelable goroutine so that a
		// timeout or client disconnect never leaks an active slot.
		ctx := r.Context()
		acquireCtx, cancelAcquire := context.WithCancel(ctx)
		defer cancelAcquire()

		// slotCh is unbuffered: a slot won after the waiter already gave up
		// has no receiver, so the goroutine must release it again.
		slotCh := make(chan struct{})
		go func() {
			select {
			case active <- struct{}{}:
				select {
				case slotCh <- struct{}{}:
				case <-acquireCtx.Done():
					<-active
				}
			case <-acquireCtx.Done():
			}
		}()

		timer := time.NewTimer(cfg.EnqueueTimeout)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			cancelAcquire()
			imetrics.QueueWaitObserve(time.Since(start))
			failQueue(w, ctx.Err())
			return

		case <-timer.C:
			cancelAcquire()
			imetrics.QueueTimeoutsInc()
			imetrics.QueueWaitObserve(time.Since(start))
			failQueue(w, context.DeadlineExceeded)
			return

		case <-slotCh:
		}

		<-waiters
		imetrics.QueueDepthSet(atomic.AddInt64(&depth, -1))
		queued = false
		defer func() { <-active }()

		imetrics.QueueWaitObserve(time.Since(start))
		next.ServeHTTP(w, r)
	})
}

func failQueue(w http.ResponseWriter, err error) {
	msg := "request cancelled while waiting in queue"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "timed out while waiting in queue"
	}
	http.Error(w, msg, http.StatusServiceUnavailable)
}
