package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/Mirocow/lampatv-proxy/internal/config"
	applog "github.com/Mirocow/lampatv-proxy/internal/log"
)

// Timeouts carries the four upstream call budgets.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
	Pool    time.Duration
}

// Scaled multiplies every budget, used for probe/stream/validation calls.
func (t Timeouts) Scaled(multiplier float64) Timeouts {
	scale := func(d time.Duration) time.Duration {
		return time.Duration(float64(d) * multiplier)
	}
	return Timeouts{
		Connect: scale(t.Connect),
		Read:    scale(t.Read),
		Write:   scale(t.Write),
		Pool:    scale(t.Pool),
	}
}

func (t Timeouts) isZero() bool {
	return t.Connect == 0 && t.Read == 0 && t.Write == 0 && t.Pool == 0
}

// total is the overall budget applied to non-streaming requests.
func (t Timeouts) total() time.Duration {
	return t.Connect + t.Read + t.Write
}

// ClientOptions selects the transport behavior for one acquisition.
type ClientOptions struct {
	FollowRedirects bool
	VerifyTLS       bool
	Proxy           string // normalized endpoint, empty = direct
	Timeouts        Timeouts
	Stream          bool // no overall deadline; body is read chunk by chunk
	MaxRedirects    int  // cap for the follow case; 0 = factory default
}

// ClientFactory builds per-request HTTP clients with per-call timeout,
// proxy, TLS and redirect policy. Transports are cached by options
// signature so connection pools survive across requests; Cleanup drains
// them all.
type ClientFactory struct {
	cfg *config.Config

	mu         sync.Mutex
	transports map[string]*http.Transport
}

func NewClientFactory(cfg *config.Config) *ClientFactory {
	return &ClientFactory{
		cfg:        cfg,
		transports: make(map[string]*http.Transport),
	}
}

// DefaultTimeouts returns the configured budgets at multiplier 1.
func (f *ClientFactory) DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect: f.cfg.TimeoutConnect,
		Read:    f.cfg.TimeoutRead,
		Write:   f.cfg.TimeoutWrite,
		Pool:    f.cfg.TimeoutPool,
	}
}

// Acquire returns a client honoring opts plus a release function that must
// be called on every exit path. Released transports stay pooled until
// Cleanup.
func (f *ClientFactory) Acquire(opts ClientOptions) (*http.Client, func(), error) {
	if opts.Timeouts.isZero() {
		opts.Timeouts = f.DefaultTimeouts()
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = f.cfg.MaxRedirects
	}

	transport, err := f.transport(opts)
	if err != nil {
		return nil, nil, err
	}

	client := &http.Client{Transport: transport}
	if !opts.Stream {
		client.Timeout = opts.Timeouts.total()
	}
	if opts.FollowRedirects {
		limit := opts.MaxRedirects
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	} else {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	// Transports are shared; the pooled connections are reclaimed in
	// Cleanup, so release is a no-op today but stays in the contract.
	release := func() {}
	return client, release, nil
}

func (f *ClientFactory) transport(opts ClientOptions) (*http.Transport, error) {
	key := transportKey(opts)

	f.mu.Lock()
	if tr, ok := f.transports[key]; ok {
		f.mu.Unlock()
		return tr, nil
	}
	f.mu.Unlock()

	tr, err := f.buildTransport(opts)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.transports[key]; ok {
		tr.CloseIdleConnections()
		return existing, nil
	}
	f.transports[key] = tr
	return tr, nil
}

func (f *ClientFactory) buildTransport(opts ClientOptions) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   opts.Timeouts.Connect,
		KeepAlive: 30 * time.Second,
	}

	tr := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.Timeouts.Connect,
		ResponseHeaderTimeout: opts.Timeouts.Read,
		IdleConnTimeout:       opts.Timeouts.Pool,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		ForceAttemptHTTP2:     true,
	}
	if !opts.VerifyTLS {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
		tr.ForceAttemptHTTP2 = false
	}

	if opts.Proxy == "" {
		return tr, nil
	}

	proxyURL, err := url.Parse(opts.Proxy)
	if err != nil {
		return nil, transportError("invalid proxy endpoint", err)
	}

	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		var auth *xproxy.Auth
		if user := proxyURL.User; user != nil {
			password, _ := user.Password()
			auth = &xproxy.Auth{User: user.Username(), Password: password}
		}
		socksDialer, err := xproxy.SOCKS5("tcp", proxyURL.Host, auth, dialer)
		if err != nil {
			return nil, transportError("building SOCKS5 dialer", err)
		}
		if cd, ok := socksDialer.(xproxy.ContextDialer); ok {
			tr.DialContext = cd.DialContext
		} else {
			tr.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return socksDialer.Dial(network, addr)
			}
		}
	default:
		// HTTP(S) proxies, including CONNECT tunneling for https targets.
		tr.Proxy = http.ProxyURL(proxyURL)
	}
	applog.Debugf("http-factory", "using upstream proxy: %s", opts.Proxy)
	return tr, nil
}

// transportKey folds every option that shapes a transport into a cache key.
func transportKey(opts ClientOptions) string {
	return fmt.Sprintf("%s|verify=%t|stream=%t|c=%s|r=%s|w=%s|p=%s",
		opts.Proxy, opts.VerifyTLS, opts.Stream,
		opts.Timeouts.Connect, opts.Timeouts.Read, opts.Timeouts.Write, opts.Timeouts.Pool)
}

// CacheInfo reports the transport cache for the /info endpoint.
func (f *ClientFactory) CacheInfo() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]any{
		"cached_transports": len(f.transports),
	}
}

// Cleanup drains every pooled transport. Called on shutdown.
func (f *ClientFactory) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, tr := range f.transports {
		tr.CloseIdleConnections()
		applog.Debugf("http-factory", "closed cached transport: %s", key)
		delete(f.transports, key)
	}
}
