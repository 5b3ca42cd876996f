// Package transport builds the *http.Client values used behind
// crawler.Context.SendRequest (spec.md §4.9, a domain-stack extension
// SPEC_FULL.md adds on top of spec.md's core scope).
//
// Grounded on the teacher's client package: each client built by
// Factory.New gets its own *http.Transport rather than sharing the
// package-level default. Factory.DialFunc caches one client per proxy URL,
// so sessions that resolve to the same proxy share that client and its
// connection pool.
// Cookie handling is deliberately left out of the http.Client (no Jar is
// set) — session.Session already owns a cookiejar.Jar, and
// crawler.Context.SendRequest copies cookies to and from it explicitly, so
// there is exactly one place cookies live, not two.
package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/crawlee-go/crawlee/config"
	"github.com/crawlee-go/crawlee/fingerprint"
	"github.com/crawlee-go/crawlee/internal/xlog"
)

// Factory builds *http.Client values scoped to one Session at a time.
type Factory struct {
	cfg     config.TransportConfig
	profile *fingerprint.Profile // nil disables TLS/H2 impersonation
	log     *xlog.Logger
}

// NewFactory returns a Factory. Pass a non-nil profile (fingerprint.ChromeProfile()
// or fingerprint.FirefoxProfile()) only when config.Configuration.ImpersonateTLS
// is set; a nil profile produces a plain, unimpersonated transport.
func NewFactory(cfg config.TransportConfig, profile *fingerprint.Profile, log *xlog.Logger) *Factory {
	return &Factory{cfg: cfg, profile: profile, log: log}
}

// New builds a client for one Session, optionally dialing through proxyURL
// (empty means direct). The returned client's Transport enforces
// cfg.RequestsPerSecond, independent of AutoscaledPool's crawl-wide
// concurrency control.
func (f *Factory) New(proxyURL string) (*http.Client, error) {
	var rt http.RoundTripper
	var err error

	if f.profile != nil && proxyURL == "" {
		rt, err = f.impersonatedRoundTripper()
	} else {
		var t *http.Transport
		t, err = f.plainTransport(proxyURL)
		if err == nil && f.profile != nil {
			// A proxy was requested alongside impersonation: uTLS dialing
			// through a CONNECT proxy isn't wired (see DESIGN.md), so fall
			// back to the stdlib TLS stack but keep the profile's header
			// set and cipher/version coherence.
			f.profile.ApplyToTransport(t)
			rt = &headerRoundTripper{rt: t, headers: orderedHeadersFromProfile(f.profile)}
		} else {
			rt = t
		}
	}
	if err != nil {
		return nil, err
	}

	if f.cfg.RequestsPerSecond > 0 {
		rt = newRateLimitedRoundTripper(rt, f.cfg.RequestsPerSecond, f.cfg.Burst)
	}

	return &http.Client{
		Transport: rt,
		Timeout:   f.cfg.RequestTimeout,
	}, nil
}

// plainTransport builds an *http.Transport tuned per cfg (teacher's
// client.buildTransport: explicit pool limits instead of the shared
// default, so one session can never starve another of idle connections).
func (f *Factory) plainTransport(proxyURL string) (*http.Transport, error) {
	t := &http.Transport{
		MaxIdleConns:          orDefaultInt(f.cfg.MaxIdleConns, 100),
		MaxIdleConnsPerHost:   orDefaultInt(f.cfg.MaxIdleConnsPerHost, 10),
		MaxConnsPerHost:       f.cfg.MaxConnsPerHost,
		IdleConnTimeout:       orDefaultDuration(f.cfg.IdleConnTimeout, 90*time.Second),
		TLSHandshakeTimeout:   orDefaultDuration(f.cfg.TLSHandshakeTimeout, 10*time.Second),
		ExpectContinueTimeout: time.Second,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("transport: parse proxy URL %q: %w", proxyURL, err)
		}
		t.Proxy = http.ProxyURL(u)
	}
	return t, nil
}

// proxyHeader is the sentinel crawler.Context.SendRequest attaches to carry
// the session's resolved proxy URL down to the crawler.Options.SendRequest
// function, which otherwise only sees a plain *http.Request.
const proxyHeader = "X-Crawlee-Proxy"

// DialFunc returns a crawler.Options.SendRequest-compatible function backed
// by f. Clients are cached per proxy URL (sessions that resolve to the same
// proxy, per proxyconfig.Configuration's rotation, share one transport);
// the empty string key serves direct (no-proxy) requests.
func (f *Factory) DialFunc() func(*http.Request) (*http.Response, error) {
	var mu sync.Mutex
	clients := make(map[string]*http.Client)

	return func(req *http.Request) (*http.Response, error) {
		proxyURL := req.Header.Get(proxyHeader)
		req.Header.Del(proxyHeader)

		mu.Lock()
		c, ok := clients[proxyURL]
		if !ok {
			var err error
			c, err = f.New(proxyURL)
			if err != nil {
				mu.Unlock()
				return nil, err
			}
			clients[proxyURL] = c
		}
		mu.Unlock()

		return c.Do(req)
	}
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}
