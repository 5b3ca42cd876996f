package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/crawlee-go/crawlee/cookiejar"
	"github.com/crawlee-go/crawlee/internal/xlog"
	"github.com/crawlee-go/crawlee/payload"
	"github.com/crawlee-go/crawlee/request"
	"github.com/crawlee-go/crawlee/session"
	"github.com/crawlee-go/crawlee/storage"
)

// Context is the per-request value passed to RequestHandlerFunc,
// ErrorHandlerFunc, and FailedRequestHandlerFunc — spec.md §4.7's
// "{ request, session?, proxyInfo?, crawler, log, sendRequest, pushData,
// getKeyValueStore, useState, enqueueLinks }".
type Context struct {
	Request  *request.Request
	Session  *session.Session
	ProxyURL string
	Crawler  *Crawler
}

// Log returns the crawler's configured logger.
func (c *Context) Log() *xlog.Logger { return c.Crawler.opts.Log }

// SendRequest performs req via the crawler's configured HTTP do function
// (spec.md §4.7's `sendRequest`), attaching the acquired session's cookies
// and the resolved proxy if present. Handlers that need more control (a
// custom transport, streaming body) should use their own client instead;
// this is the convenience path for the common case.
func (c *Context) SendRequest(req *http.Request) (*http.Response, error) {
	if c.Session != nil {
		for _, ck := range c.Session.CookieJar().Get(req.URL.Hostname()) {
			req.AddCookie(&http.Cookie{Name: ck.Name, Value: ck.Value})
		}
	}
	if c.ProxyURL != "" {
		req.Header.Set("X-Crawlee-Proxy", c.ProxyURL) // transport layer resolves actual dialing
	}
	resp, err := c.Crawler.opts.SendRequest(req)
	if err != nil {
		return nil, err
	}
	if c.Session != nil {
		for _, sc := range resp.Cookies() {
			c.Session.CookieJar().Set(toJarCookie(sc, req.URL.Hostname()))
		}
	}
	return resp, nil
}

// toJarCookie converts a net/http response cookie into the backend-neutral
// cookiejar.Cookie record, defaulting Domain to host when the Set-Cookie
// header didn't specify one.
func toJarCookie(c *http.Cookie, host string) cookiejar.Cookie {
	domain := c.Domain
	if domain == "" {
		domain = host
	}
	jc := cookiejar.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   domain,
		Path:     c.Path,
		HTTPOnly: c.HttpOnly,
		Secure:   c.Secure,
	}
	if !c.Expires.IsZero() {
		exp := c.Expires
		jc.Expires = &exp
	}
	return jc
}

// SolveJSChallenge evaluates script in an in-process JS VM scoped to the
// current session (or a shared sessionless one, if Sessions isn't
// configured) and returns the final expression's string value. Useful for
// lightweight anti-bot math/cookie-seeding challenges that don't warrant a
// real browser.
func (c *Context) SolveJSChallenge(script string) (string, error) {
	id, ua := "", ""
	if c.Session != nil {
		id = c.Session.ID()
	}
	solver, err := c.Crawler.jsSolverFor(id, ua)
	if err != nil {
		return "", fmt.Errorf("crawler: build JS challenge solver: %w", err)
	}
	return solver.Eval(script)
}

// ValidateSchema checks data (typically a JSON response body) against the
// learned baseline schema and returns any drift detected. The first call
// with no baseline yet established learns data as the baseline and returns
// no mismatches. Every mismatch is logged at Warn and counted in Stats, so
// this is safe to call unconditionally from a handler — a no-op when
// SchemaValidator isn't configured.
func (c *Context) ValidateSchema(data []byte) ([]payload.Mismatch, error) {
	if c.Crawler.opts.SchemaValidator == nil {
		return nil, nil
	}
	mismatches, err := c.Crawler.opts.SchemaValidator.Validate(data)
	if err != nil {
		return nil, err
	}
	if len(mismatches) > 0 && c.Crawler.opts.Stats != nil {
		for i := 0; i < len(mismatches); i++ {
			c.Crawler.opts.Stats.RecordSchemaDrift()
		}
	}
	for _, m := range mismatches {
		c.Log().Warnf("%s", m.String())
	}
	return mismatches, nil
}

// PushData appends item to the configured dataset (spec.md §6's
// `pushData`).
func (c *Context) PushData(ctx context.Context, item storage.DatasetItem) error {
	if c.Crawler.opts.Dataset == nil {
		return fmt.Errorf("crawler: PushData called but no Dataset storage.Client is configured")
	}
	name := c.Crawler.opts.DatasetName
	if name == "" {
		name = "default"
	}
	return c.Crawler.opts.Dataset.PushDatasetItem(ctx, name, item)
}

// GetState deserializes the named auto-saved user state (spec.md §6's
// `useState`) into v. Returns storage.ErrNotFound if the key has never been
// saved.
func (c *Context) GetState(ctx context.Context, key string, v any) error {
	if c.Crawler.opts.KVStore == nil {
		return fmt.Errorf("crawler: GetState called but no KVStore storage.Client is configured")
	}
	data, err := c.Crawler.opts.KVStore.GetState(ctx, c.Crawler.opts.KVCollection, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SetState serializes v and saves it under key, for later recall via
// GetState (spec.md §6's `useState`, and auto-persisted by the crawler's
// PERSIST_STATE subscription when the caller wires it that way).
func (c *Context) SetState(ctx context.Context, key string, v any) error {
	if c.Crawler.opts.KVStore == nil {
		return fmt.Errorf("crawler: SetState called but no KVStore storage.Client is configured")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("crawler: marshal state %q: %w", key, err)
	}
	return c.Crawler.opts.KVStore.PutState(ctx, c.Crawler.opts.KVCollection, key, data)
}

// EnqueueStrategy names the link-following scopes spec.md §4.7's
// `enqueueLinks` supports.
type EnqueueStrategy string

const (
	StrategyAll          EnqueueStrategy = "all"
	StrategySameHostname EnqueueStrategy = "same-hostname" // default
	StrategySameDomain   EnqueueStrategy = "same-domain"
	StrategySameOrigin   EnqueueStrategy = "same-origin"
)

// EnqueueLinksOptions configures one EnqueueLinks call.
type EnqueueLinksOptions struct {
	URLs     []string
	Strategy EnqueueStrategy // defaults to StrategySameHostname

	GlobPatterns   []string // path.Match-style, matched against the full URL
	RegexpPatterns []*regexp.Regexp

	// TransformRequest, if set, is applied to every candidate Request
	// before it is enqueued. Returning nil drops that URL.
	TransformRequest func(*request.Request) *request.Request

	Forefront bool
}

// EnqueueLinks filters opts.URLs by the chosen strategy and patterns,
// builds Requests (applying TransformRequest if given), and adds them to the
// crawler's RequestQueue in one batched call (spec.md §4.7's "produce
// Request objects and addRequests them in batches with a bounded
// waitForAllRequestsToBeAdded" — batching itself is requestqueue.AddRequests'
// responsibility).
func (c *Context) EnqueueLinks(ctx context.Context, opts EnqueueLinksOptions) error {
	if c.Crawler.opts.RequestQueue == nil {
		return fmt.Errorf("crawler: EnqueueLinks requires a RequestQueue")
	}

	base, err := url.Parse(c.Request.LoadedURL)
	if err != nil || c.Request.LoadedURL == "" {
		base, err = url.Parse(c.Request.URL)
		if err != nil {
			return fmt.Errorf("crawler: parse base URL %q: %w", c.Request.URL, err)
		}
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategySameHostname
	}

	reqs := make([]*request.Request, 0, len(opts.URLs))
	for _, raw := range opts.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		resolved := base.ResolveReference(u)

		if !matchesStrategy(base, resolved, strategy) {
			continue
		}
		if !matchesPatterns(resolved.String(), opts.GlobPatterns, opts.RegexpPatterns) {
			continue
		}

		r := request.New(resolved.String(), "")
		if opts.TransformRequest != nil {
			r = opts.TransformRequest(r)
			if r == nil {
				continue
			}
		}
		reqs = append(reqs, r)
	}

	if len(reqs) == 0 {
		return nil
	}
	_, err = c.Crawler.opts.RequestQueue.AddRequests(ctx, reqs, opts.Forefront)
	return err
}

func matchesStrategy(base, candidate *url.URL, strategy EnqueueStrategy) bool {
	switch strategy {
	case StrategyAll:
		return true
	case StrategySameOrigin:
		return base.Scheme == candidate.Scheme && base.Host == candidate.Host
	case StrategySameDomain:
		return sameRegistrableDomain(base.Hostname(), candidate.Hostname())
	default: // StrategySameHostname
		return strings.EqualFold(base.Hostname(), candidate.Hostname())
	}
}

// sameRegistrableDomain compares the last two dot-separated labels of each
// host (e.g. "sub.example.com" and "example.com" both yield "example.com").
// This is a pragmatic approximation of eTLD+1 matching, not a full public
// suffix list lookup.
func sameRegistrableDomain(a, b string) bool {
	return registrableDomain(a) == registrableDomain(b)
}

func registrableDomain(host string) string {
	labels := strings.Split(strings.ToLower(host), ".")
	if len(labels) < 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

func matchesPatterns(u string, globs []string, regexps []*regexp.Regexp) bool {
	if len(globs) == 0 && len(regexps) == 0 {
		return true
	}
	for _, g := range globs {
		if ok, _ := path.Match(g, u); ok {
			return true
		}
	}
	for _, re := range regexps {
		if re.MatchString(u) {
			return true
		}
	}
	return false
}
