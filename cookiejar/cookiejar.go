// Package cookiejar provides the backend-neutral Cookie/CookieJar types
// called for in the Design Notes (spec.md §9): the source exposes
// library-specific cookie objects, so the core is specified against a plain
// struct instead. Grounded on cluster.GlobalCookieJar (teacher's
// cluster/controller.go), narrowed from a cluster-wide jar to a per-Session
// jar and given To/FromHTTPCookies bridges for the net/http-based transport
// package.
package cookiejar

import (
	"net/http"
	"sync"
	"time"
)

// SameSite mirrors http.SameSite without requiring callers to import net/http.
type SameSite int

const (
	SameSiteDefault SameSite = iota
	SameSiteLax
	SameSiteStrict
	SameSiteNone
)

// Cookie is the backend-neutral cookie record named in the Design Notes.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  *time.Time
	HTTPOnly bool
	Secure   bool
	SameSite SameSite
}

// IsExpired reports whether the cookie has an Expires time in the past.
func (c Cookie) IsExpired(now time.Time) bool {
	return c.Expires != nil && c.Expires.Before(now)
}

// Jar is a thread-safe, per-domain cookie store owned by exactly one
// Session. Entries are keyed by "domain\x00name" so the same cookie name can
// coexist across domains.
type Jar struct {
	mu      sync.RWMutex
	entries map[string]Cookie
}

// New creates an empty Jar.
func New() *Jar {
	return &Jar{entries: make(map[string]Cookie)}
}

func key(domain, name string) string { return domain + "\x00" + name }

// Set stores or replaces a cookie.
func (j *Jar) Set(c Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[key(c.Domain, c.Name)] = c
}

// SetAll stores or replaces every cookie in cs.
func (j *Jar) SetAll(cs []Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cs {
		j.entries[key(c.Domain, c.Name)] = c
	}
}

// Get returns every non-expired cookie whose Domain equals domain exactly;
// no parent-domain or eTLD+1 matching is done, and the caller is responsible
// for any broadening it needs.
func (j *Jar) Get(domain string) []Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	now := time.Now()
	out := make([]Cookie, 0, len(j.entries))
	for _, c := range j.entries {
		if c.Domain != domain {
			continue
		}
		if c.IsExpired(now) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// All returns every non-expired cookie in the jar, across all domains.
func (j *Jar) All() []Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	now := time.Now()
	out := make([]Cookie, 0, len(j.entries))
	for _, c := range j.entries {
		if !c.IsExpired(now) {
			out = append(out, c)
		}
	}
	return out
}

// Serialize returns a snapshot suitable for JSON persistence (spec.md §6:
// "no binary framing").
func (j *Jar) Serialize() []Cookie {
	return j.All()
}

// Deserialize replaces the jar's contents with cs.
func (j *Jar) Deserialize(cs []Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = make(map[string]Cookie, len(cs))
	for _, c := range cs {
		j.entries[key(c.Domain, c.Name)] = c
	}
}

// ToHTTPCookies bridges the backend-neutral Cookie into *http.Cookie for use
// with net/http clients (the transport package's concrete collaborator).
func ToHTTPCookies(cs []Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cs))
	for _, c := range cs {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HttpOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires != nil {
			hc.Expires = *c.Expires
		}
		out = append(out, hc)
	}
	return out
}

// FromHTTPCookies converts net/http cookies back into the backend-neutral
// representation, e.g. after parsing Set-Cookie headers from a response.
func FromHTTPCookies(domain string, cs []*http.Cookie) []Cookie {
	out := make([]Cookie, 0, len(cs))
	for _, c := range cs {
		d := c.Domain
		if d == "" {
			d = domain
		}
		cookie := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   d,
			Path:     c.Path,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if !c.Expires.IsZero() {
			exp := c.Expires
			cookie.Expires = &exp
		}
		out = append(out, cookie)
	}
	return out
}
