// Package request defines the Request and QueueOperationInfo data model
// shared by RequestList and RequestQueue (spec.md §3). Structurally it
// follows the teacher's session.Session shape: a mutex-guarded struct owned
// by exactly one component at a time (there, a Session; here, whichever of
// RequestList/RequestQueue currently holds the uniqueKey).
package request

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request is one unit of crawl work.
type Request struct {
	mu sync.RWMutex

	id        string
	uniqueKey string

	URL            string
	LoadedURL      string
	Method         string
	Headers        map[string]string
	Payload        []byte
	UserData       map[string]any
	RetryCount     int
	ErrorMessages  []string
	HandledAt      *time.Time
	NoRetry        bool
	SkipNavigation bool
	MaxRetries     *int // per-request override of Crawler.MaxRequestRetries
}

// New constructs a Request for rawURL. If uniqueKey is empty, DefaultUniqueKey(rawURL)
// is used. The request's id is assigned here, on construction/enqueue, per
// spec.md §3.
func New(rawURL string, uniqueKey string) *Request {
	if uniqueKey == "" {
		uniqueKey = DefaultUniqueKey(rawURL)
	}
	return &Request{
		id:        uuid.NewString(),
		uniqueKey: uniqueKey,
		URL:       rawURL,
		Method:    "GET",
		Headers:   make(map[string]string),
		UserData:  make(map[string]any),
	}
}

// ID returns the opaque identifier assigned when the request was enqueued.
func (r *Request) ID() string { return r.id }

// UniqueKey returns the dedup key. Re-enqueues with the same UniqueKey within
// the same queue are no-ops (spec.md §3 invariant).
func (r *Request) UniqueKey() string { return r.uniqueKey }

// MarkHandled stamps HandledAt with now, owned exclusively by the crawler
// loop committing a successful outcome.
func (r *Request) MarkHandled(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.HandledAt = &now
}

// AppendError records one error message, incrementing the visible error
// trail the spec requires ("ordered list" in §3).
func (r *Request) AppendError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ErrorMessages = append(r.ErrorMessages, msg)
}

// IncrementRetryCount increments RetryCount and returns the new value.
func (r *Request) IncrementRetryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RetryCount++
	return r.RetryCount
}

// EffectiveMaxRetries resolves the per-request override against the
// crawler-wide default.
func (r *Request) EffectiveMaxRetries(crawlerDefault int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.MaxRetries != nil {
		return *r.MaxRetries
	}
	return crawlerDefault
}

// QueueOperationInfo is returned from every enqueue operation (spec.md §3).
type QueueOperationInfo struct {
	WasAlreadyPresent bool
	WasAlreadyHandled bool
	RequestID         string
	UniqueKey         string
}

// DefaultUniqueKey normalizes rawURL into the default dedup key: lowercase
// scheme/host, stripped default ports, sorted query parameters, and a
// trimmed trailing slash on the path — so that "http://X.com/a?b=1&a=2" and
// "http://x.com/a?a=2&b=1" collide.
func DefaultUniqueKey(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if (scheme == "http" && strings.HasSuffix(host, ":80")) || (scheme == "https" && strings.HasSuffix(host, ":443")) {
		host = host[:strings.LastIndex(host, ":")]
	}
	path := u.Path
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}

	query := u.Query()
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var qs strings.Builder
	for i, k := range keys {
		vals := query[k]
		sort.Strings(vals)
		for j, v := range vals {
			if i+j > 0 {
				qs.WriteByte('&')
			}
			qs.WriteString(k)
			qs.WriteByte('=')
			qs.WriteString(v)
		}
	}

	key := scheme + "://" + host + path
	if qs.Len() > 0 {
		key += "?" + qs.String()
	}
	return key
}
