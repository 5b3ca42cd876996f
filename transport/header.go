package transport

import (
	"net/http"

	"github.com/crawlee-go/crawlee/fingerprint"
)

// headerEntry stores one header key/value pair with its original casing.
type headerEntry struct {
	key   string
	value string
}

// orderedHeader preserves exact capitalisation and insertion order, which
// http.Header (a map) cannot. Grounded on the teacher's client.OrderedHeader;
// trimmed to the Add/ApplyToRequest subset transport actually exercises.
type orderedHeader struct {
	entries []headerEntry
}

func (h *orderedHeader) Add(key, value string) {
	if value == "" {
		return
	}
	h.entries = append(h.entries, headerEntry{key: key, value: value})
}

func (h *orderedHeader) Len() int { return len(h.entries) }

// ApplyToRequest writes every entry into req.Header via the raw key so the
// original casing survives net/http's canonicalization, then lets any header
// already present in req.Header take precedence (caller overrides profile).
func (h *orderedHeader) ApplyToRequest(req *http.Request) {
	caller := req.Header
	out := make(http.Header, h.Len()+len(caller))
	seen := make(map[string]bool, h.Len())
	for _, e := range h.entries {
		canon := http.CanonicalHeaderKey(e.key)
		if caller.Get(canon) != "" || seen[canon] {
			continue
		}
		out[e.key] = append(out[e.key], e.value)
		seen[canon] = true
	}
	for key, vals := range caller {
		out[key] = append(out[key], vals...)
	}
	req.Header = out
}

// orderedHeadersFromProfile turns a fingerprint.Profile into the ordered
// default header set a real browser with that profile would send.
func orderedHeadersFromProfile(p *fingerprint.Profile) *orderedHeader {
	h := &orderedHeader{}
	if p == nil {
		return h
	}
	h.Add("User-Agent", p.UserAgent)
	for _, hd := range p.ExtraHeaders {
		h.Add(hd.Name, hd.Value)
	}
	return h
}

// headerRoundTripper applies a fixed ordered header set to every outgoing
// request before delegating to rt.
type headerRoundTripper struct {
	rt      http.RoundTripper
	headers *orderedHeader
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	t.headers.ApplyToRequest(r)
	return t.rt.RoundTrip(r)
}
