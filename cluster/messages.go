package cluster

import (
	"time"

	"github.com/crawlee-go/crawlee/cookiejar"
)

// messageCookie is the wire form of cookiejar.Cookie exchanged between the
// master controller and its workers. Expires is carried as a Unix timestamp
// (0 meaning session-only) rather than cookiejar.Cookie's *time.Time so the
// JSON codec round-trips it without a pointer/zero-value ambiguity.
type messageCookie struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Domain      string `json:"domain"`
	Path        string `json:"path"`
	ExpiresUnix int64  `json:"expires_unix,omitempty"`
	Secure      bool   `json:"secure,omitempty"`
	HTTPOnly    bool   `json:"http_only,omitempty"`
}

func toMessageCookie(c cookiejar.Cookie) *messageCookie {
	m := &messageCookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	if c.Expires != nil {
		m.ExpiresUnix = c.Expires.Unix()
	}
	return m
}

func (m *messageCookie) toJarCookie() cookiejar.Cookie {
	jc := cookiejar.Cookie{
		Name:     m.Name,
		Value:    m.Value,
		Domain:   m.Domain,
		Path:     m.Path,
		Secure:   m.Secure,
		HTTPOnly: m.HTTPOnly,
	}
	if m.ExpiresUnix > 0 {
		exp := time.Unix(m.ExpiresUnix, 0)
		jc.Expires = &exp
	}
	return jc
}

// messageSessionStatus reports one session's lifecycle state, grounded in
// the session states session.Session transitions through (idle, active,
// a JS-challenge wait, closed/retired) rather than the teacher's
// int32-indexed SessionId.
type messageSessionStatus struct {
	SessionID string    `json:"session_id"`
	NodeID    string    `json:"node_id"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// --- RPC request/response envelopes ---

type broadcastCookieRequest struct {
	NodeID    string           `json:"node_id"`
	SessionID string           `json:"session_id"`
	Cookies   []*messageCookie `json:"cookies"`
}

type broadcastCookieResponse struct {
	Accepted bool `json:"accepted"`
}

type updateStatusRequest struct {
	Status *messageSessionStatus `json:"status"`
}

type updateStatusResponse struct {
	OK bool `json:"ok"`
}

type getGlobalCookiesRequest struct {
	NodeID string `json:"node_id"`
}

type getGlobalCookiesResponse struct {
	Cookies []*messageCookie `json:"cookies"`
	Version int64            `json:"version"`
}

type watchCookiesRequest struct {
	NodeID string `json:"node_id"`
}

type getAllStatusRequest struct{}

type getAllStatusResponse struct {
	Sessions []*messageSessionStatus `json:"sessions"`
}
