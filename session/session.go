// Package session provides the Session type: the rotating identity object
// described in spec.md §4.6 (cookie jar, error score, usage count, age).
// Grounded on the teacher's session.Session, but narrowed per the Design
// Notes in spec.md §9's cyclic-reference resolution: rather than a Session
// owning its own *http.Client and back-referencing a SessionManager, a
// Session here owns only identity state (cookiejar.Jar, counters) and
// reports retirement through a callback registered at construction —
// SessionPool owns the Session and supplies that callback, so the
// reference only ever flows parent-to-child.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crawlee-go/crawlee/cookiejar"
)

// defaultBlockedStatusCodes are the HTTP codes spec.md §3 names for
// RetireOnBlockedStatusCodes: 401, 403, 429.
var defaultBlockedStatusCodes = map[int]bool{401: true, 403: true, 429: true}

// RetireFunc is invoked exactly once, the first time a Session transitions
// to blocked, so its owning SessionPool can remove it and fire
// sessionRetired (spec.md §4.6).
type RetireFunc func(s *Session)

// Options configures a new Session; zero values fall back to the spec.md
// §3 defaults.
type Options struct {
	MaxErrorScore       float64
	ErrorScoreDecrement float64
	MaxUsageCount       int
	MaxAge              time.Duration
}

func (o Options) maxErrorScore() float64 {
	if o.MaxErrorScore > 0 {
		return o.MaxErrorScore
	}
	return 3
}

func (o Options) errorScoreDecrement() float64 {
	if o.ErrorScoreDecrement > 0 {
		return o.ErrorScoreDecrement
	}
	return 0.5
}

func (o Options) maxUsageCount() int {
	if o.MaxUsageCount > 0 {
		return o.MaxUsageCount
	}
	return 50
}

func (o Options) maxAge() time.Duration {
	if o.MaxAge > 0 {
		return o.MaxAge
	}
	return 3000 * time.Second
}

// Session is one rotating identity: a cookie jar, user data, and the
// usage/error counters spec.md §3 names.
type Session struct {
	mu sync.RWMutex

	id        string
	jar       *cookiejar.Jar
	userData  map[string]any
	createdAt time.Time
	expiresAt time.Time

	usageCount int
	errorScore float64
	blocked    bool

	opts   Options
	retire RetireFunc
}

// New constructs a Session. onRetire may be nil (tests / standalone use);
// SessionPool always supplies one.
func New(opts Options, onRetire RetireFunc) *Session {
	now := time.Now()
	return &Session{
		id:        uuid.NewString(),
		jar:       cookiejar.New(),
		userData:  make(map[string]any),
		createdAt: now,
		expiresAt: now.Add(opts.maxAge()),
		opts:      opts,
		retire:    onRetire,
	}
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// CookieJar returns the per-session cookie store.
func (s *Session) CookieJar() *cookiejar.Jar { return s.jar }

// UserData returns the session's free-form scratch map.
func (s *Session) UserData() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userData
}

// UsageCount returns the number of times the session has been used.
func (s *Session) UsageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usageCount
}

// ErrorScore returns the current error score.
func (s *Session) ErrorScore() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errorScore
}

// IsBlocked implements spec.md §3's isBlocked = errorScore >= maxErrorScore.
func (s *Session) IsBlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocked || s.errorScore >= s.opts.maxErrorScore()
}

// IsExpired implements spec.md §3's isExpired = now >= expiresAt.
func (s *Session) IsExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !time.Now().Before(s.expiresAt)
}

// IsMaxUsageReached implements spec.md §3's isMaxUsageReached.
func (s *Session) IsMaxUsageReached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usageCount >= s.opts.maxUsageCount()
}

// IsUsable implements spec.md §3's isUsable = !blocked && !expired && !maxUsage.
func (s *Session) IsUsable() bool {
	return !s.IsBlocked() && !s.IsExpired() && !s.IsMaxUsageReached()
}

// MarkGood implements spec.md §3's markGood: decrements errorScore (floor
// 0) and increments usageCount. The decrement is applied unconditionally on
// every call regardless of request ordering (SPEC_FULL.md Open Questions).
func (s *Session) MarkGood() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorScore -= s.opts.errorScoreDecrement()
	if s.errorScore < 0 {
		s.errorScore = 0
	}
	s.usageCount++
}

// MarkBad implements spec.md §3's markBad: increments errorScore and
// usageCount.
func (s *Session) MarkBad() {
	s.mu.Lock()
	s.errorScore++
	s.usageCount++
	shouldRetire := s.errorScore >= s.opts.maxErrorScore() && !s.blocked
	if shouldRetire {
		s.blocked = true
	}
	s.mu.Unlock()

	if shouldRetire && s.retire != nil {
		s.retire(s)
	}
}

// Retire implements spec.md §3's retire: immediately marks the session
// blocked and fires the retire callback, a no-op if already retired.
func (s *Session) Retire() {
	s.mu.Lock()
	already := s.blocked
	s.blocked = true
	s.mu.Unlock()

	if !already && s.retire != nil {
		s.retire(s)
	}
}

// RetireOnBlockedStatusCodes implements spec.md §3's
// retireOnBlockedStatusCodes: retires on 401/403/429 plus any
// caller-supplied codes, returning whether code triggered retirement.
func (s *Session) RetireOnBlockedStatusCodes(code int, extra ...int) bool {
	if defaultBlockedStatusCodes[code] {
		s.Retire()
		return true
	}
	for _, c := range extra {
		if c == code {
			s.Retire()
			return true
		}
	}
	return false
}

// State is the persisted per-session record (spec.md §3/§6: "no binary
// framing").
type State struct {
	ID         string           `json:"id"`
	Cookies    []cookiejar.Cookie `json:"cookies"`
	UsageCount int              `json:"usage_count"`
	ErrorScore float64          `json:"error_score"`
	Blocked    bool             `json:"blocked"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

// Serialize produces the persisted record for this session.
func (s *Session) Serialize() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		ID:         s.id,
		Cookies:    s.jar.Serialize(),
		UsageCount: s.usageCount,
		ErrorScore: s.errorScore,
		Blocked:    s.blocked,
		CreatedAt:  s.createdAt,
		ExpiresAt:  s.expiresAt,
	}
}

// Restore rebuilds a Session from a persisted State.
func Restore(st State, opts Options, onRetire RetireFunc) *Session {
	s := &Session{
		id:        st.ID,
		jar:       cookiejar.New(),
		userData:  make(map[string]any),
		createdAt: st.CreatedAt,
		expiresAt: st.ExpiresAt,
		usageCount: st.UsageCount,
		errorScore: st.ErrorScore,
		blocked:    st.Blocked,
		opts:       opts,
		retire:     onRetire,
	}
	s.jar.Deserialize(st.Cookies)
	return s
}
