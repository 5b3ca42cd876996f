package session_test

import (
	"testing"
	"time"

	"github.com/crawlee-go/crawlee/cookiejar"
	"github.com/crawlee-go/crawlee/session"
)

func TestNewSessionIsUsable(t *testing.T) {
	s := session.New(session.Options{}, nil)
	if !s.IsUsable() {
		t.Fatal("expected a freshly constructed session to be usable")
	}
}

func TestMarkBadRetiresAtMaxErrorScore(t *testing.T) {
	retired := false
	s := session.New(session.Options{MaxErrorScore: 2}, func(*session.Session) { retired = true })

	s.MarkBad()
	if s.IsBlocked() {
		t.Fatal("expected not blocked after a single MarkBad with maxErrorScore=2")
	}
	s.MarkBad()
	if !s.IsBlocked() {
		t.Fatal("expected blocked once errorScore reaches maxErrorScore")
	}
	if !retired {
		t.Fatal("expected the retire callback to fire exactly once")
	}
}

func TestMarkGoodDecrementsWithFloor(t *testing.T) {
	s := session.New(session.Options{ErrorScoreDecrement: 0.5}, nil)
	s.MarkGood()
	if got := s.ErrorScore(); got != 0 {
		t.Fatalf("ErrorScore() = %v, want 0 (floored)", got)
	}
}

func TestIsExpiredAfterMaxAge(t *testing.T) {
	s := session.New(session.Options{MaxAge: time.Millisecond}, nil)
	time.Sleep(5 * time.Millisecond)
	if !s.IsExpired() {
		t.Fatal("expected session to be expired after MaxAge elapses")
	}
	if s.IsUsable() {
		t.Fatal("expected an expired session to be unusable")
	}
}

func TestIsMaxUsageReached(t *testing.T) {
	s := session.New(session.Options{MaxUsageCount: 2}, nil)
	s.MarkGood()
	s.MarkGood()
	if !s.IsMaxUsageReached() {
		t.Fatal("expected MaxUsageCount to be reached after 2 uses")
	}
	if s.IsUsable() {
		t.Fatal("expected a maxed-out session to be unusable")
	}
}

func TestRetireOnBlockedStatusCodesDefaults(t *testing.T) {
	for _, code := range []int{401, 403, 429} {
		s := session.New(session.Options{}, nil)
		if !s.RetireOnBlockedStatusCodes(code) {
			t.Fatalf("RetireOnBlockedStatusCodes(%d) = false, want true", code)
		}
		if !s.IsBlocked() {
			t.Fatalf("expected session blocked after status %d", code)
		}
	}
}

func TestRetireOnBlockedStatusCodesCustom(t *testing.T) {
	s := session.New(session.Options{}, nil)
	if s.RetireOnBlockedStatusCodes(418) {
		t.Fatal("expected 418 to not trigger retirement without being in extra codes")
	}
	if !s.RetireOnBlockedStatusCodes(418, 418) {
		t.Fatal("expected 418 to trigger retirement when passed as an extra code")
	}
}

func TestRetireIsIdempotent(t *testing.T) {
	calls := 0
	s := session.New(session.Options{}, func(*session.Session) { calls++ })
	s.Retire()
	s.Retire()
	if calls != 1 {
		t.Fatalf("retire callback fired %d times, want 1", calls)
	}
}

func TestSerializeRestoreRoundTrip(t *testing.T) {
	s := session.New(session.Options{}, nil)
	s.CookieJar().Set(cookiejar.Cookie{Name: "sid", Value: "abc", Domain: "example.com"})
	s.MarkGood()

	st := s.Serialize()
	restored := session.Restore(st, session.Options{}, nil)

	if restored.ID() != s.ID() {
		t.Fatalf("restored ID = %q, want %q", restored.ID(), s.ID())
	}
	if len(restored.CookieJar().All()) != 1 {
		t.Fatalf("restored cookies = %d, want 1", len(restored.CookieJar().All()))
	}
	if restored.UsageCount() != 1 {
		t.Fatalf("restored UsageCount() = %d, want 1", restored.UsageCount())
	}
}
