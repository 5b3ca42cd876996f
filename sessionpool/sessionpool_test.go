package sessionpool_test

import (
	"context"
	"testing"

	"github.com/crawlee-go/crawlee/config"
	"github.com/crawlee-go/crawlee/sessionpool"
	"github.com/crawlee-go/crawlee/storage/memory"
)

func TestGetSessionCreatesUntilMaxPoolSize(t *testing.T) {
	p := sessionpool.New("test", memory.New(), config.SessionPoolConfig{MaxPoolSize: 2}, nil, nil, nil)

	s1, err := p.GetSession("")
	if err != nil {
		t.Fatalf("GetSession() = %v", err)
	}
	s2, err := p.GetSession("")
	if err != nil {
		t.Fatalf("GetSession() = %v", err)
	}
	if s1.ID() == s2.ID() {
		t.Fatal("expected two distinct sessions while under maxPoolSize")
	}
	if p.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", p.Size())
	}
}

func TestGetSessionByIDReusesExisting(t *testing.T) {
	p := sessionpool.New("test", memory.New(), config.SessionPoolConfig{MaxPoolSize: 5}, nil, nil, nil)
	s1, _ := p.GetSession("")
	s2, err := p.GetSession(s1.ID())
	if err != nil {
		t.Fatalf("GetSession(id) = %v", err)
	}
	if s2.ID() != s1.ID() {
		t.Fatalf("GetSession(id) returned a different session")
	}
}

func TestGetSessionNeverReturnsUnusableSession(t *testing.T) {
	p := sessionpool.New("test", memory.New(), config.SessionPoolConfig{MaxPoolSize: 1, MaxErrorScore: 1}, nil, nil, nil)
	s1, _ := p.GetSession("")
	s1.MarkBad() // crosses maxErrorScore=1, retires

	s2, err := p.GetSession("")
	if err != nil {
		t.Fatalf("GetSession() = %v", err)
	}
	if s2.ID() == s1.ID() {
		t.Fatal("expected a fresh session once the only one retired")
	}
	if !s2.IsUsable() {
		t.Fatal("GetSession() returned an unusable session")
	}
}

func TestRetiredSessionsCountIncrementsOnRetire(t *testing.T) {
	p := sessionpool.New("test", memory.New(), config.SessionPoolConfig{MaxPoolSize: 1, MaxErrorScore: 1}, nil, nil, nil)
	s, _ := p.GetSession("")
	s.MarkBad()
	_, _ = p.GetSession("")

	if p.RetiredSessionsCount() != 1 {
		t.Fatalf("RetiredSessionsCount() = %d, want 1", p.RetiredSessionsCount())
	}
}

// TestGetSessionPrefersLessUsedSessionUnderBias exercises the
// usageCount-inverse weighted pick (spec.md §8 property 6): at capacity, with
// a strong SessionSelectionBias, a heavily-used session should be picked far
// less often than a fresh one.
func TestGetSessionPrefersLessUsedSessionUnderBias(t *testing.T) {
	p := sessionpool.New("test", memory.New(), config.SessionPoolConfig{MaxPoolSize: 2, SessionSelectionBias: 50}, nil, nil, nil)

	heavy, _ := p.GetSession("")
	fresh, _ := p.GetSession("")
	for i := 0; i < 50; i++ {
		heavy.MarkGood()
	}

	var freshPicks int
	const trials = 200
	for i := 0; i < trials; i++ {
		s, err := p.GetSession("")
		if err != nil {
			t.Fatalf("GetSession() = %v", err)
		}
		if s.ID() == fresh.ID() {
			freshPicks++
		}
	}
	if freshPicks < trials*3/4 {
		t.Fatalf("fresh session picked %d/%d times, want a strong majority under high bias", freshPicks, trials)
	}
}

func TestPersistStateRoundTrip(t *testing.T) {
	store := memory.New()
	cfg := config.SessionPoolConfig{MaxPoolSize: 3, PersistStateKey: "SESSION_POOL_STATE"}

	p1 := sessionpool.New("test", store, cfg, nil, nil, nil)
	s1, _ := p1.GetSession("")
	s1.MarkGood()
	if err := p1.PersistState(context.Background()); err != nil {
		t.Fatalf("PersistState() = %v", err)
	}

	p2 := sessionpool.New("test", store, cfg, nil, nil, nil)
	if err := p2.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() = %v", err)
	}
	restored, err := p2.GetSession(s1.ID())
	if err != nil {
		t.Fatalf("GetSession(restored id) = %v", err)
	}
	if restored.UsageCount() != 1 {
		t.Fatalf("restored UsageCount() = %d, want 1", restored.UsageCount())
	}
}

func TestTeardownPersistsAndUnsubscribes(t *testing.T) {
	p := sessionpool.New("test", memory.New(), config.SessionPoolConfig{MaxPoolSize: 2}, nil, nil, nil)
	if _, err := p.GetSession(""); err != nil {
		t.Fatalf("GetSession() = %v", err)
	}
	if err := p.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown() = %v", err)
	}
}
