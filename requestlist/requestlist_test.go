package requestlist_test

import (
	"context"
	"testing"

	"github.com/crawlee-go/crawlee/config"
	"github.com/crawlee-go/crawlee/request"
	"github.com/crawlee-go/crawlee/requestlist"
	"github.com/crawlee-go/crawlee/storage/memory"
)

func newInitializedList(t *testing.T, urls []string, keepDuplicates bool) *requestlist.RequestList {
	t.Helper()
	l := requestlist.New("test", memory.New(), config.RequestListConfig{KeepDuplicateURLs: keepDuplicates})
	inline := make([]*request.Request, 0, len(urls))
	for _, u := range urls {
		inline = append(inline, request.New(u, ""))
	}
	if err := l.Initialize(context.Background(), inline, nil); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	return l
}

func TestFetchNextRequestServesInOrder(t *testing.T) {
	l := newInitializedList(t, []string{"http://example.com/a", "http://example.com/b"}, false)

	first := l.FetchNextRequest()
	second := l.FetchNextRequest()
	third := l.FetchNextRequest()

	if first == nil || first.URL != "http://example.com/a" {
		t.Fatalf("first = %+v", first)
	}
	if second == nil || second.URL != "http://example.com/b" {
		t.Fatalf("second = %+v", second)
	}
	if third != nil {
		t.Fatalf("expected nil once exhausted, got %+v", third)
	}
}

func TestDuplicatesDroppedByDefault(t *testing.T) {
	l := newInitializedList(t, []string{"http://example.com/a", "http://example.com/a"}, false)
	if got := l.Length(); got != 1 {
		t.Fatalf("Length() = %d, want 1", got)
	}
}

func TestKeepDuplicateURLsRetainsBoth(t *testing.T) {
	l := newInitializedList(t, []string{"http://example.com/a", "http://example.com/a"}, true)
	if got := l.Length(); got != 2 {
		t.Fatalf("Length() = %d, want 2", got)
	}
}

func TestReclaimedDrainsBeforeNextIndexLIFO(t *testing.T) {
	l := newInitializedList(t, []string{"http://example.com/a", "http://example.com/b", "http://example.com/c"}, false)

	a := l.FetchNextRequest()
	l.ReclaimRequest(a)
	b := l.FetchNextRequest()
	if b.URL != a.URL {
		t.Fatalf("expected reclaimed request to be served next, got %+v", b)
	}
}

func TestMarkHandledAndIsFinished(t *testing.T) {
	l := newInitializedList(t, []string{"http://example.com/a"}, false)
	if l.IsFinished() {
		t.Fatal("expected IsFinished() false before handling")
	}
	r := l.FetchNextRequest()
	l.MarkRequestHandled(r)
	if !l.IsFinished() {
		t.Fatal("expected IsFinished() true after handling the only request")
	}
	if l.HandledCount() != 1 {
		t.Fatalf("HandledCount() = %d, want 1", l.HandledCount())
	}
}

// TestResumeRoundTrip is property 9 from spec.md: after persisting state and
// reconstructing over the same frozen sources, fetchNextRequest yields the
// original sequence minus already-handled requests, in the same order.
func TestResumeRoundTrip(t *testing.T) {
	store := memory.New()
	urls := []string{"http://example.com/a", "http://example.com/b", "http://example.com/c"}

	l1 := requestlist.New("resume-test", store, config.RequestListConfig{})
	inline := make([]*request.Request, 0, len(urls))
	for _, u := range urls {
		inline = append(inline, request.New(u, ""))
	}
	if err := l1.Initialize(context.Background(), inline, nil); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	first := l1.FetchNextRequest()
	l1.MarkRequestHandled(first)
	if err := l1.PersistState(context.Background()); err != nil {
		t.Fatalf("PersistState() = %v", err)
	}

	l2 := requestlist.New("resume-test", store, config.RequestListConfig{})
	inline2 := make([]*request.Request, 0, len(urls))
	for _, u := range urls {
		inline2 = append(inline2, request.New(u, ""))
	}
	if err := l2.Initialize(context.Background(), inline2, nil); err != nil {
		t.Fatalf("Initialize() after resume = %v", err)
	}

	next := l2.FetchNextRequest()
	if next == nil || next.URL != "http://example.com/b" {
		t.Fatalf("resumed fetch = %+v, want b", next)
	}
}

// TestResumeFailsLoudlyOnDriftWithoutPersistRequestsKey is spec.md §4.4's
// resumability invariant: a source that changed since the last persisted
// cursor fails Initialize rather than silently resuming against the wrong
// sequence.
func TestResumeFailsLoudlyOnDriftWithoutPersistRequestsKey(t *testing.T) {
	store := memory.New()

	l1 := requestlist.New("drift-test", store, config.RequestListConfig{})
	if err := l1.Initialize(context.Background(), []*request.Request{
		request.New("http://example.com/a", ""), request.New("http://example.com/b", ""),
	}, nil); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	first := l1.FetchNextRequest()
	l1.MarkRequestHandled(first)
	if err := l1.PersistState(context.Background()); err != nil {
		t.Fatalf("PersistState() = %v", err)
	}

	l2 := requestlist.New("drift-test", store, config.RequestListConfig{})
	// Different source order: drift against the persisted resume cursor.
	err := l2.Initialize(context.Background(), []*request.Request{
		request.New("http://example.com/b", ""), request.New("http://example.com/a", ""),
	}, nil)
	if err == nil {
		t.Fatal("expected Initialize() to fail loudly on source drift")
	}
}

// TestPersistRequestsKeyReloadsFrozenSourceVerbatim exercises the
// PersistRequestsKey escape hatch: once the frozen source itself has been
// persisted, a later Initialize call reloads it verbatim instead of
// rebuilding (and potentially drifting) from the caller-supplied sources.
func TestPersistRequestsKeyReloadsFrozenSourceVerbatim(t *testing.T) {
	store := memory.New()
	cfg := config.RequestListConfig{PersistRequestsKey: "FROZEN_SOURCE"}

	l1 := requestlist.New("persist-requests-test", store, cfg)
	if err := l1.Initialize(context.Background(), []*request.Request{
		request.New("http://example.com/a", ""), request.New("http://example.com/b", ""),
	}, nil); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	first := l1.FetchNextRequest()
	l1.MarkRequestHandled(first)
	if err := l1.PersistState(context.Background()); err != nil {
		t.Fatalf("PersistState() = %v", err)
	}

	// A completely different caller-supplied source list must be ignored:
	// the persisted frozen source wins, so no drift is possible.
	l2 := requestlist.New("persist-requests-test", store, cfg)
	if err := l2.Initialize(context.Background(), []*request.Request{
		request.New("http://example.com/z", ""),
	}, nil); err != nil {
		t.Fatalf("Initialize() with PersistRequestsKey = %v", err)
	}

	if got := l2.Length(); got != 2 {
		t.Fatalf("Length() = %d, want 2 (reloaded verbatim from the persisted source)", got)
	}
	next := l2.FetchNextRequest()
	if next == nil || next.URL != "http://example.com/b" {
		t.Fatalf("resumed fetch = %+v, want b", next)
	}
}
