package cluster_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/crawlee-go/crawlee/cluster"
	"github.com/crawlee-go/crawlee/cookiejar"
)

// startTestServer spins up a MasterControllerServer on a random localhost
// port and returns the address and a stop function.
func startTestServer(t *testing.T) (addr string, stop func()) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = cluster.ListenAndServeOn(lis, cluster.NewMasterControllerServer())
		close(done)
	}()

	return lis.Addr().String(), func() { _ = lis.Close(); <-done }
}

// ─── GlobalCookieJar unit tests ───────────────────────────────────────────────

func TestGlobalCookieJar_StoreAndSnapshot(t *testing.T) {
	jar := cluster.NewGlobalCookieJar()
	if cookies := jar.ToCookieJarCookies(); len(cookies) != 0 {
		t.Errorf("fresh jar: expected 0 cookies, got %d", len(cookies))
	}

	w := newLoopbackWorker(t)
	defer w.Close()
	if err := w.BroadcastCookie(context.Background(), "sess-1", []cookiejar.Cookie{
		{Name: "_abck", Value: "abc123", Domain: "example.com", Path: "/"},
	}); err != nil {
		t.Fatalf("BroadcastCookie: %v", err)
	}

	got, err := w.GetCookies(context.Background())
	if err != nil {
		t.Fatalf("GetCookies: %v", err)
	}
	if len(got) != 1 || got[0].Name != "_abck" {
		t.Errorf("unexpected cookies: %+v", got)
	}
}

func TestGlobalCookieJar_StoreUpdatesExisting(t *testing.T) {
	w := newLoopbackWorker(t)
	defer w.Close()

	ctx := context.Background()
	if err := w.BroadcastCookie(ctx, "s", []cookiejar.Cookie{{Name: "sess", Value: "old"}}); err != nil {
		t.Fatalf("BroadcastCookie: %v", err)
	}
	if err := w.BroadcastCookie(ctx, "s", []cookiejar.Cookie{{Name: "sess", Value: "new"}}); err != nil {
		t.Fatalf("BroadcastCookie: %v", err)
	}

	got, err := w.GetCookies(ctx)
	if err != nil {
		t.Fatalf("GetCookies: %v", err)
	}
	if len(got) != 1 || got[0].Value != "new" {
		t.Errorf("expected 1 updated cookie, got %+v", got)
	}
}

func TestGlobalCookieJar_SkipsExpired(t *testing.T) {
	w := newLoopbackWorker(t)
	defer w.Close()

	fresh := time.Now().Add(time.Hour)
	expired := time.Unix(1, 0)
	if err := w.BroadcastCookie(context.Background(), "s", []cookiejar.Cookie{
		{Name: "fresh", Value: "v1", Expires: &fresh},
		{Name: "expired", Value: "v2", Expires: &expired},
	}); err != nil {
		t.Fatalf("BroadcastCookie: %v", err)
	}

	got, err := w.GetCookies(context.Background())
	if err != nil {
		t.Fatalf("GetCookies: %v", err)
	}
	if len(got) != 1 || got[0].Name != "fresh" {
		t.Errorf("expected only 'fresh' cookie, got %+v", got)
	}
}

// ─── BroadcastCookie validation ───────────────────────────────────────────────

func TestBroadcastCookie_EmptyCookiesRejected(t *testing.T) {
	w := newLoopbackWorker(t)
	defer w.Close()

	if err := w.BroadcastCookie(context.Background(), "s", nil); err == nil {
		t.Error("expected error for empty cookies")
	}
}

// ─── UpdateStatus / GetAllStatus ──────────────────────────────────────────────

func TestReportStatus(t *testing.T) {
	w := newLoopbackWorker(t)
	defer w.Close()

	if err := w.ReportStatus(context.Background(), "sess-42", "active"); err != nil {
		t.Fatalf("ReportStatus: %v", err)
	}
}

// ─── WorkerClient high-level API ──────────────────────────────────────────────

func TestWorkerClient_BroadcastAndGet(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	w, err := cluster.NewWorkerClient("node-1", addr, looseDialOpts()...)
	if err != nil {
		t.Fatalf("NewWorkerClient: %v", err)
	}
	defer w.Close()

	exp := time.Now().Add(time.Hour)
	cookies := []cookiejar.Cookie{
		{Name: "_abck", Value: "sentinel", Domain: "example.com", Path: "/", Expires: &exp},
	}
	if err := w.BroadcastCookie(context.Background(), "sess-1", cookies); err != nil {
		t.Fatalf("BroadcastCookie: %v", err)
	}

	got, err := w.GetCookies(context.Background())
	if err != nil {
		t.Fatalf("GetCookies: %v", err)
	}
	if len(got) == 0 || got[0].Name != "_abck" || got[0].Value != "sentinel" {
		t.Errorf("unexpected cookie: %+v", got)
	}
}

func TestWorkerClient_WatchCookies(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	w, err := cluster.NewWorkerClient("node-6", addr, looseDialOpts()...)
	if err != nil {
		t.Fatalf("NewWorkerClient: %v", err)
	}
	defer w.Close()

	received := make(chan []cookiejar.Cookie, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := w.WatchCookies(ctx, func(c []cookiejar.Cookie) {
		received <- c
	}); err != nil {
		t.Fatalf("WatchCookies: %v", err)
	}

	select {
	case <-received: // initial snapshot
	case <-time.After(time.Second):
		t.Fatal("did not receive initial snapshot within 1s")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = w.BroadcastCookie(context.Background(), "sess-1", []cookiejar.Cookie{{Name: "watch_test", Value: "ok"}})
	}()

	select {
	case cookies := <-received:
		found := false
		for _, c := range cookies {
			if c.Name == "watch_test" {
				found = true
			}
		}
		if !found {
			t.Error("watch_test cookie not found in pushed update")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive broadcast push within 2s")
	}
}

// ─── concurrent broadcast/subscribe smoke test ───────────────────────────────

func TestWatchCookies_ConcurrentBroadcast(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	w1, err := cluster.NewWorkerClient("node-a", addr, looseDialOpts()...)
	if err != nil {
		t.Fatalf("NewWorkerClient: %v", err)
	}
	defer w1.Close()
	w2, err := cluster.NewWorkerClient("node-b", addr, looseDialOpts()...)
	if err != nil {
		t.Fatalf("NewWorkerClient: %v", err)
	}
	defer w2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan []cookiejar.Cookie, 8)
	if err := w2.WatchCookies(ctx, func(c []cookiejar.Cookie) { received <- c }); err != nil {
		t.Fatalf("WatchCookies: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-received: // initial snapshot
		case <-time.After(time.Second):
			t.Error("timeout waiting for initial snapshot")
		}
	}()
	wg.Wait()

	if err := w1.BroadcastCookie(ctx, "sess-a", []cookiejar.Cookie{{Name: "_abck", Value: "push-sentinel"}}); err != nil {
		t.Fatalf("BroadcastCookie: %v", err)
	}

	select {
	case cookies := <-received:
		found := false
		for _, c := range cookies {
			if c.Name == "_abck" && c.Value == "push-sentinel" {
				found = true
			}
		}
		if !found {
			t.Errorf("_abck=push-sentinel not found in pushed update: %v", cookies)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("node-b did not receive the broadcast cookie in time")
	}
}
