package crawler_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crawlee-go/crawlee/config"
	"github.com/crawlee-go/crawlee/crawler"
	"github.com/crawlee-go/crawlee/internal/errs"
	"github.com/crawlee-go/crawlee/lock"
	"github.com/crawlee-go/crawlee/payload"
	"github.com/crawlee-go/crawlee/request"
	"github.com/crawlee-go/crawlee/requestqueue"
	"github.com/crawlee-go/crawlee/session"
	"github.com/crawlee-go/crawlee/sessionpool"
	"github.com/crawlee-go/crawlee/statistics"
	"github.com/crawlee-go/crawlee/storage/memory"
)

func newTestQueue(t *testing.T, urls ...string) *requestqueue.RequestQueue {
	t.Helper()
	store := memory.New()
	locker := lock.NewMemoryLock()
	q := requestqueue.New("test", store, locker, config.RequestQueueConfig{}, nil, nil)
	for _, u := range urls {
		if _, err := q.AddRequest(context.Background(), request.New(u, ""), false); err != nil {
			t.Fatalf("AddRequest(%q) = %v", u, err)
		}
	}
	return q
}

func poolCfg() config.AutoscaledPoolConfig {
	return config.AutoscaledPoolConfig{
		MinConcurrency:     1,
		MaxConcurrency:     2,
		DesiredConcurrency: 1,
		MaybeRunInterval:   5 * time.Millisecond,
		AutoscaleInterval:  time.Hour,
		TaskTimeout:        time.Second,
	}
}

func TestRunHandlesEveryRequestSuccessfully(t *testing.T) {
	q := newTestQueue(t, "http://example.com/a", "http://example.com/b")
	var handled int32

	c, err := crawler.New(crawler.Options{
		RequestQueue: q,
		RequestHandler: func(ctx context.Context, c *crawler.Context) error {
			atomic.AddInt32(&handled, 1)
			return nil
		},
		PoolCfg: poolCfg(),
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if handled != 2 {
		t.Fatalf("handled = %d, want 2", handled)
	}
	if !q.IsFinished() {
		t.Fatal("expected queue to be finished")
	}
}

func TestRunRetriesThenFailsAfterMaxRetries(t *testing.T) {
	q := newTestQueue(t, "http://example.com/a")
	var attempts int32
	var failedCalled bool
	var failedReq *request.Request

	c, err := crawler.New(crawler.Options{
		RequestQueue: q,
		Cfg:          config.CrawlerConfig{MaxRequestRetries: 2},
		RequestHandler: func(ctx context.Context, c *crawler.Context) error {
			atomic.AddInt32(&attempts, 1)
			return fmt.Errorf("boom")
		},
		FailedRequestHandler: func(ctx context.Context, c *crawler.Context, err error) {
			failedCalled = true
			failedReq = c.Request
		},
		PoolCfg: poolCfg(),
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if attempts != 3 { // 1 initial + 2 retries
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if !failedCalled {
		t.Fatal("expected FailedRequestHandler to be invoked")
	}
	if !q.IsFinished() {
		t.Fatal("expected queue to be finished after exhausting retries")
	}
	// spec.md §8 scenario S3: every failed attempt, including the one that
	// exhausts maxRequestRetries, is recorded.
	if len(failedReq.ErrorMessages) != 3 {
		t.Fatalf("errorMessages.length = %d, want 3", len(failedReq.ErrorMessages))
	}
}

func TestRunSkipsRetryForNonRetryableError(t *testing.T) {
	q := newTestQueue(t, "http://example.com/a")
	var attempts int32

	c, err := crawler.New(crawler.Options{
		RequestQueue: q,
		RequestHandler: func(ctx context.Context, c *crawler.Context) error {
			atomic.AddInt32(&attempts, 1)
			return errs.NewNonRetryable(fmt.Errorf("fatal"))
		},
		PoolCfg: poolCfg(),
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (non-retryable should not retry)", attempts)
	}
}

// TestSessionRetiredOnBlockedStatus is scenario S6 from spec.md: a 403
// response retires the session and the request is retried on a fresh one.
func TestSessionRetiredOnBlockedStatus(t *testing.T) {
	q := newTestQueue(t, "http://example.com/a")
	pool := sessionpool.New("test", memory.New(), config.SessionPoolConfig{MaxPoolSize: 10}, nil, nil, nil)

	var sessionIDs []string
	var attempts int32

	c, err := crawler.New(crawler.Options{
		RequestQueue: q,
		Sessions:     pool,
		Cfg:          config.CrawlerConfig{RetryOnBlocked: true, MaxRequestRetries: 3},
		RequestHandler: func(ctx context.Context, c *crawler.Context) error {
			n := atomic.AddInt32(&attempts, 1)
			sessionIDs = append(sessionIDs, c.Session.ID())
			if n == 1 {
				return errs.NewHTTPBlocked(403)
			}
			return nil
		},
		PoolCfg: poolCfg(),
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if len(sessionIDs) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(sessionIDs))
	}
	if sessionIDs[0] == sessionIDs[1] {
		t.Fatal("expected the retried attempt to use a different (non-retired) session")
	}
}

// TestSessionErrorRetiresSessionWithoutChargingRetry exercises the SessionError
// classification branch (spec.md §7): the session is retired, a fresh session
// serves the retry, and the attempt is not charged against the request's own
// maxRequestRetries budget.
func TestSessionErrorRetiresSessionWithoutChargingRetry(t *testing.T) {
	q := newTestQueue(t, "http://example.com/a")
	pool := sessionpool.New("test", memory.New(), config.SessionPoolConfig{MaxPoolSize: 10}, nil, nil, nil)

	var sessionIDs []string
	var retiredSessions []*session.Session
	var attempts int32

	c, err := crawler.New(crawler.Options{
		RequestQueue: q,
		Sessions:     pool,
		// MaxRequestRetries: 0 falls back to the crawler's default cap of 3;
		// the SessionError path does not charge a retry against it.
		Cfg: config.CrawlerConfig{MaxRequestRetries: 0},
		RequestHandler: func(ctx context.Context, c *crawler.Context) error {
			n := atomic.AddInt32(&attempts, 1)
			sessionIDs = append(sessionIDs, c.Session.ID())
			retiredSessions = append(retiredSessions, c.Session)
			if n == 1 {
				return errs.NewSession(fmt.Errorf("cookie invalidated"))
			}
			return nil
		},
		PoolCfg: poolCfg(),
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if len(sessionIDs) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(sessionIDs))
	}
	if sessionIDs[0] == sessionIDs[1] {
		t.Fatal("expected the retried attempt to use a different (retired) session")
	}
	if retiredSessions[0].IsUsable() {
		t.Fatal("expected the first session to be retired (no longer usable)")
	}
	if !q.IsFinished() {
		t.Fatal("expected queue to be finished: the SessionError retry must not count toward maxRequestRetries")
	}
}

func TestSolveJSChallengeEvaluatesScript(t *testing.T) {
	q := newTestQueue(t, "http://example.com/a")
	var result string

	c, err := crawler.New(crawler.Options{
		RequestQueue: q,
		RequestHandler: func(ctx context.Context, c *crawler.Context) error {
			var err error
			result, err = c.SolveJSChallenge("1 + 2 * 3")
			return err
		},
		PoolCfg: poolCfg(),
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if result != "7" {
		t.Fatalf("result = %q, want %q", result, "7")
	}
}

func TestValidateSchemaDetectsDriftAfterBaseline(t *testing.T) {
	q := newTestQueue(t, "http://example.com/a", "http://example.com/b")
	stats := statistics.New("test", memory.New(), "", nil)
	validator := payload.NewValidator()
	var mismatchCounts []int

	c, err := crawler.New(crawler.Options{
		RequestQueue:    q,
		SchemaValidator: validator,
		Stats:           stats,
		RequestHandler: func(ctx context.Context, c *crawler.Context) error {
			var body []byte
			if len(mismatchCounts) == 0 {
				body = []byte(`{"id": 1, "name": "a"}`)
			} else {
				body = []byte(`{"id": "not-a-number", "name": "b"}`)
			}
			mismatches, err := c.ValidateSchema(body)
			if err != nil {
				return err
			}
			mismatchCounts = append(mismatchCounts, len(mismatches))
			return nil
		},
		PoolCfg: poolCfg(),
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if len(mismatchCounts) != 2 || mismatchCounts[0] != 0 || mismatchCounts[1] == 0 {
		t.Fatalf("mismatchCounts = %v, want [0, >0]", mismatchCounts)
	}
	if stats.Snapshot().SchemaDrifts == 0 {
		t.Fatal("expected SchemaDrifts to be recorded")
	}
}

func TestMaxRequestsPerCrawlStopsDispatchingNewTasks(t *testing.T) {
	q := newTestQueue(t, "http://example.com/a", "http://example.com/b", "http://example.com/c")
	var handled int32

	c, err := crawler.New(crawler.Options{
		RequestQueue: q,
		Cfg:          config.CrawlerConfig{MaxRequestsPerCrawl: 1},
		RequestHandler: func(ctx context.Context, c *crawler.Context) error {
			atomic.AddInt32(&handled, 1)
			return nil
		},
		PoolCfg: poolCfg(),
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = c.Run(ctx)

	if handled > 2 { // currentConcurrency-1 slack per spec.md §4.7
		t.Fatalf("handled = %d, want at most ~1-2 given maxRequestsPerCrawl=1", handled)
	}
}
