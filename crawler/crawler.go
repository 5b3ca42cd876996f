// Package crawler implements the BasicCrawler core loop (spec.md §4.7): the
// centerpiece that ties every other component together behind one
// autoscaledpool.Pool. Grounded on main.go's startup/wiring order (build
// config, build dependent components, hand a run function to a pool, block
// until done) and scheduler/scheduler.go's per-worker dispatch shape
// (fetch → acquire identity → call user code → commit outcome), generalized
// from scheduler's fixed worker count and session-only unit of work into the
// full per-task state machine spec.md §4.7 describes: fetch, acquire
// session, call handler under a timeout, classify the outcome, and commit
// (mark-handled / reclaim / failed-request-handler) before the next fetch.
package crawler

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crawlee-go/crawlee/autoscaledpool"
	"github.com/crawlee-go/crawlee/config"
	"github.com/crawlee-go/crawlee/events"
	"github.com/crawlee-go/crawlee/internal/errs"
	"github.com/crawlee-go/crawlee/internal/xlog"
	"github.com/crawlee-go/crawlee/jschallenge"
	"github.com/crawlee-go/crawlee/payload"
	"github.com/crawlee-go/crawlee/proxyconfig"
	"github.com/crawlee-go/crawlee/request"
	"github.com/crawlee-go/crawlee/requestlist"
	"github.com/crawlee-go/crawlee/requestqueue"
	"github.com/crawlee-go/crawlee/session"
	"github.com/crawlee-go/crawlee/sessionpool"
	"github.com/crawlee-go/crawlee/statistics"
	"github.com/crawlee-go/crawlee/storage"
	"github.com/crawlee-go/crawlee/systemstatus"
)

// RequestHandlerFunc handles one fetched request. Its error return is
// classified by the crawler (spec.md §4.7's CLASSIFY(err) step): wrap with
// internal/errs to steer that classification explicitly, or return a plain
// error to fall back to the generic retryable treatment.
type RequestHandlerFunc func(ctx context.Context, c *Context) error

// ErrorHandlerFunc is invoked for each failure that is retried, after the
// retry has been decided and before the request is reclaimed (spec.md §4.7's
// optional `errorHandler`). A failure that ends the request is passed to
// FailedRequestHandlerFunc instead and does not reach this handler.
type ErrorHandlerFunc func(ctx context.Context, c *Context, err error)

// FailedRequestHandlerFunc is invoked once retries are exhausted (spec.md
// §4.7's optional `failedRequestHandler`).
type FailedRequestHandlerFunc func(ctx context.Context, c *Context, err error)

// source abstracts over RequestList and RequestQueue so runTask doesn't care
// which one (or which combination, post-drain) is feeding it.
type source interface {
	fetchNext(ctx context.Context) (*request.Request, error)
	markHandled(ctx context.Context, r *request.Request) error
	reclaim(ctx context.Context, r *request.Request, forefront bool) error
	isEmpty(ctx context.Context) bool
	isFinished(ctx context.Context) bool
}

type queueSource struct{ q *requestqueue.RequestQueue }

func (s queueSource) fetchNext(ctx context.Context) (*request.Request, error) {
	return s.q.FetchNextRequest(ctx)
}
func (s queueSource) markHandled(ctx context.Context, r *request.Request) error {
	return s.q.MarkRequestHandled(ctx, r)
}
func (s queueSource) reclaim(ctx context.Context, r *request.Request, forefront bool) error {
	return s.q.ReclaimRequest(ctx, r, forefront)
}
func (s queueSource) isEmpty(context.Context) bool    { return s.q.IsEmpty() }
func (s queueSource) isFinished(context.Context) bool { return s.q.IsFinished() }

type listSource struct{ l *requestlist.RequestList }

func (s listSource) fetchNext(context.Context) (*request.Request, error) {
	return s.l.FetchNextRequest(), nil
}
func (s listSource) markHandled(_ context.Context, r *request.Request) error {
	s.l.MarkRequestHandled(r)
	return nil
}
func (s listSource) reclaim(_ context.Context, r *request.Request, forefront bool) error {
	s.l.ReclaimRequest(r)
	return nil
}
func (s listSource) isEmpty(context.Context) bool    { return s.l.IsEmpty() }
func (s listSource) isFinished(context.Context) bool { return s.l.IsFinished() }

// Options configures a Crawler. At least one of RequestList/RequestQueue is
// required; RequestHandler is always required.
type Options struct {
	RequestList  *requestlist.RequestList
	RequestQueue *requestqueue.RequestQueue

	RequestHandler       RequestHandlerFunc
	ErrorHandler         ErrorHandlerFunc
	FailedRequestHandler FailedRequestHandlerFunc

	Sessions *sessionpool.Pool
	Proxies  *proxyconfig.Configuration
	Stats    *statistics.Stats

	// SchemaValidator, if set, backs ctx.ValidateSchema (SPEC_FULL §4.8's
	// purely-additive response-schema-drift detection).
	SchemaValidator *payload.Validator

	// SendRequest performs the actual network call the handler's
	// ctx.SendRequest helper delegates to. Defaults to http.DefaultClient.Do.
	SendRequest func(*http.Request) (*http.Response, error)

	// NewJSSolver constructs the in-process JS challenge solver ctx's
	// SolveJSChallenge delegates to, one per session ID. Context's
	// SolveJSChallenge always passes an empty user agent. Defaults to
	// jschallenge.NewOttoSolver.
	NewJSSolver func(userAgent string) (jschallenge.Solver, error)

	Dataset      storage.Client
	DatasetName  string
	KVStore      storage.Client
	KVCollection string

	Cfg        config.CrawlerConfig
	PoolCfg    config.AutoscaledPoolConfig
	Status     *systemstatus.SystemStatus
	Events     *events.Manager
	Log        *xlog.Logger
}

// Crawler is the BasicCrawler: one autoscaledpool.Pool driven by runTask /
// isTaskReady / isFinished, closing over a single active source.
type Crawler struct {
	opts Options
	src  source

	dispatched atomic.Int64 // handled + failed, for maxRequestsPerCrawl (spec.md §4.7)

	pool *autoscaledpool.Pool

	solversMu sync.Mutex
	solvers   map[string]jschallenge.Solver // keyed by session ID, "" for sessionless crawls
}

// New validates opts and constructs a Crawler. It does not start running;
// call Run.
func New(opts Options) (*Crawler, error) {
	if opts.RequestList == nil && opts.RequestQueue == nil {
		return nil, fmt.Errorf("crawler: at least one of RequestList or RequestQueue is required")
	}
	if opts.RequestHandler == nil {
		return nil, fmt.Errorf("crawler: RequestHandler is required")
	}
	if opts.SendRequest == nil {
		opts.SendRequest = http.DefaultClient.Do
	}
	if opts.Log == nil {
		opts.Log = xlog.New(xlog.LevelInfo)
	}
	if opts.NewJSSolver == nil {
		opts.NewJSSolver = func(userAgent string) (jschallenge.Solver, error) {
			return jschallenge.NewOttoSolver(userAgent)
		}
	}
	return &Crawler{opts: opts, solvers: make(map[string]jschallenge.Solver)}, nil
}

// jsSolverFor returns the cached Solver for sessionID, creating one on first
// use (one VM per session, per jschallenge's own concurrency contract:
// "create one OttoSolver per session" for throughput under load).
func (c *Crawler) jsSolverFor(sessionID, userAgent string) (jschallenge.Solver, error) {
	c.solversMu.Lock()
	defer c.solversMu.Unlock()

	if s, ok := c.solvers[sessionID]; ok {
		return s, nil
	}
	s, err := c.opts.NewJSSolver(userAgent)
	if err != nil {
		return nil, err
	}
	c.solvers[sessionID] = s
	return s, nil
}

func (c *Crawler) maxRequestRetries() int {
	if c.opts.Cfg.MaxRequestRetries > 0 {
		return c.opts.Cfg.MaxRequestRetries
	}
	return 3
}

func (c *Crawler) requestHandlerTimeout() time.Duration {
	if c.opts.Cfg.RequestHandlerTimeout > 0 {
		return c.opts.Cfg.RequestHandlerTimeout
	}
	return 60 * time.Second
}

// drainListIntoQueue implements spec.md §4.7's "if both, requestList drains
// into requestQueue before the main loop": every request.List entry is
// enqueued into the RequestQueue (as a regular, non-forefront add) and
// marked handled on the list, so the list contributes no further state once
// the main loop starts.
func (c *Crawler) drainListIntoQueue(ctx context.Context) error {
	for {
		r := c.opts.RequestList.FetchNextRequest()
		if r == nil {
			return nil
		}
		if _, err := c.opts.RequestQueue.AddRequest(ctx, r, false); err != nil {
			return fmt.Errorf("crawler: drain request list into queue: %w", err)
		}
		c.opts.RequestList.MarkRequestHandled(r)
	}
}

// Run wires the autoscaledpool.Pool and blocks until the crawl finishes or
// ctx is cancelled.
func (c *Crawler) Run(ctx context.Context) error {
	if c.opts.RequestList != nil && c.opts.RequestQueue != nil {
		if err := c.drainListIntoQueue(ctx); err != nil {
			return err
		}
	}

	switch {
	case c.opts.RequestQueue != nil:
		c.src = queueSource{c.opts.RequestQueue}
	default:
		c.src = listSource{c.opts.RequestList}
	}

	c.pool = autoscaledpool.New(c.opts.PoolCfg, c.opts.Status, c.opts.Log, c.runTask, c.isTaskReady, c.isFinished)
	runErr := c.pool.Run(ctx)

	teardownCtx := context.Background()
	if c.opts.Sessions != nil {
		if err := c.opts.Sessions.Teardown(teardownCtx); err != nil && c.opts.Log != nil {
			c.opts.Log.Errorf("crawler: session pool teardown: %v", err)
		}
	}
	if c.opts.Stats != nil {
		if err := c.opts.Stats.Teardown(teardownCtx); err != nil && c.opts.Log != nil {
			c.opts.Log.Errorf("crawler: statistics teardown: %v", err)
		}
	}

	return runErr
}

// isTaskReady implements the maxRequestsPerCrawl short-circuit spec.md §4.7
// names: "the crawler short-circuits isTaskReady once the global count of
// dispatched (handled + failed) requests reaches the cap."
func (c *Crawler) isTaskReady(context.Context) bool {
	if c.opts.Cfg.MaxRequestsPerCrawl > 0 && c.dispatched.Load() >= int64(c.opts.Cfg.MaxRequestsPerCrawl) {
		return false
	}
	return true
}

// isFinished implements keepAlive (spec.md §4.7: "when true, isFinished
// never returns true and the crawler waits for new requests").
func (c *Crawler) isFinished(ctx context.Context) bool {
	if c.opts.Cfg.KeepAlive {
		return false
	}
	return c.src.isFinished(ctx)
}

// runTask is one invocation of the per-task state machine spec.md §4.7
// diagrams: FETCH → ACQUIRE_SESSION → CALL_HANDLER → MARK_GOOD/CLASSIFY →
// commit.
func (c *Crawler) runTask(ctx context.Context) error {
	req, err := c.src.fetchNext(ctx)
	if err != nil {
		return fmt.Errorf("crawler: fetch next request: %w", err)
	}
	if req == nil {
		return nil // FETCH -> (null) -> IDLE
	}

	var sess *session.Session
	if c.opts.Sessions != nil {
		sess, err = c.opts.Sessions.GetSession("")
		if err != nil {
			// ACQUIRE_SESSION -> (pool exhausted) -> SLEEP_AND_RETRY: put the
			// request back at the front and let the next tick retry.
			return c.src.reclaim(ctx, req, true)
		}
	}

	var proxyURL string
	if c.opts.Proxies != nil {
		id := req.UniqueKey()
		if sess != nil {
			id = sess.ID()
		}
		proxyURL, _ = c.opts.Proxies.NewURL(id)
	}

	cctx := &Context{
		Request:  req,
		Session:  sess,
		ProxyURL: proxyURL,
		Crawler:  c,
	}

	timeout := c.requestHandlerTimeout()
	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	handlerErr, timedOut := c.invokeHandler(handlerCtx, cctx, timeout)
	cancel()
	duration := time.Since(start)

	if handlerErr == nil {
		if sess != nil {
			sess.MarkGood()
		}
		if c.opts.Stats != nil {
			c.opts.Stats.RecordRequestFinished(duration)
		}
		c.dispatched.Add(1)
		return c.src.markHandled(ctx, req)
	}

	return c.handleFailure(ctx, cctx, handlerErr, duration, timedOut)
}

// invokeHandler runs the user handler in its own goroutine and races it
// against timeout. A handler that observes cancellation and returns in time
// reports its own error normally; one that does not is abandoned — spec.md
// §5's "this is the only case in which a handler may continue running after
// the task is considered complete" — and a synthetic retryable timeout error
// is returned instead. A panicking handler is recovered into an error so one
// bad invocation cannot take down the dispatch loop goroutine.
func (c *Crawler) invokeHandler(ctx context.Context, cctx *Context, timeout time.Duration) (err error, timedOut bool) {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("crawler: request handler panicked: %v", r)
			}
		}()
		done <- c.opts.RequestHandler(ctx, cctx)
	}()

	select {
	case err := <-done:
		return err, false
	case <-ctx.Done():
		return errs.NewRetryRequest(fmt.Errorf("request handler exceeded %s timeout", timeout)), true
	}
}

// handleFailure implements the CLASSIFY(err) branch of the state machine:
// retire-on-blocked, then non-retryable vs. retryable.
func (c *Crawler) handleFailure(ctx context.Context, cctx *Context, handlerErr error, duration time.Duration, timedOut bool) error {
	req := cctx.Request

	if code, ok := errs.IsHTTPBlocked(handlerErr); ok && cctx.Session != nil && c.opts.Cfg.RetryOnBlocked {
		cctx.Session.RetireOnBlockedStatusCodes(code)
	}

	req.AppendError(handlerErr.Error())

	// SessionError: retire the session and retry on a fresh one without
	// charging a retry against the request's own counter or the
	// maxRequestRetries cap (spec.md §7).
	if errs.IsSession(handlerErr) {
		if cctx.Session != nil {
			cctx.Session.Retire()
		}
		if c.opts.ErrorHandler != nil {
			c.opts.ErrorHandler(ctx, cctx, handlerErr)
		}
		if c.opts.Stats != nil {
			c.opts.Stats.RecordRetry()
		}
		return c.src.reclaim(ctx, req, true)
	}

	// RetryRequestError (and a handler timeout, classified the same way)
	// always triggers a retry regardless of noRetry/NonRetryableError, but
	// the global maxRetries cap still applies (spec.md §4.7).
	retryRequested := timedOut || errs.IsRetryRequest(handlerErr)
	nonRetryable := !retryRequested && (errs.IsNonRetryable(handlerErr) || req.NoRetry)
	exhausted := req.RetryCount >= req.EffectiveMaxRetries(c.maxRequestRetries())

	if nonRetryable || exhausted {
		if c.opts.FailedRequestHandler != nil {
			failCtx, cancel := context.WithTimeout(ctx, c.requestHandlerTimeout())
			c.opts.FailedRequestHandler(failCtx, cctx, handlerErr)
			cancel()
		}
		if c.opts.Stats != nil {
			c.opts.Stats.RecordRequestFailed(duration)
		}
		c.dispatched.Add(1)
		return c.src.markHandled(ctx, req)
	}

	req.IncrementRetryCount()
	if c.opts.ErrorHandler != nil {
		c.opts.ErrorHandler(ctx, cctx, handlerErr)
	}
	if cctx.Session != nil && timedOut {
		cctx.Session.MarkBad()
	}
	if c.opts.Stats != nil {
		c.opts.Stats.RecordRetry()
	}
	return c.src.reclaim(ctx, req, true)
}
