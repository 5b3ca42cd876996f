// Package requestqueue implements the dynamic, deduplicating, ordered work
// queue described in spec.md §4.5: forefront insertion, in-progress
// per-request locking with heartbeat extension, and stuck-queue recovery.
// Structurally it generalizes the teacher's cluster.controller jar pattern
// (sync.Map-guarded indices, a background sweep goroutine) from a
// cookie-jar replication problem to request-lifecycle bookkeeping, and
// reuses the teacher's cluster.InMemoryLock shape — now lock.Lock — for
// per-request locking instead of per-resource locking.
package requestqueue

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/crawlee-go/crawlee/config"
	"github.com/crawlee-go/crawlee/events"
	"github.com/crawlee-go/crawlee/internal/retry"
	"github.com/crawlee-go/crawlee/internal/xlog"
	"github.com/crawlee-go/crawlee/lock"
	"github.com/crawlee-go/crawlee/request"
	"github.com/crawlee-go/crawlee/storage"
)

// Info mirrors spec.md §4.5's getInfo() snapshot.
type Info struct {
	TotalRequestCount   int
	HandledRequestCount int
	PendingRequestCount int
}

// RequestQueue is the durable, deduplicating work source spec.md §4.5
// describes.
type RequestQueue struct {
	collection string
	store      storage.Client
	locker     lock.Lock
	cfg        config.RequestQueueConfig
	evt        *events.Manager
	log        *xlog.Logger

	mu             sync.Mutex
	byUniqueKey    map[string]*request.Request
	forefrontStack *list.List // LIFO among forefront entries
	fifoQueue      *list.List // FIFO among non-forefront entries
	inQueue        map[string]*list.Element
	handled        map[string]bool
	inProgress     map[string]string // uniqueKey -> lock token
	total          int

	recentlyHandled *cache.Cache
	lastActivity    time.Time

	watchdogStop chan struct{}
	watchdogOnce sync.Once
	watchdogWG   sync.WaitGroup
}

// New constructs a RequestQueue backed by store and locker, scoped under
// collection (so multiple named queues can share one storage.Client /
// lock.Lock instance).
func New(collection string, store storage.Client, locker lock.Lock, cfg config.RequestQueueConfig, evt *events.Manager, log *xlog.Logger) *RequestQueue {
	ttl := cfg.InternalTimeout
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	q := &RequestQueue{
		collection:      collection,
		store:           store,
		locker:          locker,
		cfg:             cfg,
		evt:             evt,
		log:             log,
		byUniqueKey:     make(map[string]*request.Request),
		forefrontStack:  list.New(),
		fifoQueue:       list.New(),
		inQueue:         make(map[string]*list.Element),
		handled:         make(map[string]bool),
		inProgress:      make(map[string]string),
		recentlyHandled: cache.New(ttl, ttl/2),
		lastActivity:    time.Now(),
		watchdogStop:    make(chan struct{}),
	}
	q.startWatchdog()
	return q
}

func (q *RequestQueue) touch() {
	q.lastActivity = time.Now()
}

func (q *RequestQueue) lockTTL() time.Duration {
	if q.cfg.LockTTL > 0 {
		return q.cfg.LockTTL
	}
	return 5 * time.Minute
}

func (q *RequestQueue) storageCallTimeout() time.Duration {
	if q.cfg.StorageCallTimeout > 0 {
		return q.cfg.StorageCallTimeout
	}
	return 30 * time.Second
}

func (q *RequestQueue) storageMaxRetries() int {
	if q.cfg.StorageMaxRetries > 0 {
		return q.cfg.StorageMaxRetries
	}
	return 3
}

// persist writes rec to storage with bounded retry (spec.md §5: "retried up
// to 3 times"), surfacing the final failure as a plain error for the caller
// to classify.
func (q *RequestQueue) persist(ctx context.Context, rec storage.RequestRecord) error {
	return retry.Do(ctx, q.storageMaxRetries(), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, q.storageCallTimeout())
		defer cancel()
		return q.store.PutRequest(callCtx, q.collection, rec)
	})
}

func toRecord(r *request.Request, forefront, inProgress bool) storage.RequestRecord {
	var handledAt int64
	if r.HandledAt != nil {
		handledAt = r.HandledAt.Unix()
	}
	return storage.RequestRecord{
		ID:             r.ID(),
		UniqueKey:      r.UniqueKey(),
		URL:            r.URL,
		LoadedURL:      r.LoadedURL,
		Method:         r.Method,
		Headers:        r.Headers,
		Payload:        r.Payload,
		UserData:       r.UserData,
		RetryCount:     r.RetryCount,
		ErrorMessages:  r.ErrorMessages,
		HandledAtUnix:  handledAt,
		NoRetry:        r.NoRetry,
		SkipNavigation: r.SkipNavigation,
		MaxRetries:     r.MaxRetries,
		Forefront:      forefront,
		InProgress:     inProgress,
	}
}

// AddRequest implements spec.md §4.5's addRequest. Dedup is on UniqueKey;
// re-adding an already-known uniqueKey is a no-op returning
// WasAlreadyPresent/WasAlreadyHandled.
func (q *RequestQueue) AddRequest(ctx context.Context, r *request.Request, forefront bool) (*request.QueueOperationInfo, error) {
	q.mu.Lock()
	uk := r.UniqueKey()
	if _, ok := q.byUniqueKey[uk]; ok {
		alreadyHandled := q.handled[uk]
		q.mu.Unlock()
		return &request.QueueOperationInfo{
			WasAlreadyPresent: true,
			WasAlreadyHandled: alreadyHandled,
			RequestID:         r.ID(),
			UniqueKey:         uk,
		}, nil
	}

	q.byUniqueKey[uk] = r
	q.total++
	var elem *list.Element
	if forefront {
		elem = q.forefrontStack.PushFront(uk)
	} else {
		elem = q.fifoQueue.PushBack(uk)
	}
	q.inQueue[uk] = elem
	q.touch()
	q.mu.Unlock()

	if err := q.persist(ctx, toRecord(r, forefront, false)); err != nil {
		return nil, fmt.Errorf("requestqueue: add %q: %w", uk, err)
	}
	return &request.QueueOperationInfo{RequestID: r.ID(), UniqueKey: uk}, nil
}

// AddRequestsResult is what AddRequests returns: per-item results for the
// first synchronous batch, plus a Done channel closed once every remaining
// batch has been applied.
type AddRequestsResult struct {
	Results []*request.QueueOperationInfo
	Done    <-chan struct{}
}

// AddRequests implements spec.md §4.5's addRequests: the first batch
// (default 1000) resolves synchronously, the rest stream in the
// background via the returned Done signal.
func (q *RequestQueue) AddRequests(ctx context.Context, reqs []*request.Request, forefront bool) (*AddRequestsResult, error) {
	batchSize := q.cfg.AddRequestsBatch
	if batchSize <= 0 {
		batchSize = 1000
	}
	if batchSize > len(reqs) {
		batchSize = len(reqs)
	}

	first := reqs[:batchSize]
	rest := reqs[batchSize:]

	results := make([]*request.QueueOperationInfo, 0, len(first))
	for _, r := range first {
		info, err := q.AddRequest(ctx, r, forefront)
		if err != nil {
			return nil, err
		}
		results = append(results, info)
	}

	done := make(chan struct{})
	if len(rest) == 0 {
		close(done)
	} else {
		go func() {
			defer close(done)
			for i := 0; i < len(rest); i += batchSize {
				end := i + batchSize
				if end > len(rest) {
					end = len(rest)
				}
				for _, r := range rest[i:end] {
					_, _ = q.AddRequest(ctx, r, forefront)
				}
			}
		}()
	}

	return &AddRequestsResult{Results: results, Done: done}, nil
}

// GetRequest implements spec.md §4.5's getRequest(id).
func (q *RequestQueue) GetRequest(id string) *request.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.byUniqueKey {
		if r.ID() == id {
			return r
		}
	}
	return nil
}

// FetchNextRequest implements spec.md §4.5's fetchNextRequest: pops the
// next pending request honoring forefront LIFO / FIFO tie-break, and
// acquires a TTL lock on it. Returns (nil, nil) when pending is empty.
func (q *RequestQueue) FetchNextRequest(ctx context.Context) (*request.Request, error) {
	q.mu.Lock()
	var elem *list.Element
	var fromForefront bool
	if q.forefrontStack.Len() > 0 {
		elem = q.forefrontStack.Front()
		fromForefront = true
	} else if q.fifoQueue.Len() > 0 {
		elem = q.fifoQueue.Front()
	}
	if elem == nil {
		q.mu.Unlock()
		return nil, nil
	}
	uk := elem.Value.(string)
	r := q.byUniqueKey[uk]
	if fromForefront {
		q.forefrontStack.Remove(elem)
	} else {
		q.fifoQueue.Remove(elem)
	}
	delete(q.inQueue, uk)
	q.touch()
	q.mu.Unlock()

	token, ok, err := q.locker.TryAcquire(ctx, q.lockKey(uk), q.lockTTL())
	if err != nil {
		return nil, fmt.Errorf("requestqueue: lock %q: %w", uk, err)
	}
	if !ok {
		// Already locked by a concurrent fetcher (multi-process); put the
		// request back at the tail of the list it came from and treat it as
		// not-ready rather than losing it, per "fetchNextRequest never
		// returns a request already in-progress".
		q.mu.Lock()
		if fromForefront {
			q.inQueue[uk] = q.forefrontStack.PushBack(uk)
		} else {
			q.inQueue[uk] = q.fifoQueue.PushBack(uk)
		}
		q.mu.Unlock()
		return nil, nil
	}

	q.mu.Lock()
	q.inProgress[uk] = token
	q.mu.Unlock()
	return r, nil
}

func (q *RequestQueue) lockKey(uniqueKey string) string {
	return q.collection + ":" + uniqueKey
}

// HeartbeatLock extends the in-progress lock on r, matching spec.md §4.5's
// "the crawler heartbeats the lock while the handler runs".
func (q *RequestQueue) HeartbeatLock(ctx context.Context, r *request.Request) error {
	uk := r.UniqueKey()
	q.mu.Lock()
	token, ok := q.inProgress[uk]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("requestqueue: heartbeat %q: not in progress", uk)
	}
	return q.locker.Extend(ctx, q.lockKey(uk), token, q.lockTTL())
}

// MarkRequestHandled implements spec.md §4.5's markRequestHandled.
func (q *RequestQueue) MarkRequestHandled(ctx context.Context, r *request.Request) error {
	uk := r.UniqueKey()
	now := time.Now()
	r.MarkHandled(now)

	q.mu.Lock()
	token, inProg := q.inProgress[uk]
	delete(q.inProgress, uk)
	q.handled[uk] = true
	q.touch()
	q.mu.Unlock()

	if inProg {
		_ = q.locker.Release(ctx, q.lockKey(uk), token)
	}
	q.recentlyHandled.SetDefault(uk, true)

	if err := q.persist(ctx, toRecord(r, false, false)); err != nil {
		return fmt.Errorf("requestqueue: mark handled %q: %w", uk, err)
	}
	return nil
}

// ReclaimRequest implements spec.md §4.5's reclaimRequest: the request
// returns to pending (head if forefront) and its lock is released.
func (q *RequestQueue) ReclaimRequest(ctx context.Context, r *request.Request, forefront bool) error {
	uk := r.UniqueKey()

	q.mu.Lock()
	token, inProg := q.inProgress[uk]
	delete(q.inProgress, uk)
	var elem *list.Element
	if forefront {
		elem = q.forefrontStack.PushFront(uk)
	} else {
		elem = q.fifoQueue.PushBack(uk)
	}
	q.inQueue[uk] = elem
	q.touch()
	q.mu.Unlock()

	if inProg {
		_ = q.locker.Release(ctx, q.lockKey(uk), token)
	}
	return nil
}

// IsEmpty implements spec.md §4.5's isEmpty(): no pending and no
// in-progress requests remain.
func (q *RequestQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.forefrontStack.Len() == 0 && q.fifoQueue.Len() == 0 && len(q.inProgress) == 0
}

// IsFinished implements spec.md §4.5's isFinished(): every added request
// has been handled.
func (q *RequestQueue) IsFinished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.handled) == q.total
}

// HandledCount implements spec.md §4.5's handledCount().
func (q *RequestQueue) HandledCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.handled)
}

// GetInfo implements spec.md §4.5's getInfo().
func (q *RequestQueue) GetInfo() Info {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Info{
		TotalRequestCount:   q.total,
		HandledRequestCount: len(q.handled),
		PendingRequestCount: q.forefrontStack.Len() + q.fifoQueue.Len(),
	}
}

// Drop implements spec.md §4.5's drop(): destroys the queue's durable
// records and stops its watchdog.
func (q *RequestQueue) Drop(ctx context.Context) error {
	q.stopWatchdog()
	return q.store.Purge(ctx, q.collection)
}

// startWatchdog launches the stuck-queue recovery goroutine (spec.md
// §4.5): if no state-changing operation occurs within InternalTimeout
// while in-progress is non-empty, every in-progress request is forcibly
// reclaimed and the recently-handled cache is cleared to avoid a
// zero-concurrency deadlock.
func (q *RequestQueue) startWatchdog() {
	interval := q.cfg.InternalTimeout
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	q.watchdogWG.Add(1)
	go func() {
		defer q.watchdogWG.Done()
		ticker := time.NewTicker(interval / 5)
		defer ticker.Stop()
		for {
			select {
			case <-q.watchdogStop:
				return
			case <-ticker.C:
				q.maybeRecoverStuckQueue(interval)
			}
		}
	}()
}

func (q *RequestQueue) maybeRecoverStuckQueue(timeout time.Duration) {
	q.mu.Lock()
	stale := time.Since(q.lastActivity) > timeout && len(q.inProgress) > 0
	var reclaim []string
	if stale {
		for uk := range q.inProgress {
			reclaim = append(reclaim, uk)
		}
	}
	q.mu.Unlock()

	if !stale {
		return
	}

	ctx := context.Background()
	for _, uk := range reclaim {
		q.mu.Lock()
		r := q.byUniqueKey[uk]
		q.mu.Unlock()
		if r == nil {
			continue
		}
		if err := q.ReclaimRequest(ctx, r, true); err != nil && q.log != nil {
			q.log.Errorf("requestqueue: stuck recovery reclaim %q: %v", uk, err)
		}
	}
	q.recentlyHandled.Flush()
	q.mu.Lock()
	q.touch()
	q.mu.Unlock()
	if q.log != nil {
		q.log.Warnf("requestqueue: recovered %d stuck in-progress requests", len(reclaim))
	}
}

func (q *RequestQueue) stopWatchdog() {
	q.watchdogOnce.Do(func() { close(q.watchdogStop) })
	q.watchdogWG.Wait()
}
