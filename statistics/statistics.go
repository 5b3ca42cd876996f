// Package statistics tracks the request counters and timings spec.md §4
// lists as "Counters and timings for observability; snapshottable." Grounded
// on metrics.Metrics (teacher's atomic-counter struct, kept near-verbatim for
// the lock-free counter shape) but widened from three counters
// (total/success/failed) to the full set the crawler's per-task state
// machine reports (spec.md §4.7's handled/failed/retried outcomes), with a
// request-duration histogram added via prometheus/client_golang and the same
// PERSIST_STATE subscription shape used by sessionpool.
package statistics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crawlee-go/crawlee/events"
	"github.com/crawlee-go/crawlee/storage"
)

// Stats is the lock-free counter set. All fields are accessed exclusively
// through atomic operations (teacher's Metrics doc comment: "no mutex
// contention even at high concurrency; reads/writes are linearisable").
type Stats struct {
	collection string
	store      storage.Client
	key        string
	startTime  time.Time

	requestsFinished uint64
	requestsFailed   uint64
	requestsRetries  uint64
	requestsTotal    uint64
	schemaDrifts     uint64

	requestDuration prometheus.Histogram
	persistSub      events.Subscription
}

// New constructs a Stats instance. persistStateKey defaults to
// "CRAWLER_STATISTICS" when empty, matching the per-component named-KVS-key
// convention spec.md §5 describes for RequestList/SessionPool/Statistics.
func New(collection string, store storage.Client, persistStateKey string, evt *events.Manager) *Stats {
	if persistStateKey == "" {
		persistStateKey = "CRAWLER_STATISTICS"
	}
	s := &Stats{
		collection: collection,
		store:      store,
		key:        persistStateKey,
		startTime:  time.Now(),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawlee_request_duration_seconds",
			Help:    "Duration of request handler invocations.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if evt != nil {
		s.persistSub = evt.On(events.PersistState, func(events.Event) {
			_ = s.PersistState(context.Background())
		})
	}
	return s
}

// Collector exposes the request-duration histogram for registration against
// a prometheus.Registry (e.g. by the dashboard package's /metrics endpoint).
func (s *Stats) Collector() prometheus.Collector { return s.requestDuration }

// RecordRequestFinished increments the handled counter and observes the
// handler's wall-clock duration.
func (s *Stats) RecordRequestFinished(duration time.Duration) {
	atomic.AddUint64(&s.requestsTotal, 1)
	atomic.AddUint64(&s.requestsFinished, 1)
	s.requestDuration.Observe(duration.Seconds())
}

// RecordRequestFailed increments the failed counter (spec.md §4.7: a request
// that exhausted retries or hit a non-retryable error).
func (s *Stats) RecordRequestFailed(duration time.Duration) {
	atomic.AddUint64(&s.requestsTotal, 1)
	atomic.AddUint64(&s.requestsFailed, 1)
	s.requestDuration.Observe(duration.Seconds())
}

// RecordRetry increments the retry counter.
func (s *Stats) RecordRetry() {
	atomic.AddUint64(&s.requestsRetries, 1)
}

// RecordSchemaDrift increments the schema-drift counter (SPEC_FULL §4.8's
// payload.Validator integration: one response didn't match the learned
// baseline shape).
func (s *Stats) RecordSchemaDrift() {
	atomic.AddUint64(&s.schemaDrifts, 1)
}

// Snapshot is the point-in-time, JSON-serializable counter set persisted
// under persistStateKey and returned by Snapshot().
type Snapshot struct {
	RequestsTotal    uint64  `json:"requests_total"`
	RequestsFinished uint64  `json:"requests_finished"`
	RequestsFailed   uint64  `json:"requests_failed"`
	RequestsRetries  uint64  `json:"requests_retries"`
	SchemaDrifts     uint64  `json:"schema_drifts"`
	CrawlerRuntimeMs int64   `json:"crawler_runtime_millis"`
	RequestsPerMin   float64 `json:"requests_finished_per_minute"`
}

// Snapshot returns the current counters. Because the five atomic loads are
// not taken under one lock, the snapshot may be very slightly inconsistent
// at nanosecond granularity (teacher's documented tradeoff), acceptable for
// observability.
func (s *Stats) Snapshot() Snapshot {
	elapsed := time.Since(s.startTime)
	finished := atomic.LoadUint64(&s.requestsFinished)
	perMin := 0.0
	if elapsed > 0 {
		perMin = float64(finished) / elapsed.Minutes()
	}
	return Snapshot{
		RequestsTotal:    atomic.LoadUint64(&s.requestsTotal),
		RequestsFinished: finished,
		RequestsFailed:   atomic.LoadUint64(&s.requestsFailed),
		RequestsRetries:  atomic.LoadUint64(&s.requestsRetries),
		SchemaDrifts:     atomic.LoadUint64(&s.schemaDrifts),
		CrawlerRuntimeMs: elapsed.Milliseconds(),
		RequestsPerMin:   perMin,
	}
}

// PersistState writes the current Snapshot to the configured KVS key.
func (s *Stats) PersistState(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		return fmt.Errorf("statistics: marshal snapshot: %w", err)
	}
	if err := s.store.PutState(ctx, s.collection, s.key, data); err != nil {
		return fmt.Errorf("statistics: put state: %w", err)
	}
	return nil
}

// Teardown unsubscribes from PERSIST_STATE and persists once more, mirroring
// sessionpool.Pool.Teardown.
func (s *Stats) Teardown(ctx context.Context) error {
	if s.persistSub != (events.Subscription{}) {
		s.persistSub.Unsubscribe()
	}
	return s.PersistState(ctx)
}
