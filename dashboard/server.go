// Package dashboard provides a real-time HTTP observability surface for a
// running crawl.
//
// It exposes:
//   - GET  /api/metrics/stream  – SSE stream of live crawl statistics (100ms ticks)
//   - GET  /api/logs/stream     – SSE stream of log entries
//   - GET  /api/config          – current engine configuration (JSON)
//   - POST /api/config          – hot-reload selected config fields (JSON body)
//   - GET  /api/nodes           – multi-node cluster status snapshot (JSON)
//   - POST /api/proxy           – upload a new proxy list (multipart file)
//   - GET  /metrics             – Prometheus text exposition format
//
// All SSE endpoints set appropriate headers so browsers can use EventSource
// without any additional libraries. CORS is wide-open so a separate frontend
// dev server can reach the Go backend during local development.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crawlee-go/crawlee/cluster"
	"github.com/crawlee-go/crawlee/config"
	"github.com/crawlee-go/crawlee/internal/xlog"
	"github.com/crawlee-go/crawlee/proxyconfig"
	"github.com/crawlee-go/crawlee/sessionpool"
	"github.com/crawlee-go/crawlee/statistics"
)

// ─── Data Types ───────────────────────────────────────────────────────────────

// MetricsSnapshot is the JSON payload pushed to dashboard clients every tick.
type MetricsSnapshot struct {
	Timestamp      int64   `json:"timestamp"`
	Total          uint64  `json:"total"`
	Finished       uint64  `json:"finished"`
	Failed         uint64  `json:"failed"`
	Retries        uint64  `json:"retries"`
	SchemaDrifts   uint64  `json:"schema_drifts"`
	FinishedPerMin float64 `json:"finished_per_minute"`
	Sessions       int64   `json:"sessions"`
	UsableSessions int64   `json:"usable_sessions"`
}

// NodeStatus represents one cluster node's health, as reported through
// cluster.MasterControllerServer.GetAllStatus's session-status fan-out when
// the server is running in clustered mode.
type NodeStatus struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	Status     string `json:"status"`
	MemoryMB   uint64 `json:"memory_mb"`
	Goroutines int    `json:"goroutines"`
}

// LogEntry is a structured log line streamed to the dashboard.
type LogEntry struct {
	Timestamp int64  `json:"ts"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// ConfigPayload is the subset of config.Configuration fields that can be
// hot-updated through the dashboard.
type ConfigPayload struct {
	MaxRequestRetries   int `json:"max_request_retries"`
	MaxRequestsPerCrawl int `json:"max_requests_per_crawl"`
}

// ─── Server ───────────────────────────────────────────────────────────────────

// Server provides HTTP endpoints for observing and lightly steering a
// running crawl. It is grounded on the teacher's dashboard.Server
// (SSE-fan-out design), generalized from a single global engine.Metrics
// value to this repo's statistics.Stats and sessionpool.Pool, and extended
// with a /metrics Prometheus endpoint and an optional cluster.MasterController
// for multi-node status.
type Server struct {
	stats    *statistics.Stats
	sessions *sessionpool.Pool
	cfg      *config.Configuration
	proxies  *proxyconfig.Configuration
	master   *cluster.MasterControllerServer // nil when not running clustered
	log      *xlog.Logger
	cfgMu    sync.RWMutex

	// Log ring buffer (capped at maxLogs).
	logMu    sync.Mutex
	logs     []LogEntry
	logSubs  map[chan LogEntry]struct{}
	logSubMu sync.Mutex

	// Metrics SSE subscribers.
	metricsSubs  map[chan MetricsSnapshot]struct{}
	metricsSubMu sync.Mutex

	registry *prometheus.Registry
	mux      *http.ServeMux
}

const maxLogs = 10_000

// New creates a dashboard Server backed by the given crawl components. Any
// of sessions, proxies, or master may be nil when that feature isn't wired
// (e.g. a single-node crawl with no proxy rotation). Call ListenAndServe to
// start accepting connections.
func New(stats *statistics.Stats, sessions *sessionpool.Pool, cfg *config.Configuration, proxies *proxyconfig.Configuration, master *cluster.MasterControllerServer, log *xlog.Logger) *Server {
	reg := prometheus.NewRegistry()
	if stats != nil {
		reg.MustRegister(stats.Collector())
	}

	s := &Server{
		stats:       stats,
		sessions:    sessions,
		cfg:         cfg,
		proxies:     proxies,
		master:      master,
		log:         log,
		logs:        make([]LogEntry, 0, 512),
		logSubs:     make(map[chan LogEntry]struct{}),
		metricsSubs: make(map[chan MetricsSnapshot]struct{}),
		registry:    reg,
		mux:         http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// AddLog appends a structured log entry to the ring buffer and fans it out to
// every active SSE /api/logs/stream subscriber.
func (s *Server) AddLog(level, message string) {
	entry := LogEntry{
		Timestamp: time.Now().UnixMilli(),
		Level:     level,
		Message:   message,
	}

	s.logMu.Lock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > maxLogs {
		s.logs = s.logs[len(s.logs)-maxLogs:]
	}
	s.logMu.Unlock()

	s.logSubMu.Lock()
	for ch := range s.logSubs {
		select {
		case ch <- entry:
		default:
			// Slow subscriber – drop rather than block.
		}
	}
	s.logSubMu.Unlock()
}

// ListenAndServe starts the HTTP server on addr (e.g. ":8080") and blocks
// until ctx is cancelled. It also starts the background goroutine that ticks
// metrics to SSE subscribers every 100ms.
//
// Timeouts are intentionally generous for a local dashboard: SSE and log
// streams are long-lived connections that must not be cut off by short write
// deadlines. Operators exposing the dashboard on a public interface should
// wrap this in a reverse proxy with appropriate rate limiting.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	go s.metricsTicker(ctx)
	if s.log != nil {
		s.log.Infof("dashboard: listening on %s", addr)
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // disabled – SSE/log streams are unbounded
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ─── Route registration ───────────────────────────────────────────────────────

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/metrics/stream", s.withCORS(s.handleMetricsStream))
	s.mux.HandleFunc("/api/logs/stream", s.withCORS(s.handleLogsStream))
	s.mux.HandleFunc("/api/config", s.withCORS(s.handleConfig))
	s.mux.HandleFunc("/api/nodes", s.withCORS(s.handleNodes))
	s.mux.HandleFunc("/api/proxy", s.withCORS(s.handleProxy))
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// ─── CORS middleware ──────────────────────────────────────────────────────────

func (s *Server) withCORS(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h(w, r)
	}
}

// ─── /api/metrics/stream ─────────────────────────────────────────────────────

func (s *Server) metricsTicker(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.snapshot()
			s.metricsSubMu.Lock()
			for ch := range s.metricsSubs {
				select {
				case ch <- snap:
				default:
				}
			}
			s.metricsSubMu.Unlock()
		}
	}
}

func (s *Server) snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{Timestamp: time.Now().UnixMilli()}
	if s.stats != nil {
		ss := s.stats.Snapshot()
		snap.Total = ss.RequestsTotal
		snap.Finished = ss.RequestsFinished
		snap.Failed = ss.RequestsFailed
		snap.Retries = ss.RequestsRetries
		snap.SchemaDrifts = ss.SchemaDrifts
		snap.FinishedPerMin = ss.RequestsPerMin
	}
	if s.sessions != nil {
		snap.Sessions = int64(s.sessions.Size())
		snap.UsableSessions = int64(s.sessions.UsableSessionsCount())
	}
	return snap
}

func (s *Server) handleMetricsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan MetricsSnapshot, 16)
	s.metricsSubMu.Lock()
	s.metricsSubs[ch] = struct{}{}
	s.metricsSubMu.Unlock()

	defer func() {
		s.metricsSubMu.Lock()
		delete(s.metricsSubs, ch)
		s.metricsSubMu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			if err := sseWrite(w, snap); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ─── /api/logs/stream ────────────────────────────────────────────────────────

func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	s.logMu.Lock()
	history := make([]LogEntry, len(s.logs))
	copy(history, s.logs)
	s.logMu.Unlock()

	for _, entry := range history {
		if err := sseWrite(w, entry); err != nil {
			return
		}
	}
	flusher.Flush()

	ch := make(chan LogEntry, 256)
	s.logSubMu.Lock()
	s.logSubs[ch] = struct{}{}
	s.logSubMu.Unlock()

	defer func() {
		s.logSubMu.Lock()
		delete(s.logSubs, ch)
		s.logSubMu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-ch:
			if err := sseWrite(w, entry); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func sseWrite(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// ─── /api/config ─────────────────────────────────────────────────────────────

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.cfgMu.RLock()
		payload := ConfigPayload{}
		if s.cfg != nil {
			payload.MaxRequestRetries = s.cfg.Crawler.MaxRequestRetries
			payload.MaxRequestsPerCrawl = s.cfg.Crawler.MaxRequestsPerCrawl
		}
		s.cfgMu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(payload); err != nil && s.log != nil {
			s.log.Errorf("dashboard: encode config: %v", err)
		}

	case http.MethodPost:
		var payload ConfigPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		if s.cfg == nil {
			http.Error(w, "no configuration wired", http.StatusServiceUnavailable)
			return
		}
		s.cfgMu.Lock()
		if payload.MaxRequestRetries > 0 {
			s.cfg.Crawler.MaxRequestRetries = payload.MaxRequestRetries
		}
		if payload.MaxRequestsPerCrawl > 0 {
			s.cfg.Crawler.MaxRequestsPerCrawl = payload.MaxRequestsPerCrawl
		}
		s.cfgMu.Unlock()
		s.AddLog("INFO", fmt.Sprintf("config updated via dashboard: max_retries=%d max_requests_per_crawl=%d",
			payload.MaxRequestRetries, payload.MaxRequestsPerCrawl))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ─── /api/nodes ──────────────────────────────────────────────────────────────

// handleNodes returns this node's real runtime stats plus, when running
// clustered (master != nil), the session-status fan-out collected via
// cluster.MasterControllerServer.GetAllStatus.
func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	nodes := []NodeStatus{{
		ID:         "local",
		Role:       "standalone",
		Status:     "online",
		MemoryMB:   memStats.Alloc / 1024 / 1024,
		Goroutines: runtime.NumGoroutine(),
	}}

	if s.master != nil {
		seen := make(map[string]bool)
		for _, sess := range s.master.Sessions() {
			if seen[sess.NodeID] {
				continue
			}
			seen[sess.NodeID] = true
			nodes = append(nodes, NodeStatus{
				ID:     sess.NodeID,
				Role:   "worker",
				Status: sess.State,
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(nodes); err != nil && s.log != nil {
		s.log.Errorf("dashboard: encode nodes: %v", err)
	}
}

// ─── /api/proxy ──────────────────────────────────────────────────────────────

const maxProxyUploadSize = 10 << 20 // 10 MiB

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.proxies == nil {
		http.Error(w, "no proxy configuration wired", http.StatusServiceUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxProxyUploadSize)
	if err := r.ParseMultipartForm(maxProxyUploadSize); err != nil {
		http.Error(w, "request too large or not multipart", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("proxies")
	if err != nil {
		http.Error(w, "missing 'proxies' field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	dest, err := os.CreateTemp("", "proxies-*.txt")
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	defer os.Remove(dest.Name())
	defer dest.Close()

	n, err := io.Copy(dest, file)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	reloaded, err := proxyconfig.Load(dest.Name(), s.log)
	if err != nil {
		http.Error(w, "failed to parse proxy list", http.StatusBadRequest)
		return
	}
	s.proxies.Reload(reloaded.Proxies())

	s.AddLog("INFO", fmt.Sprintf("proxy list uploaded: count=%d bytes=%d original=%q",
		s.proxies.Count(), n, header.Filename))

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"ok":true,"count":%d,"bytes":%d}`, s.proxies.Count(), n)
}
