// Command crawler is a generic, session-aware web-crawling engine.
//
// Startup sequence mirrors the teacher's GoSessionEngine main.go (config →
// proxy list → metrics/logger → sessions → worker pool → scheduler →
// signal-based shutdown), generalized from one fixed-size session farm
// hitting a single TargetURL into a crawler.Crawler driven by a
// requestqueue.RequestQueue seeded from -start-url flags and an arbitrary
// RequestHandler:
//
//  1. Load configuration (JSON file, env overrides, or defaults).
//  2. Load the proxy list (optional).
//  3. Build storage (in-memory, or Redis when -redis-addr is set) and the
//     distributed lock it's paired with.
//  4. Build the session pool, statistics, and a per-session transport.Factory.
//  5. Start the dashboard HTTP server.
//  6. Seed the request queue and run the crawler until it drains or a
//     shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crawlee-go/crawlee/cluster"
	"github.com/crawlee-go/crawlee/config"
	"github.com/crawlee-go/crawlee/crawler"
	"github.com/crawlee-go/crawlee/dashboard"
	"github.com/crawlee-go/crawlee/fingerprint"
	"github.com/crawlee-go/crawlee/internal/xlog"
	"github.com/crawlee-go/crawlee/lock"
	"github.com/crawlee-go/crawlee/proxyconfig"
	"github.com/crawlee-go/crawlee/request"
	"github.com/crawlee-go/crawlee/requestqueue"
	"github.com/crawlee-go/crawlee/sessionpool"
	"github.com/crawlee-go/crawlee/statistics"
	"github.com/crawlee-go/crawlee/storage"
	"github.com/crawlee-go/crawlee/storage/memory"
	redisstorage "github.com/crawlee-go/crawlee/storage/redis"
	"github.com/crawlee-go/crawlee/transport"
)

type startURLs []string

func (u *startURLs) String() string { return strings.Join(*u, ",") }
func (u *startURLs) Set(v string) error {
	*u = append(*u, v)
	return nil
}

func main() {
	// ── Flags ──────────────────────────────────────────────────────────────
	configFile := flag.String("config", "", "Path to JSON config file (optional; uses defaults/env if omitted)")
	dashboardAddr := flag.String("dashboard", ":8080", "Address for the real-time dashboard HTTP server")
	proxyFile := flag.String("proxy-file", "", "Path to a newline-delimited proxy list (optional)")
	redisAddr := flag.String("redis-addr", "", "Redis address for shared storage/locking (empty uses in-memory storage)")
	clusterAddr := flag.String("cluster-addr", "", "MasterController gRPC address to join as a worker node (optional)")
	nodeID := flag.String("node-id", "", "This process's cluster node ID (required with -cluster-addr)")
	impersonate := flag.Bool("impersonate-tls", false, "Enable Chrome TLS/H2 fingerprint impersonation")
	var urls startURLs
	flag.Var(&urls, "start-url", "Seed URL to enqueue (repeatable)")
	flag.Parse()

	// ── Logger ─────────────────────────────────────────────────────────────
	log := xlog.New(xlog.LevelInfo)
	log.Info("crawler starting up")

	// ── Configuration ──────────────────────────────────────────────────────
	var cfg *config.Configuration
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			log.Errorf("failed to load config from %q: %v", *configFile, err)
			os.Exit(1)
		}
		log.Infof("configuration loaded from %q", *configFile)
	} else {
		cfg = config.FromEnv()
		log.Info("using default/env configuration")
	}
	cfg.ImpersonateTLS = cfg.ImpersonateTLS || *impersonate
	if cfg.VerboseLog {
		log.SetLevel(xlog.LevelDebug)
	}
	evt := cfg.Events()

	// ── Proxy configuration ─────────────────────────────────────────────────
	var proxies *proxyconfig.Configuration
	if *proxyFile != "" {
		var err error
		proxies, err = proxyconfig.Load(*proxyFile, log)
		if err != nil {
			log.Errorf("failed to load proxies from %q: %v", *proxyFile, err)
			os.Exit(1)
		}
		log.Infof("loaded %d proxies from %q", proxies.Count(), *proxyFile)
	} else {
		proxies = proxyconfig.New(nil, log)
		log.Info("no proxy file configured; sessions will connect directly")
	}

	// ── Storage + distributed lock ───────────────────────────────────────────
	var store storage.Client
	var locker lock.Lock
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		store = redisstorage.New(rdb, "crawlee")
		locker = lock.NewRedisLock(rdb, "crawlee:lock")
		log.Infof("using Redis storage/locking at %s", *redisAddr)
	} else {
		store = memory.New()
		locker = lock.NewMemoryLock()
		log.Info("using in-memory storage (single-process only)")
	}

	// ── Optional cluster membership ─────────────────────────────────────────
	var masterSrv *cluster.MasterControllerServer
	var workerClient *cluster.WorkerClient
	if *clusterAddr != "" {
		if *nodeID == "" {
			log.Error("-node-id is required when -cluster-addr is set")
			os.Exit(1)
		}
		var err error
		workerClient, err = cluster.NewWorkerClient(*nodeID, *clusterAddr)
		if err != nil {
			log.Errorf("failed to join cluster at %s: %v", *clusterAddr, err)
			os.Exit(1)
		}
		defer workerClient.Close()
		log.Infof("joined cluster at %s as node %q", *clusterAddr, *nodeID)
	}

	// ── Statistics ────────────────────────────────────────────────────────
	stats := statistics.New("crawler", store, "", evt)

	// ── Transport + fingerprint profile ─────────────────────────────────────
	var profile *fingerprint.Profile
	if cfg.ImpersonateTLS {
		profile = fingerprint.ChromeProfile()
		log.Info("TLS/H2 impersonation enabled (Chrome profile)")
	}
	transportFactory := transport.NewFactory(cfg.Transport, profile, log)

	// ── Session pool ──────────────────────────────────────────────────────
	sessions := sessionpool.New("sessions", store, cfg.SessionPool, evt, log, nil)

	// ── Dashboard server ───────────────────────────────────────────────────
	dash := dashboard.New(stats, sessions, cfg, proxies, masterSrv, log)
	dashCtx, cancelDash := context.WithCancel(context.Background())
	defer cancelDash()
	go func() {
		if err := dash.ListenAndServe(dashCtx, *dashboardAddr); err != nil {
			log.Errorf("dashboard server error: %v", err)
		}
	}()
	log.Infof("dashboard server starting on %s", *dashboardAddr)

	// ── Request queue ─────────────────────────────────────────────────────
	queue := requestqueue.New("requests", store, locker, cfg.RequestQueue, evt, log)
	ctx, cancel := context.WithCancel(context.Background())
	for _, u := range urls {
		if _, err := queue.AddRequest(ctx, request.New(u, ""), false); err != nil {
			log.Errorf("failed to enqueue seed URL %q: %v", u, err)
		}
	}
	if len(urls) == 0 {
		log.Info("no -start-url given; crawler will idle until the queue is seeded externally")
	}

	// ── Crawler ────────────────────────────────────────────────────────────
	// requestHandler is a placeholder: replace with application-specific
	// extraction logic. It performs a GET against the request's URL and
	// reports outcomes to Stats; it does not parse the body or enqueue links.
	requestHandler := func(rctx context.Context, c *crawler.Context) error {
		start := time.Now()
		req, err := http.NewRequestWithContext(rctx, http.MethodGet, c.Request.URL, nil)
		if err != nil {
			return err
		}
		resp, err := c.SendRequest(req)
		if err != nil {
			stats.RecordRequestFailed(time.Since(start))
			return err
		}
		defer resp.Body.Close()

		if workerClient != nil && c.Session != nil {
			_ = workerClient.ReportStatus(rctx, c.Session.ID(), "active")
		}

		stats.RecordRequestFinished(time.Since(start))
		return nil
	}

	c, err := crawler.New(crawler.Options{
		RequestQueue:   queue,
		RequestHandler: requestHandler,
		Sessions:       sessions,
		Proxies:        proxies,
		Stats:          stats,
		SendRequest:    transportFactory.DialFunc(),
		Cfg:            cfg.Crawler,
		PoolCfg:        cfg.AutoscaledPool,
		Events:         evt,
		Log:            log,
	})
	if err != nil {
		log.Errorf("failed to construct crawler: %v", err)
		os.Exit(1)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	// ── Graceful shutdown ──────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Println() // newline after ^C
		log.Infof("received signal %s; shutting down", sig)
		dash.AddLog("INFO", fmt.Sprintf("received signal %s; shutting down", sig))
		cancel()
		<-runDone
	case err := <-runDone:
		if err != nil {
			log.Errorf("crawler run error: %v", err)
		}
	}

	snap := stats.Snapshot()
	log.Infof("final stats – total: %d | finished: %d | failed: %d | retries: %d",
		snap.RequestsTotal, snap.RequestsFinished, snap.RequestsFailed, snap.RequestsRetries)
	log.Info("crawler shut down cleanly")
}
