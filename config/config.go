// Package config provides the Configuration value every crawlee-go
// component is constructed with. It generalizes the teacher's flat
// config.Config (one struct, loaded once, shared read-only across
// goroutines) into nested per-component option structs, one per spec.md §4
// component, and owns the process's EventManager per the Design Notes in
// spec.md §9: components receive it explicitly at construction, there is no
// process-wide singleton except the optional Default().
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/crawlee-go/crawlee/events"
)

// SnapshotterConfig tunes spec.md §4.1.
type SnapshotterConfig struct {
	MaxBlockedMillis     time.Duration `json:"max_blocked_millis"`
	MaxUsedMemoryRatio   float64       `json:"max_used_memory_ratio"`
	MaxUsedCPURatio      float64       `json:"max_used_cpu_ratio"`
	MaxClientErrors      int           `json:"max_client_errors"`
	SnapshotHistorySecs  int           `json:"snapshot_history_secs"`
	SampleIntervalMillis time.Duration `json:"sample_interval_millis"`
}

// SystemStatusConfig tunes spec.md §4.2.
type SystemStatusConfig struct {
	CurrentHistorySecs         int     `json:"current_history_secs"`
	MaxResourceOverloadedRatio float64 `json:"max_resource_overloaded_ratio"`
	MaxCPUOverloadedRatio      float64 `json:"max_cpu_overloaded_ratio"`
}

// AutoscaledPoolConfig tunes spec.md §4.3.
type AutoscaledPoolConfig struct {
	MinConcurrency          int           `json:"min_concurrency"`
	MaxConcurrency          int           `json:"max_concurrency"`
	DesiredConcurrency      int           `json:"desired_concurrency"`
	DesiredConcurrencyRatio float64       `json:"desired_concurrency_ratio"`
	ScaleUpStepRatio        float64       `json:"scale_up_step_ratio"`
	ScaleDownStepRatio      float64       `json:"scale_down_step_ratio"`
	MaybeRunInterval        time.Duration `json:"maybe_run_interval"`
	AutoscaleInterval       time.Duration `json:"autoscale_interval"`
	TaskTimeout             time.Duration `json:"task_timeout"`
}

// SessionPoolConfig tunes spec.md §4.6.
type SessionPoolConfig struct {
	MaxPoolSize         int           `json:"max_pool_size"`
	MaxErrorScore       float64       `json:"max_error_score"`
	ErrorScoreDecrement float64       `json:"error_score_decrement"`
	MaxUsageCount       int           `json:"max_usage_count"`
	MaxAge              time.Duration `json:"max_age"`
	PersistStateKey     string        `json:"persist_state_key"`
}

// RequestQueueConfig tunes spec.md §4.5.
type RequestQueueConfig struct {
	LockTTL            time.Duration `json:"lock_ttl"`
	InternalTimeout    time.Duration `json:"internal_timeout"`
	AddRequestsBatch   int           `json:"add_requests_batch"`
	StorageCallTimeout time.Duration `json:"storage_call_timeout"`
	StorageMaxRetries  int           `json:"storage_max_retries"`
}

// RequestListConfig tunes spec.md §4.4.
type RequestListConfig struct {
	PersistStateIntervalSecs int  `json:"persist_state_interval_secs"`
	KeepDuplicateURLs        bool `json:"keep_duplicate_urls"`

	// PersistRequestsKey, if non-empty, persists the frozen source itself
	// (not just the resume cursor) under this storage key on first
	// Initialize and reloads it verbatim on every subsequent one, instead
	// of re-fetching inline/remote sources and risking drift against the
	// already-persisted resume cursor.
	PersistRequestsKey string `json:"persist_requests_key"`
}

// CrawlerConfig tunes spec.md §4.7.
type CrawlerConfig struct {
	MaxRequestRetries        int           `json:"max_request_retries"`
	MaxRequestsPerCrawl      int           `json:"max_requests_per_crawl"`
	RequestHandlerTimeout    time.Duration `json:"request_handler_timeout"`
	UseSessionPool           bool          `json:"use_session_pool"`
	PersistCookiesPerSession bool          `json:"persist_cookies_per_session"`
	RetryOnBlocked           bool          `json:"retry_on_blocked"`
	KeepAlive                bool          `json:"keep_alive"`
}

// TransportConfig tunes spec.md §4.9's per-Session HTTP transport (teacher's
// client.NewHTTPClient connection-pool tuning, generalized per-Session
// instead of shared, plus the optional uTLS/H2 impersonation path and a
// per-session output rate limit).
type TransportConfig struct {
	MaxIdleConns        int           `json:"max_idle_conns"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `json:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `json:"idle_conn_timeout"`
	TLSHandshakeTimeout time.Duration `json:"tls_handshake_timeout"`
	RequestTimeout      time.Duration `json:"request_timeout"`

	// RequestsPerSecond throttles outbound requests per Session transport,
	// distinct from AutoscaledPool's crawl-wide concurrency control. Zero
	// means unlimited.
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// PersistStateInterval is the default interval at which the EventManager
// fires PERSIST_STATE.
const PersistStateInterval = 60 * time.Second

// Configuration is the single value every component is constructed with.
type Configuration struct {
	StorageDir           string        `json:"storage_dir"`
	AvailableMemoryRatio float64       `json:"available_memory_ratio"`
	PurgeOnStart         bool          `json:"purge_on_start"`
	VerboseLog           bool          `json:"verbose_log"`
	PersistStateInterval time.Duration `json:"persist_state_interval"`
	ImpersonateTLS       bool          `json:"impersonate_tls"`
	SessionSelectionBias float64       `json:"session_selection_bias"`

	Snapshotter    SnapshotterConfig    `json:"snapshotter"`
	SystemStatus   SystemStatusConfig   `json:"system_status"`
	AutoscaledPool AutoscaledPoolConfig `json:"autoscaled_pool"`
	SessionPool    SessionPoolConfig    `json:"session_pool"`
	RequestQueue   RequestQueueConfig   `json:"request_queue"`
	RequestList    RequestListConfig    `json:"request_list"`
	Crawler        CrawlerConfig        `json:"crawler"`
	Transport      TransportConfig      `json:"transport"`

	events *events.Manager
}

// Events returns the Configuration-owned EventManager. It is created lazily
// on first access so a Configuration built with a struct literal (as opposed
// to Default()/FromEnv()) still works.
func (c *Configuration) Events() *events.Manager {
	if c.events == nil {
		c.events = events.New()
	}
	return c.events
}

// Default returns a Configuration pre-filled with the defaults named
// throughout spec.md §4. Each call returns a fresh, independent value.
func Default() *Configuration {
	return &Configuration{
		StorageDir:           "./storage",
		AvailableMemoryRatio: 1.0,
		PersistStateInterval: PersistStateInterval,
		SessionSelectionBias: 1.0,

		Snapshotter: SnapshotterConfig{
			MaxBlockedMillis:     50 * time.Millisecond,
			MaxUsedMemoryRatio:   0.7,
			MaxUsedCPURatio:      0.95,
			MaxClientErrors:      1,
			SnapshotHistorySecs:  60,
			SampleIntervalMillis: 500 * time.Millisecond,
		},
		SystemStatus: SystemStatusConfig{
			CurrentHistorySecs:         5,
			MaxResourceOverloadedRatio: 0.2,
			MaxCPUOverloadedRatio:      0.4,
		},
		AutoscaledPool: AutoscaledPoolConfig{
			MinConcurrency:          1,
			MaxConcurrency:          1000,
			DesiredConcurrency:      1,
			DesiredConcurrencyRatio: 0.95,
			ScaleUpStepRatio:        0.05,
			ScaleDownStepRatio:      0.05,
			MaybeRunInterval:        500 * time.Millisecond,
			AutoscaleInterval:       10 * time.Second,
			TaskTimeout:             5 * time.Minute,
		},
		SessionPool: SessionPoolConfig{
			MaxPoolSize:         1000,
			MaxErrorScore:       3,
			ErrorScoreDecrement: 0.5,
			MaxUsageCount:       50,
			MaxAge:              3000 * time.Second,
			PersistStateKey:     "SESSION_POOL_STATE",
		},
		RequestQueue: RequestQueueConfig{
			LockTTL:            5 * time.Minute,
			InternalTimeout:    5 * time.Minute,
			AddRequestsBatch:   1000,
			StorageCallTimeout: 30 * time.Second,
			StorageMaxRetries:  3,
		},
		RequestList: RequestListConfig{
			PersistStateIntervalSecs: 60,
			KeepDuplicateURLs:        false,
		},
		Crawler: CrawlerConfig{
			MaxRequestRetries:     3,
			RequestHandlerTimeout: 60 * time.Second,
			UseSessionPool:        true,
		},
		Transport: TransportConfig{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     0,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			RequestTimeout:      30 * time.Second,
		},
	}
}

// FromEnv returns Default() overridden by the environment variables named in
// spec.md §6: CRAWLEE_STORAGE_DIR, CRAWLEE_AVAILABLE_MEMORY_RATIO,
// CRAWLEE_INTERNAL_TIMEOUT, CRAWLEE_PURGE_ON_START, CRAWLEE_VERBOSE_LOG.
func FromEnv() *Configuration {
	cfg := Default()

	if v := os.Getenv("CRAWLEE_STORAGE_DIR"); v != "" {
		cfg.StorageDir = v
	}
	if v := os.Getenv("CRAWLEE_AVAILABLE_MEMORY_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AvailableMemoryRatio = f
		}
	}
	if v := os.Getenv("CRAWLEE_INTERNAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RequestQueue.InternalTimeout = d
		}
	}
	if v := os.Getenv("CRAWLEE_PURGE_ON_START"); v != "" {
		cfg.PurgeOnStart = isTruthy(v)
	}
	if v := os.Getenv("CRAWLEE_VERBOSE_LOG"); v != "" {
		cfg.VerboseLog = isTruthy(v)
	}

	return cfg
}

func isTruthy(v string) bool {
	return v != "0" && v != "false" && v != "" && v != "no"
}

// Load reads a JSON file at filename and merges it over Default(). Unknown
// fields are rejected early, matching the teacher's LoadConfig behavior of
// catching config typos at load time.
func Load(filename string) (*Configuration, error) {
	f, err := os.Open(filename) // #nosec G304 -- filename is caller-provided config path
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", filename, err)
	}
	defer f.Close()

	cfg := Default()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", filename, err)
	}
	return cfg, nil
}
