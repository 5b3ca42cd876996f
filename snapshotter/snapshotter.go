// Package snapshotter samples system resources on a fixed interval and
// keeps a bounded history (spec.md §4.1). The periodic-ticker/stop-channel
// shape is grounded on the teacher's token.TokenRefreshManager.StartHeartbeat
// loop; the atomic-counter style of exposing bounded history mirrors
// metrics.Metrics.Snapshot. Real CPU/memory sampling is delegated to
// github.com/shirou/gopsutil/v4, replacing what would otherwise be a bare
// runtime.MemStats read.
package snapshotter

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/crawlee-go/crawlee/config"
	"github.com/crawlee-go/crawlee/events"
	"github.com/crawlee-go/crawlee/internal/xlog"
)

// MemorySample is spec.md §3's memory snapshot shape.
type MemorySample struct {
	CreatedAt           time.Time
	TotalBytes          uint64
	UsedBytes           uint64
	MainProcessBytes    uint64
	ChildProcessesBytes uint64
	IsOverloaded        bool
}

// CPUSample is spec.md §3's CPU snapshot shape.
type CPUSample struct {
	CreatedAt    time.Time
	UsedRatio    float64
	IsOverloaded bool
}

// LoopSample is the Go-native rename of "event-loop snapshot" (see
// SPEC_FULL.md REDESIGN FLAGS): Go has no single cooperative event loop, so
// this measures scheduler/ticker latency instead — the closest native
// analogue with the same overloaded-ratio semantics.
type LoopSample struct {
	CreatedAt      time.Time
	ExceededMillis int64
	IsOverloaded   bool
}

// ClientSample is spec.md §3's client-error snapshot shape.
type ClientSample struct {
	CreatedAt         time.Time
	RateLimitErrCount int
	IsOverloaded      bool
}

// ExternalCPUInfoFunc, when set, is preferred over local gopsutil sampling
// (spec.md §4.1: "When an external CPU-info source is present... it is used
// in preference to local sampling").
type ExternalCPUInfoFunc func(ctx context.Context) (usedRatio float64, ok bool, err error)

// Snapshotter periodically samples CPU, memory, scheduler latency, and
// client-error rate, keeping a bounded ring of samples per resource.
type Snapshotter struct {
	cfg    config.SnapshotterConfig
	events *events.Manager
	log    *xlog.Logger

	externalCPU ExternalCPUInfoFunc

	mu             sync.Mutex
	memSamples     []MemorySample
	cpuSamples     []CPUSample
	loopSamples    []LoopSample
	clientSamples  []ClientSample
	rateLimitCount int

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates a Snapshotter. log and evt may be nil; a nil logger disables
// debug logging of sampling errors, and a nil events.Manager disables
// SYSTEM_INFO publication (callers that only need Get*Sample can omit it).
func New(cfg config.SnapshotterConfig, evt *events.Manager, log *xlog.Logger) *Snapshotter {
	return &Snapshotter{
		cfg:    cfg,
		events: evt,
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// WithExternalCPUInfo installs a platform-provided CPU sampler preferred
// over gopsutil-based local sampling.
func (s *Snapshotter) WithExternalCPUInfo(fn ExternalCPUInfoFunc) *Snapshotter {
	s.externalCPU = fn
	return s
}

// RecordClientError increments the current interval's rate-limit error
// counter; the next tick folds it into a ClientSample.
func (s *Snapshotter) RecordClientError() {
	s.mu.Lock()
	s.rateLimitCount++
	s.mu.Unlock()
}

// Start installs the periodic sampling ticker. Idempotent: calling Start
// more than once is a no-op.
func (s *Snapshotter) Start(ctx context.Context) {
	s.once.Do(func() {
		s.wg.Add(1)
		go s.loop(ctx)
	})
}

// Stop removes the periodic ticker and waits for the sampling goroutine to
// exit.
func (s *Snapshotter) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.wg.Wait()
}

func (s *Snapshotter) loop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.SampleIntervalMillis
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastTick := time.Now()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sampleLoop(now, lastTick, interval)
			lastTick = now
			s.sampleMemory(ctx)
			s.sampleCPU(ctx)
			s.sampleClient(now)
			s.truncateHistory()
			if s.events != nil {
				s.events.Publish(events.SystemInfo, nil)
			}
		}
	}
}

func (s *Snapshotter) debugf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Debugf(format, args...)
	}
}

func (s *Snapshotter) sampleLoop(now, lastTick time.Time, interval time.Duration) {
	drift := now.Sub(lastTick) - interval
	exceededMillis := drift.Milliseconds() - s.cfg.MaxBlockedMillis.Milliseconds()
	if exceededMillis < 0 {
		exceededMillis = 0
	}
	sample := LoopSample{
		CreatedAt:      now,
		ExceededMillis: exceededMillis,
		IsOverloaded:   exceededMillis > 0,
	}
	s.mu.Lock()
	s.loopSamples = append(s.loopSamples, sample)
	s.mu.Unlock()
}

func (s *Snapshotter) sampleMemory(ctx context.Context) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		s.debugf("snapshotter: memory sample error: %v", err)
		return
	}
	ratio := s.cfg.MaxUsedMemoryRatio
	if ratio <= 0 {
		ratio = 0.7
	}
	usedRatio := 0.0
	if vm.Total > 0 {
		usedRatio = float64(vm.Used) / float64(vm.Total)
	}

	mainBytes, childBytes := s.sampleProcessMemory(ctx)

	sample := MemorySample{
		CreatedAt:           time.Now(),
		TotalBytes:          vm.Total,
		UsedBytes:           vm.Used,
		MainProcessBytes:    mainBytes,
		ChildProcessesBytes: childBytes,
		IsOverloaded:        usedRatio >= ratio,
	}
	s.mu.Lock()
	s.memSamples = append(s.memSamples, sample)
	s.mu.Unlock()
}

// sampleProcessMemory reports the resident set size of this process
// (mainBytes) and the summed RSS of its direct children (childBytes), via
// gopsutil/v4/process. Falls back to host-wide vm.Used for mainBytes if the
// process handle or its memory info cannot be read (e.g. on platforms
// without /proc).
func (s *Snapshotter) sampleProcessMemory(ctx context.Context) (mainBytes, childBytes uint64) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		s.debugf("snapshotter: process handle error: %v", err)
		if vm, vmErr := mem.VirtualMemoryWithContext(ctx); vmErr == nil {
			return vm.Used, 0
		}
		return 0, 0
	}

	if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
		mainBytes = info.RSS
	} else {
		s.debugf("snapshotter: main process memory sample error: %v", err)
	}

	children, err := proc.ChildrenWithContext(ctx)
	if err != nil {
		return mainBytes, 0
	}
	for _, child := range children {
		info, err := child.MemoryInfoWithContext(ctx)
		if err != nil {
			continue
		}
		childBytes += info.RSS
	}
	return mainBytes, childBytes
}

func (s *Snapshotter) sampleCPU(ctx context.Context) {
	ratioLimit := s.cfg.MaxUsedCPURatio
	if ratioLimit <= 0 {
		ratioLimit = 0.95
	}

	if s.externalCPU != nil {
		used, ok, err := s.externalCPU(ctx)
		if err == nil && ok {
			s.mu.Lock()
			s.cpuSamples = append(s.cpuSamples, CPUSample{
				CreatedAt:    time.Now(),
				UsedRatio:    used,
				IsOverloaded: used >= ratioLimit,
			})
			s.mu.Unlock()
			return
		}
		if err != nil {
			s.debugf("snapshotter: external cpu sample error: %v", err)
		}
	}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		s.debugf("snapshotter: cpu sample error: %v", err)
		return
	}
	used := percents[0] / 100.0
	s.mu.Lock()
	s.cpuSamples = append(s.cpuSamples, CPUSample{
		CreatedAt:    time.Now(),
		UsedRatio:    used,
		IsOverloaded: used >= ratioLimit,
	})
	s.mu.Unlock()
}

func (s *Snapshotter) sampleClient(now time.Time) {
	limit := s.cfg.MaxClientErrors
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	count := s.rateLimitCount
	s.rateLimitCount = 0
	s.clientSamples = append(s.clientSamples, ClientSample{
		CreatedAt:         now,
		RateLimitErrCount: count,
		IsOverloaded:      count >= limit,
	})
	s.mu.Unlock()
}

// truncateHistory drops samples older than snapshotHistorySecs, matching
// spec.md §4.1 ("History is truncated ... on every write").
func (s *Snapshotter) truncateHistory() {
	historySecs := s.cfg.SnapshotHistorySecs
	if historySecs <= 0 {
		historySecs = 60
	}
	cutoff := time.Now().Add(-time.Duration(historySecs) * time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.memSamples = dropBefore(s.memSamples, cutoff, func(m MemorySample) time.Time { return m.CreatedAt })
	s.cpuSamples = dropBefore(s.cpuSamples, cutoff, func(c CPUSample) time.Time { return c.CreatedAt })
	s.loopSamples = dropBefore(s.loopSamples, cutoff, func(l LoopSample) time.Time { return l.CreatedAt })
	s.clientSamples = dropBefore(s.clientSamples, cutoff, func(c ClientSample) time.Time { return c.CreatedAt })
}

func dropBefore[T any](samples []T, cutoff time.Time, at func(T) time.Time) []T {
	i := 0
	for i < len(samples) && at(samples[i]).Before(cutoff) {
		i++
	}
	return samples[i:]
}

// GetMemorySample returns memory samples created within sinceSecs of now
// (0 means "all retained history").
func (s *Snapshotter) GetMemorySample(sinceSecs int) []MemorySample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterSince(s.memSamples, sinceSecs, func(m MemorySample) time.Time { return m.CreatedAt })
}

// GetCPUSample returns CPU samples created within sinceSecs of now.
func (s *Snapshotter) GetCPUSample(sinceSecs int) []CPUSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterSince(s.cpuSamples, sinceSecs, func(c CPUSample) time.Time { return c.CreatedAt })
}

// GetLoopSample returns scheduler-latency samples created within sinceSecs of now.
func (s *Snapshotter) GetLoopSample(sinceSecs int) []LoopSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterSince(s.loopSamples, sinceSecs, func(l LoopSample) time.Time { return l.CreatedAt })
}

// GetClientSample returns client-error samples created within sinceSecs of now.
func (s *Snapshotter) GetClientSample(sinceSecs int) []ClientSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterSince(s.clientSamples, sinceSecs, func(c ClientSample) time.Time { return c.CreatedAt })
}

func filterSince[T any](samples []T, sinceSecs int, at func(T) time.Time) []T {
	if sinceSecs <= 0 {
		out := make([]T, len(samples))
		copy(out, samples)
		return out
	}
	cutoff := time.Now().Add(-time.Duration(sinceSecs) * time.Second)
	out := make([]T, 0, len(samples))
	for _, s := range samples {
		if !at(s).Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}
