// Package autoscaledpool implements the resource-aware concurrency
// controller described in spec.md §4.3. It generalizes the teacher's
// worker.WorkerPool (fixed-size goroutine pool, buffered job channel,
// WaitGroup-drained Stop) with a dynamically retuned desiredConcurrency,
// and folds in scheduler.Scheduler's separate dispatch-loop goroutine —
// there dedicated to enumerating sessions, here driving runTask/isTaskReady
// against SystemStatus on a ticker. golang.org/x/time/rate gates the
// maybeRunIntervalSecs dispatch tick the way the teacher's worker pool
// gated submission via a buffered channel.
package autoscaledpool

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/crawlee-go/crawlee/config"
	"github.com/crawlee-go/crawlee/internal/xlog"
	"github.com/crawlee-go/crawlee/systemstatus"
)

// RunTaskFunc starts one unit of work; the returned error, if non-nil and
// unrecoverable, fails the whole run (spec.md §4.3: "run() ... fails if
// any task raises an unrecoverable error").
type RunTaskFunc func(ctx context.Context) error

// IsTaskReadyFunc reports whether another task may be started now.
type IsTaskReadyFunc func(ctx context.Context) bool

// IsFinishedFunc is consulted only when no tasks are running; returning
// true ends the run.
type IsFinishedFunc func(ctx context.Context) bool

// Pool is the AutoscaledPool described in spec.md §4.3.
type Pool struct {
	cfg    config.AutoscaledPoolConfig
	status *systemstatus.SystemStatus
	log    *xlog.Logger

	runTask      RunTaskFunc
	isTaskReady  IsTaskReadyFunc
	isFinished   IsFinishedFunc
	taskTimeout  time.Duration
	dispatchGate *rate.Limiter

	mu                 sync.Mutex
	minConcurrency     int
	maxConcurrency     int
	desiredConcurrency int
	currentConcurrency int32

	paused      bool
	pauseDoneCh chan struct{} // memoized Pause() completion signal while paused

	abortFlag atomic.Bool

	runDone   chan struct{}
	runOnce   sync.Once
	runErr    error
	runErrMu  sync.Mutex
	stopTick  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	taskGroup sync.WaitGroup
}

// New constructs a Pool. runTask/isTaskReady/isFinished are the three
// capability functions spec.md §4.3 requires at construction.
func New(cfg config.AutoscaledPoolConfig, status *systemstatus.SystemStatus, log *xlog.Logger, runTask RunTaskFunc, isTaskReady IsTaskReadyFunc, isFinished IsFinishedFunc) *Pool {
	min := cfg.MinConcurrency
	if min <= 0 {
		min = 1
	}
	max := cfg.MaxConcurrency
	if max <= 0 {
		max = 1000
	}
	desired := cfg.DesiredConcurrency
	if desired <= 0 {
		desired = min
	}
	interval := cfg.MaybeRunInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	return &Pool{
		cfg:                cfg,
		status:             status,
		log:                log,
		runTask:            runTask,
		isTaskReady:        isTaskReady,
		isFinished:         isFinished,
		taskTimeout:        cfg.TaskTimeout,
		dispatchGate:       rate.NewLimiter(rate.Every(interval), 1),
		minConcurrency:     min,
		maxConcurrency:     max,
		desiredConcurrency: desired,
		runDone:            make(chan struct{}),
		stopTick:           make(chan struct{}),
	}
}

func (p *Pool) desiredConcurrencyRatio() float64 {
	if p.cfg.DesiredConcurrencyRatio > 0 {
		return p.cfg.DesiredConcurrencyRatio
	}
	return 0.95
}

func (p *Pool) scaleUpStepRatio() float64 {
	if p.cfg.ScaleUpStepRatio > 0 {
		return p.cfg.ScaleUpStepRatio
	}
	return 0.05
}

func (p *Pool) scaleDownStepRatio() float64 {
	if p.cfg.ScaleDownStepRatio > 0 {
		return p.cfg.ScaleDownStepRatio
	}
	return 0.05
}

func (p *Pool) autoscaleInterval() time.Duration {
	if p.cfg.AutoscaleInterval > 0 {
		return p.cfg.AutoscaleInterval
	}
	return 10 * time.Second
}

// MinConcurrency returns the current floor.
func (p *Pool) MinConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minConcurrency
}

// SetMinConcurrency clamps and sets the floor at any time.
func (p *Pool) SetMinConcurrency(v int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v < 1 {
		v = 1
	}
	p.minConcurrency = v
	if p.desiredConcurrency < v {
		p.desiredConcurrency = v
	}
}

// MaxConcurrency returns the current ceiling.
func (p *Pool) MaxConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxConcurrency
}

// SetMaxConcurrency clamps and sets the ceiling at any time.
func (p *Pool) SetMaxConcurrency(v int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v < p.minConcurrency {
		v = p.minConcurrency
	}
	p.maxConcurrency = v
	if p.desiredConcurrency > v {
		p.desiredConcurrency = v
	}
}

// DesiredConcurrency returns the current autoscale target.
func (p *Pool) DesiredConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desiredConcurrency
}

// SetDesiredConcurrency clamps and sets the target at any time.
func (p *Pool) SetDesiredConcurrency(v int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.desiredConcurrency = clamp(v, p.minConcurrency, p.maxConcurrency)
}

// CurrentConcurrency returns the number of tasks presently running.
func (p *Pool) CurrentConcurrency() int {
	return int(atomic.LoadInt32(&p.currentConcurrency))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Run starts the autoscale loop and the dispatch loop, and blocks until the
// run finishes (isFinished() returns true with zero tasks running), Abort
// is called, or a task returns an unrecoverable error.
func (p *Pool) Run(ctx context.Context) error {
	p.wg.Add(2)
	go p.autoscaleLoop(ctx)
	go p.dispatchLoop(ctx)

	select {
	case <-p.runDone:
	case <-ctx.Done():
		p.Abort()
	}
	p.wg.Wait()

	p.runErrMu.Lock()
	defer p.runErrMu.Unlock()
	return p.runErr
}

func (p *Pool) finish(err error) {
	p.runOnce.Do(func() {
		p.runErrMu.Lock()
		p.runErr = err
		p.runErrMu.Unlock()
		close(p.runDone)
	})
}

func (p *Pool) autoscaleLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.autoscaleInterval())
	defer ticker.Stop()
	for {
		select {
		case <-p.stopTick:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.autoscaleTick()
		}
	}
}

// autoscaleTick implements spec.md §4.3's autoscale algorithm exactly.
func (p *Pool) autoscaleTick() {
	p.mu.Lock()
	desired := p.desiredConcurrency
	current := p.CurrentConcurrency()
	p.mu.Unlock()

	if desired == 0 {
		return
	}
	ratio := float64(current) / float64(desired)
	if ratio < p.desiredConcurrencyRatio() {
		return
	}

	if p.status != nil && !p.status.IsOk() {
		if !p.status.IsOkNow() {
			p.mu.Lock()
			step := int(math.Ceil(float64(p.desiredConcurrency) * p.scaleDownStepRatio()))
			if step < 1 {
				step = 1
			}
			p.desiredConcurrency = clamp(p.desiredConcurrency-step, p.minConcurrency, p.maxConcurrency)
			p.mu.Unlock()
		}
		return
	}

	p.mu.Lock()
	step := int(math.Ceil(float64(p.desiredConcurrency) * p.scaleUpStepRatio()))
	if step < 1 {
		step = 1
	}
	p.desiredConcurrency = clamp(p.desiredConcurrency+step, p.minConcurrency, p.maxConcurrency)
	p.mu.Unlock()
}

func (p *Pool) dispatchLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		if p.abortFlag.Load() {
			p.finish(nil)
			return
		}

		if err := p.dispatchGate.Wait(ctx); err != nil {
			return
		}

		select {
		case <-p.stopTick:
			return
		case <-ctx.Done():
			return
		default:
		}

		p.maybeRunTasks(ctx)

		if p.CurrentConcurrency() == 0 && !p.canStartMore(ctx) {
			if p.isFinished != nil && p.isFinished(ctx) {
				p.finish(nil)
				return
			}
		}
	}
}

func (p *Pool) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Pool) canStartMore(ctx context.Context) bool {
	if p.isPaused() || p.abortFlag.Load() {
		return false
	}
	p.mu.Lock()
	room := p.CurrentConcurrency() < p.desiredConcurrency
	p.mu.Unlock()
	if !room {
		return false
	}
	if p.isTaskReady != nil && !p.isTaskReady(ctx) {
		return false
	}
	if p.status != nil {
		return p.status.IsOkNow()
	}
	return true
}

// maybeRunTasks implements spec.md §4.3's dispatch loop body: start tasks
// while room, not paused, isTaskReady(), and SystemStatus.IsOkNow() all
// hold.
func (p *Pool) maybeRunTasks(ctx context.Context) {
	for p.canStartMore(ctx) {
		atomic.AddInt32(&p.currentConcurrency, 1)
		p.taskGroup.Add(1)
		go p.runOneTask(ctx)
	}
}

func (p *Pool) runOneTask(ctx context.Context) {
	defer p.taskGroup.Done()
	defer atomic.AddInt32(&p.currentConcurrency, -1)

	taskCtx := ctx
	var cancel context.CancelFunc
	if p.taskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, p.taskTimeout)
		defer cancel()
	}

	if err := p.runTask(taskCtx); err != nil {
		if p.log != nil {
			p.log.Errorf("autoscaledpool: task error: %v", err)
		}
		p.finish(err)
		p.Abort()
	}
}

// Abort implements spec.md §4.3's abort(): stops starting new tasks and
// resolves the run signal; running tasks are not cancelled.
func (p *Pool) Abort() {
	p.abortFlag.Store(true)
	p.stopOnce.Do(func() { close(p.stopTick) })
	p.finish(nil)
}

// Pause implements spec.md §4.3's pause(timeout?): stops starting tasks and
// resolves once all running tasks complete or timeout elapses. Calling
// Pause while already paused is idempotent: it returns the same completion
// signal, memoized until Resume (see SPEC_FULL.md Open Questions).
func (p *Pool) Pause(ctx context.Context, timeout time.Duration) <-chan struct{} {
	p.mu.Lock()
	if p.paused && p.pauseDoneCh != nil {
		done := p.pauseDoneCh
		p.mu.Unlock()
		return done
	}
	p.paused = true
	done := make(chan struct{})
	p.pauseDoneCh = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		tasksDone := make(chan struct{})
		go func() {
			p.taskGroup.Wait()
			close(tasksDone)
		}()

		if timeout > 0 {
			select {
			case <-tasksDone:
			case <-time.After(timeout):
			case <-ctx.Done():
			}
		} else {
			select {
			case <-tasksDone:
			case <-ctx.Done():
			}
		}
	}()

	return done
}

// Resume implements spec.md §4.3's resume(): re-enables task starts.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.paused = false
	p.pauseDoneCh = nil
	p.mu.Unlock()
}
