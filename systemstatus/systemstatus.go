// Package systemstatus aggregates Snapshotter history into an overloaded/
// not-overloaded verdict (spec.md §4.2), using the time-weighted ratio
// algorithm: each sample's weight is the time delta to the next sample (or
// to "now" for the last one), so a long-standing overloaded state counts
// more than a single noisy spike.
package systemstatus

import (
	"time"

	"github.com/crawlee-go/crawlee/config"
	"github.com/crawlee-go/crawlee/snapshotter"
)

// Status reports the overloaded verdict for one resource, plus the
// weighted ratio that produced it (exposed for statistics.Statistics and
// dashboard reporting).
type Status struct {
	IsOverloaded bool
	Ratio        float64
}

// SystemStatus answers IsOk/IsOkNow/HasBeenOkLastInterval style queries
// against a Snapshotter's history.
type SystemStatus struct {
	cfg config.SystemStatusConfig
	snap *snapshotter.Snapshotter
}

// New constructs a SystemStatus reading from snap.
func New(cfg config.SystemStatusConfig, snap *snapshotter.Snapshotter) *SystemStatus {
	return &SystemStatus{cfg: cfg, snap: snap}
}

// weightedRatio computes the time-weighted fraction of samples (by
// duration-until-next-sample-or-now) whose IsOverloaded flag is true.
func weightedRatio(times []time.Time, overloaded []bool, now time.Time) float64 {
	if len(times) == 0 {
		return 0
	}
	var totalWeight, overloadedWeight float64
	for i, t := range times {
		var next time.Time
		if i+1 < len(times) {
			next = times[i+1]
		} else {
			next = now
		}
		w := next.Sub(t).Seconds()
		if w < 0 {
			w = 0
		}
		totalWeight += w
		if overloaded[i] {
			overloadedWeight += w
		}
	}
	if totalWeight == 0 {
		return 0
	}
	return overloadedWeight / totalWeight
}

// memoryStatus computes the weighted-ratio verdict for memory samples over
// the configured history window.
func (s *SystemStatus) memoryStatus(sinceSecs int) Status {
	samples := s.snap.GetMemorySample(sinceSecs)
	times := make([]time.Time, len(samples))
	flags := make([]bool, len(samples))
	for i, sm := range samples {
		times[i] = sm.CreatedAt
		flags[i] = sm.IsOverloaded
	}
	ratio := weightedRatio(times, flags, time.Now())
	return Status{Ratio: ratio, IsOverloaded: ratio > s.threshold()}
}

func (s *SystemStatus) cpuStatus(sinceSecs int) Status {
	samples := s.snap.GetCPUSample(sinceSecs)
	times := make([]time.Time, len(samples))
	flags := make([]bool, len(samples))
	for i, sm := range samples {
		times[i] = sm.CreatedAt
		flags[i] = sm.IsOverloaded
	}
	ratio := weightedRatio(times, flags, time.Now())
	return Status{Ratio: ratio, IsOverloaded: ratio > s.cpuThreshold()}
}

func (s *SystemStatus) loopStatus(sinceSecs int) Status {
	samples := s.snap.GetLoopSample(sinceSecs)
	times := make([]time.Time, len(samples))
	flags := make([]bool, len(samples))
	for i, sm := range samples {
		times[i] = sm.CreatedAt
		flags[i] = sm.IsOverloaded
	}
	ratio := weightedRatio(times, flags, time.Now())
	return Status{Ratio: ratio, IsOverloaded: ratio > s.threshold()}
}

func (s *SystemStatus) clientStatus(sinceSecs int) Status {
	samples := s.snap.GetClientSample(sinceSecs)
	times := make([]time.Time, len(samples))
	flags := make([]bool, len(samples))
	for i, sm := range samples {
		times[i] = sm.CreatedAt
		flags[i] = sm.IsOverloaded
	}
	ratio := weightedRatio(times, flags, time.Now())
	return Status{Ratio: ratio, IsOverloaded: ratio > s.threshold()}
}

func (s *SystemStatus) threshold() float64 {
	if s.cfg.MaxResourceOverloadedRatio > 0 {
		return s.cfg.MaxResourceOverloadedRatio
	}
	return 0.2
}

func (s *SystemStatus) cpuThreshold() float64 {
	if s.cfg.MaxCPUOverloadedRatio > 0 {
		return s.cfg.MaxCPUOverloadedRatio
	}
	return 0.4
}

func (s *SystemStatus) historySecs() int {
	if s.cfg.CurrentHistorySecs > 0 {
		return s.cfg.CurrentHistorySecs
	}
	return 5
}

// IsOkNow reports whether the system is currently loaded within bounds,
// evaluated only over the short "current" window (spec.md §4.2).
func (s *SystemStatus) IsOkNow() bool {
	return !s.anyOverloaded(s.historySecs())
}

// IsOk reports whether the system has been within bounds across the
// Snapshotter's full retained history.
func (s *SystemStatus) IsOk() bool {
	return !s.anyOverloaded(0)
}

func (s *SystemStatus) anyOverloaded(sinceSecs int) bool {
	if s.memoryStatus(sinceSecs).IsOverloaded {
		return true
	}
	if s.cpuStatus(sinceSecs).IsOverloaded {
		return true
	}
	if s.loopStatus(sinceSecs).IsOverloaded {
		return true
	}
	if s.clientStatus(sinceSecs).IsOverloaded {
		return true
	}
	return false
}

// Details returns the per-resource status breakdown over the full history,
// for dashboard/statistics consumers.
func (s *SystemStatus) Details() map[string]Status {
	return map[string]Status{
		"memory": s.memoryStatus(0),
		"cpu":    s.cpuStatus(0),
		"loop":   s.loopStatus(0),
		"client": s.clientStatus(0),
	}
}
