package snapshotter_test

import (
	"context"
	"testing"
	"time"

	"github.com/crawlee-go/crawlee/config"
	"github.com/crawlee-go/crawlee/events"
	"github.com/crawlee-go/crawlee/snapshotter"
)

func TestStartStopCollectsSamples(t *testing.T) {
	cfg := config.SnapshotterConfig{
		SampleIntervalMillis: 10 * time.Millisecond,
		SnapshotHistorySecs:  60,
		MaxUsedMemoryRatio:   0.7,
		MaxUsedCPURatio:      0.95,
		MaxClientErrors:      1,
	}
	evt := events.New()
	s := snapshotter.New(cfg, evt, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	s.Stop()

	if len(s.GetMemorySample(0)) == 0 {
		t.Fatal("expected at least one memory sample")
	}
	if len(s.GetCPUSample(0)) == 0 {
		t.Fatal("expected at least one cpu sample")
	}
	if len(s.GetLoopSample(0)) == 0 {
		t.Fatal("expected at least one loop sample")
	}
}

func TestRecordClientErrorFoldsIntoNextSample(t *testing.T) {
	cfg := config.SnapshotterConfig{
		SampleIntervalMillis: 10 * time.Millisecond,
		SnapshotHistorySecs:  60,
		MaxClientErrors:      1,
	}
	s := snapshotter.New(cfg, nil, nil)
	s.RecordClientError()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	samples := s.GetClientSample(0)
	found := false
	for _, cs := range samples {
		if cs.RateLimitErrCount > 0 {
			found = true
			if !cs.IsOverloaded {
				t.Fatal("expected overloaded client sample when count >= MaxClientErrors")
			}
		}
	}
	if !found {
		t.Fatal("expected the recorded client error to appear in a sample")
	}
}

func TestExternalCPUInfoPreferredOverLocalSampling(t *testing.T) {
	cfg := config.SnapshotterConfig{
		SampleIntervalMillis: 10 * time.Millisecond,
		SnapshotHistorySecs:  60,
		MaxUsedCPURatio:      0.5,
	}
	s := snapshotter.New(cfg, nil, nil).WithExternalCPUInfo(func(ctx context.Context) (float64, bool, error) {
		return 0.9, true, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	samples := s.GetCPUSample(0)
	if len(samples) == 0 {
		t.Fatal("expected cpu samples")
	}
	last := samples[len(samples)-1]
	if last.UsedRatio != 0.9 || !last.IsOverloaded {
		t.Fatalf("expected external sampler's value to win, got %+v", last)
	}
}

func TestGetSampleSinceSecsFiltersOldSamples(t *testing.T) {
	cfg := config.SnapshotterConfig{SnapshotHistorySecs: 60}
	s := snapshotter.New(cfg, nil, nil)
	if got := s.GetMemorySample(5); len(got) != 0 {
		t.Fatalf("expected no samples before Start, got %d", len(got))
	}
}
