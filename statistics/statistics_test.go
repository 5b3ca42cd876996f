package statistics_test

import (
	"context"
	"testing"
	"time"

	"github.com/crawlee-go/crawlee/statistics"
	"github.com/crawlee-go/crawlee/storage/memory"
)

func TestSnapshotReflectsRecordedOutcomes(t *testing.T) {
	s := statistics.New("test", memory.New(), "", nil)
	s.RecordRequestFinished(10 * time.Millisecond)
	s.RecordRequestFinished(5 * time.Millisecond)
	s.RecordRequestFailed(time.Millisecond)
	s.RecordRetry()
	s.RecordSchemaDrift()

	snap := s.Snapshot()
	if snap.RequestsTotal != 3 {
		t.Fatalf("RequestsTotal = %d, want 3", snap.RequestsTotal)
	}
	if snap.RequestsFinished != 2 {
		t.Fatalf("RequestsFinished = %d, want 2", snap.RequestsFinished)
	}
	if snap.RequestsFailed != 1 {
		t.Fatalf("RequestsFailed = %d, want 1", snap.RequestsFailed)
	}
	if snap.RequestsRetries != 1 {
		t.Fatalf("RequestsRetries = %d, want 1", snap.RequestsRetries)
	}
	if snap.SchemaDrifts != 1 {
		t.Fatalf("SchemaDrifts = %d, want 1", snap.SchemaDrifts)
	}
}

func TestPersistStateWritesToStore(t *testing.T) {
	store := memory.New()
	s := statistics.New("test", store, "STATS_KEY", nil)
	s.RecordRequestFinished(time.Millisecond)

	if err := s.PersistState(context.Background()); err != nil {
		t.Fatalf("PersistState() = %v", err)
	}

	data, err := store.GetState(context.Background(), "test", "STATS_KEY")
	if err != nil {
		t.Fatalf("GetState() = %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty persisted state")
	}
}

func TestTeardownPersistsWithoutEventManager(t *testing.T) {
	s := statistics.New("test", memory.New(), "", nil)
	if err := s.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown() = %v", err)
	}
}
