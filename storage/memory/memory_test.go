package memory_test

import (
	"context"
	"testing"

	"github.com/crawlee-go/crawlee/storage"
	"github.com/crawlee-go/crawlee/storage/memory"
)

func TestPutGetDeleteRequest(t *testing.T) {
	c := memory.New()
	ctx := context.Background()

	rec := storage.RequestRecord{ID: "1", UniqueKey: "uk1", URL: "http://example.com"}
	if err := c.PutRequest(ctx, "default", rec); err != nil {
		t.Fatalf("PutRequest() = %v", err)
	}

	got, err := c.GetRequest(ctx, "default", "uk1")
	if err != nil || got.URL != rec.URL {
		t.Fatalf("GetRequest() = %+v, %v", got, err)
	}

	if err := c.DeleteRequest(ctx, "default", "uk1"); err != nil {
		t.Fatalf("DeleteRequest() = %v", err)
	}
	if _, err := c.GetRequest(ctx, "default", "uk1"); err != storage.ErrNotFound {
		t.Fatalf("GetRequest() after delete = %v, want ErrNotFound", err)
	}
}

func TestListRequestsPreservesInsertionOrder(t *testing.T) {
	c := memory.New()
	ctx := context.Background()
	for _, uk := range []string{"a", "b", "c"} {
		_ = c.PutRequest(ctx, "q", storage.RequestRecord{UniqueKey: uk})
	}
	recs, err := c.ListRequests(ctx, "q")
	if err != nil {
		t.Fatalf("ListRequests() = %v", err)
	}
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if recs[i].UniqueKey != w {
			t.Fatalf("ListRequests()[%d] = %q, want %q", i, recs[i].UniqueKey, w)
		}
	}
}

func TestPutStateGetState(t *testing.T) {
	c := memory.New()
	ctx := context.Background()
	if err := c.PutState(ctx, "sessions", "pool", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("PutState() = %v", err)
	}
	got, err := c.GetState(ctx, "sessions", "pool")
	if err != nil || string(got) != `{"a":1}` {
		t.Fatalf("GetState() = %q, %v", got, err)
	}
	if _, err := c.GetState(ctx, "sessions", "missing"); err != storage.ErrNotFound {
		t.Fatalf("GetState() for missing key = %v, want ErrNotFound", err)
	}
}

func TestDatasetPushAndList(t *testing.T) {
	c := memory.New()
	ctx := context.Background()
	_ = c.PushDatasetItem(ctx, "out", storage.DatasetItem{"title": "a"})
	_ = c.PushDatasetItem(ctx, "out", storage.DatasetItem{"title": "b"})

	items, err := c.ListDatasetItems(ctx, "out")
	if err != nil || len(items) != 2 {
		t.Fatalf("ListDatasetItems() = %+v, %v", items, err)
	}
	if items[0]["title"] != "a" || items[1]["title"] != "b" {
		t.Fatalf("unexpected dataset order: %+v", items)
	}
}

func TestPurgeRemovesCollection(t *testing.T) {
	c := memory.New()
	ctx := context.Background()
	_ = c.PutRequest(ctx, "q", storage.RequestRecord{UniqueKey: "a"})
	_ = c.PutState(ctx, "q", "k", []byte("v"))

	if err := c.Purge(ctx, "q"); err != nil {
		t.Fatalf("Purge() = %v", err)
	}
	if _, err := c.GetRequest(ctx, "q", "a"); err != storage.ErrNotFound {
		t.Fatalf("GetRequest() after purge = %v, want ErrNotFound", err)
	}
	if _, err := c.GetState(ctx, "q", "k"); err != storage.ErrNotFound {
		t.Fatalf("GetState() after purge = %v, want ErrNotFound", err)
	}
}
