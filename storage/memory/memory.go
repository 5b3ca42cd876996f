// Package memory implements storage.Client entirely in-process, grounded on
// the teacher's cluster.controller's sync.Map-of-slices jar pattern
// (cluster/controller.go's GlobalCookieJar) generalized from cookies to
// arbitrary request/state/dataset records. It is the default backend used
// when no CRAWLEE_STORAGE_DIR-rooted durable client is configured.
package memory

import (
	"context"
	"sync"

	"github.com/crawlee-go/crawlee/storage"
)

type collectionStore struct {
	mu      sync.RWMutex
	order   []string
	records map[string]storage.RequestRecord
}

// Client is an in-memory storage.Client implementation.
type Client struct {
	mu           sync.Mutex
	collections  map[string]*collectionStore
	state        map[string]map[string][]byte
	datasets     map[string][]storage.DatasetItem
	datasetsLock sync.Mutex
}

// New creates an empty in-memory Client.
func New() *Client {
	return &Client{
		collections: make(map[string]*collectionStore),
		state:       make(map[string]map[string][]byte),
		datasets:    make(map[string][]storage.DatasetItem),
	}
}

func (c *Client) collectionFor(name string) *collectionStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.collections[name]
	if !ok {
		cs = &collectionStore{records: make(map[string]storage.RequestRecord)}
		c.collections[name] = cs
	}
	return cs
}

// PutRequest implements storage.Client.
func (c *Client) PutRequest(_ context.Context, collection string, rec storage.RequestRecord) error {
	cs := c.collectionFor(collection)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, exists := cs.records[rec.UniqueKey]; !exists {
		cs.order = append(cs.order, rec.UniqueKey)
	}
	cs.records[rec.UniqueKey] = rec
	return nil
}

// GetRequest implements storage.Client.
func (c *Client) GetRequest(_ context.Context, collection, uniqueKey string) (storage.RequestRecord, error) {
	cs := c.collectionFor(collection)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	rec, ok := cs.records[uniqueKey]
	if !ok {
		return storage.RequestRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

// DeleteRequest implements storage.Client.
func (c *Client) DeleteRequest(_ context.Context, collection, uniqueKey string) error {
	cs := c.collectionFor(collection)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.records[uniqueKey]; !ok {
		return nil
	}
	delete(cs.records, uniqueKey)
	for i, k := range cs.order {
		if k == uniqueKey {
			cs.order = append(cs.order[:i], cs.order[i+1:]...)
			break
		}
	}
	return nil
}

// ListRequests implements storage.Client.
func (c *Client) ListRequests(_ context.Context, collection string) ([]storage.RequestRecord, error) {
	cs := c.collectionFor(collection)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]storage.RequestRecord, 0, len(cs.order))
	for _, k := range cs.order {
		out = append(out, cs.records[k])
	}
	return out, nil
}

// PutState implements storage.Client.
func (c *Client) PutState(_ context.Context, collection, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.state[collection]
	if !ok {
		bucket = make(map[string][]byte)
		c.state[collection] = bucket
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	bucket[key] = cp
	return nil
}

// GetState implements storage.Client.
func (c *Client) GetState(_ context.Context, collection, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.state[collection]
	if !ok {
		return nil, storage.ErrNotFound
	}
	v, ok := bucket[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// PushDatasetItem implements storage.Client.
func (c *Client) PushDatasetItem(_ context.Context, dataset string, item storage.DatasetItem) error {
	c.datasetsLock.Lock()
	defer c.datasetsLock.Unlock()
	c.datasets[dataset] = append(c.datasets[dataset], item)
	return nil
}

// ListDatasetItems implements storage.Client.
func (c *Client) ListDatasetItems(_ context.Context, dataset string) ([]storage.DatasetItem, error) {
	c.datasetsLock.Lock()
	defer c.datasetsLock.Unlock()
	out := make([]storage.DatasetItem, len(c.datasets[dataset]))
	copy(out, c.datasets[dataset])
	return out, nil
}

// Purge implements storage.Client.
func (c *Client) Purge(_ context.Context, collection string) error {
	c.mu.Lock()
	delete(c.collections, collection)
	delete(c.state, collection)
	c.mu.Unlock()
	return nil
}
