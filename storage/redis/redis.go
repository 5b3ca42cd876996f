// Package redis implements storage.Client durably against Redis, matching
// spec.md §6's "no binary framing" requirement by JSON-encoding every
// record. Grounded on the teacher's client package's use of go-redis-style
// connection pooling conventions and the cluster package's doc comment
// naming Redis as a recommended production backend.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/crawlee-go/crawlee/storage"
)

// Client implements storage.Client against a Redis instance.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New wraps rdb. prefix namespaces every key (e.g. "crawlee:").
func New(rdb *redis.Client, prefix string) *Client {
	return &Client{rdb: rdb, prefix: prefix}
}

func (c *Client) requestsKey(collection string) string { return c.prefix + "requests:" + collection }
func (c *Client) requestKey(collection, uniqueKey string) string {
	return c.prefix + "request:" + collection + ":" + uniqueKey
}
func (c *Client) stateKey(collection, key string) string {
	return c.prefix + "state:" + collection + ":" + key
}
func (c *Client) datasetKey(dataset string) string { return c.prefix + "dataset:" + dataset }

// PutRequest implements storage.Client.
func (c *Client) PutRequest(ctx context.Context, collection string, rec storage.RequestRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage/redis: marshal request: %w", err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, c.requestKey(collection, rec.UniqueKey), data, 0)
	pipe.SAdd(ctx, c.requestsKey(collection), rec.UniqueKey)
	_, err = pipe.Exec(ctx)
	return err
}

// GetRequest implements storage.Client.
func (c *Client) GetRequest(ctx context.Context, collection, uniqueKey string) (storage.RequestRecord, error) {
	data, err := c.rdb.Get(ctx, c.requestKey(collection, uniqueKey)).Bytes()
	if err == redis.Nil {
		return storage.RequestRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.RequestRecord{}, err
	}
	var rec storage.RequestRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return storage.RequestRecord{}, fmt.Errorf("storage/redis: unmarshal request: %w", err)
	}
	return rec, nil
}

// DeleteRequest implements storage.Client.
func (c *Client) DeleteRequest(ctx context.Context, collection, uniqueKey string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, c.requestKey(collection, uniqueKey))
	pipe.SRem(ctx, c.requestsKey(collection), uniqueKey)
	_, err := pipe.Exec(ctx)
	return err
}

// ListRequests implements storage.Client. Order is not guaranteed to match
// insertion order (SMEMBERS is unordered); callers needing FIFO/LIFO
// precedence over durable storage should maintain their own ordering index
// as requestqueue does.
func (c *Client) ListRequests(ctx context.Context, collection string) ([]storage.RequestRecord, error) {
	keys, err := c.rdb.SMembers(ctx, c.requestsKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]storage.RequestRecord, 0, len(keys))
	for _, uk := range keys {
		rec, err := c.GetRequest(ctx, collection, uk)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// PutState implements storage.Client.
func (c *Client) PutState(ctx context.Context, collection, key string, value []byte) error {
	return c.rdb.Set(ctx, c.stateKey(collection, key), value, 0).Err()
}

// GetState implements storage.Client.
func (c *Client) GetState(ctx context.Context, collection, key string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, c.stateKey(collection, key)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	return data, err
}

// PushDatasetItem implements storage.Client.
func (c *Client) PushDatasetItem(ctx context.Context, dataset string, item storage.DatasetItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("storage/redis: marshal dataset item: %w", err)
	}
	return c.rdb.RPush(ctx, c.datasetKey(dataset), data).Err()
}

// ListDatasetItems implements storage.Client.
func (c *Client) ListDatasetItems(ctx context.Context, dataset string) ([]storage.DatasetItem, error) {
	raw, err := c.rdb.LRange(ctx, c.datasetKey(dataset), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]storage.DatasetItem, 0, len(raw))
	for _, s := range raw {
		var item storage.DatasetItem
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, fmt.Errorf("storage/redis: unmarshal dataset item: %w", err)
		}
		out = append(out, item)
	}
	return out, nil
}

// Purge implements storage.Client.
func (c *Client) Purge(ctx context.Context, collection string) error {
	keys, err := c.rdb.SMembers(ctx, c.requestsKey(collection)).Result()
	if err != nil {
		return err
	}
	pipe := c.rdb.TxPipeline()
	for _, uk := range keys {
		pipe.Del(ctx, c.requestKey(collection, uk))
	}
	pipe.Del(ctx, c.requestsKey(collection))

	stateKeys, err := c.rdb.Keys(ctx, c.prefix+"state:"+collection+":*").Result()
	if err != nil {
		return err
	}
	for _, k := range stateKeys {
		pipe.Del(ctx, k)
	}
	_, err = pipe.Exec(ctx)
	return err
}
