// Package storage defines the Client capability interface named in the
// Design Notes (spec.md §9): a single backend-neutral interface unifying
// what would otherwise be special-cased memory/disk/remote storage code
// scattered through the core. requestqueue and requestlist hold a Client
// for their request records; sessionpool and the crawler's statistics use
// the same Client for KVS state persistence; crawler handlers use it for
// Dataset output. Two implementations ship in this module:
// storage/memory (default, process-local) and storage/redis (durable,
// shared across processes).
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by GetRequest and GetState when no record exists
// for the given key.
var ErrNotFound = errors.New("storage: not found")

// RequestRecord is the durable form of a request.Request, keyed by
// uniqueKey. Storing it as a flat record (rather than the live
// request.Request type) keeps the storage.Client interface decoupled from
// the request package and matches spec.md §6's "no binary framing"
// requirement: every backend round-trips these fields through JSON.
type RequestRecord struct {
	ID             string            `json:"id"`
	UniqueKey      string            `json:"unique_key"`
	URL            string            `json:"url"`
	LoadedURL      string            `json:"loaded_url,omitempty"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers,omitempty"`
	Payload        []byte            `json:"payload,omitempty"`
	UserData       map[string]any    `json:"user_data,omitempty"`
	RetryCount     int               `json:"retry_count"`
	ErrorMessages  []string          `json:"error_messages,omitempty"`
	HandledAtUnix  int64             `json:"handled_at_unix,omitempty"`
	NoRetry        bool              `json:"no_retry,omitempty"`
	SkipNavigation bool              `json:"skip_navigation,omitempty"`
	MaxRetries     *int              `json:"max_retries,omitempty"`
	Forefront      bool              `json:"forefront,omitempty"`
	InProgress     bool              `json:"in_progress,omitempty"`
}

// DatasetItem is one row appended to a named dataset (e.g. crawl output).
type DatasetItem = map[string]any

// Client is the storage capability every component is constructed against.
// Request-queue records, key-value state, and dataset rows are namespaced
// by a caller-supplied collection name so one backend instance can serve
// many logical queues/datasets/stores.
type Client interface {
	// PutRequest inserts or replaces a request record within collection.
	PutRequest(ctx context.Context, collection string, rec RequestRecord) error

	// GetRequest fetches a request record by uniqueKey, returning
	// ErrNotFound if absent.
	GetRequest(ctx context.Context, collection, uniqueKey string) (RequestRecord, error)

	// DeleteRequest removes a request record, a no-op if absent.
	DeleteRequest(ctx context.Context, collection, uniqueKey string) error

	// ListRequests returns every request record in collection, in
	// insertion order (storage/memory) or in no guaranteed order
	// (storage/redis, which indexes keys in an unordered set).
	ListRequests(ctx context.Context, collection string) ([]RequestRecord, error)

	// PutState persists an arbitrary JSON-able value under key, used for
	// RequestList/SessionPool/Statistics state snapshots.
	PutState(ctx context.Context, collection, key string, value []byte) error

	// GetState fetches a previously persisted state blob.
	GetState(ctx context.Context, collection, key string) ([]byte, error)

	// PushDatasetItem appends one row to a named dataset.
	PushDatasetItem(ctx context.Context, dataset string, item DatasetItem) error

	// ListDatasetItems returns every row pushed to dataset, in insertion
	// order.
	ListDatasetItems(ctx context.Context, dataset string) ([]DatasetItem, error)

	// Purge drops every record under collection, used when
	// CRAWLEE_PURGE_ON_START is set.
	Purge(ctx context.Context, collection string) error
}
