package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdLock implements Lock using etcd leases: a key is written with a lease
// whose TTL is the caller's ttl, and ownership is proven by an embedded
// token compared on read. This is the second backend the teacher's
// cluster/lock.go doc comment names as production-appropriate ("an
// etcd-backed lock").
type EtcdLock struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdLock wraps client. prefix is prepended to every key.
func NewEtcdLock(client *clientv3.Client, prefix string) *EtcdLock {
	return &EtcdLock{client: client, prefix: prefix}
}

func (e *EtcdLock) fullKey(key string) string { return e.prefix + key }

// TryAcquire grants a lease for ttl and writes key=token only if key is
// currently absent, using a transaction so the check-and-set is atomic.
func (e *EtcdLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	seconds := int64(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	lease, err := e.client.Grant(ctx, seconds)
	if err != nil {
		return "", false, err
	}

	token := uuid.NewString()
	fk := e.fullKey(key)
	txn := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(fk), "=", 0)).
		Then(clientv3.OpPut(fk, token, clientv3.WithLease(lease.ID))).
		Else()
	resp, err := txn.Commit()
	if err != nil {
		return "", false, err
	}
	if !resp.Succeeded {
		// Someone else holds it; release the unused lease.
		_, _ = e.client.Revoke(ctx, lease.ID)
		return "", false, nil
	}
	return token, true, nil
}

// Extend renews the lease backing key, proving ownership by reading the
// stored token back first.
func (e *EtcdLock) Extend(ctx context.Context, key, token string, _ time.Duration) error {
	fk := e.fullKey(key)
	resp, err := e.client.Get(ctx, fk)
	if err != nil {
		return err
	}
	if len(resp.Kvs) == 0 || string(resp.Kvs[0].Value) != token {
		return ErrNotHeld
	}
	leaseID := clientv3.LeaseID(resp.Kvs[0].Lease)
	if leaseID == 0 {
		return ErrNotHeld
	}
	_, err = e.client.KeepAliveOnce(ctx, leaseID)
	return err
}

// Release deletes key if it still matches token.
func (e *EtcdLock) Release(ctx context.Context, key, token string) error {
	fk := e.fullKey(key)
	txn := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(fk), "=", token)).
		Then(clientv3.OpDelete(fk)).
		Else()
	resp, err := txn.Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return ErrNotHeld
	}
	return nil
}

// IsLocked reports whether key currently has any value stored.
func (e *EtcdLock) IsLocked(ctx context.Context, key string) (bool, error) {
	resp, err := e.client.Get(ctx, e.fullKey(key))
	if err != nil {
		return false, err
	}
	return len(resp.Kvs) > 0, nil
}
