package etcd

import (
	"context"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// KV is the slice of the etcd client the room registry needs. A
// *clientv3.Client satisfies it, and fakes.EtcdKV stands in for tests.
type KV interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
	Txn(ctx context.Context) clientv3.Txn
}

var _ KV = (*clientv3.Client)(nil)
