package fakes

import (
	"bytes"
	"cmp"
	"context"
	"sort"
	"sync"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdKV is an in-memory etcd.KV. It understands single keys and ranges
// (WithPrefix, WithRange), returns keys in ascending order and honors
// WithCountOnly. Other options are ignored. Txn compares on single keys
// and runs Put, Get and Delete ops.
type EtcdKV struct {
	mu   sync.Mutex
	rev  int64
	data map[string]*mvccpb.KeyValue

	// Err, when set, is returned by every call.
	Err error
}

func NewEtcdKV() *EtcdKV {
	return &EtcdKV{data: map[string]*mvccpb.KeyValue{}}
}

func (f *EtcdKV) match(op clientv3.Op) []*mvccpb.KeyValue {
	key := op.KeyBytes()
	end := op.RangeBytes()

	var out []*mvccpb.KeyValue
	for k, kv := range f.data {
		kb := []byte(k)
		switch {
		case len(end) == 0:
			if !bytes.Equal(kb, key) {
				continue
			}
		case bytes.Equal(end, []byte{0}):
			if bytes.Compare(kb, key) < 0 {
				continue
			}
		default:
			if bytes.Compare(kb, key) < 0 || bytes.Compare(kb, end) >= 0 {
				continue
			}
		}
		out = append(out, kv)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Key, out[j].Key) < 0
	})
	return out
}

func (f *EtcdKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if f.data == nil {
		f.data = map[string]*mvccpb.KeyValue{}
	}

	op := clientv3.OpGet(key, opts...)
	kvs := f.match(op)
	resp := &clientv3.GetResponse{Count: int64(len(kvs))}
	if op.IsCountOnly() {
		return resp, nil
	}
	resp.Kvs = make([]*mvccpb.KeyValue, len(kvs))
	for i, kv := range kvs {
		cp := *kv
		resp.Kvs[i] = &cp
	}
	return resp, nil
}

func (f *EtcdKV) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.put(key, val)
	return &clientv3.PutResponse{}, nil
}

func (f *EtcdKV) put(key, val string) {
	if f.data == nil {
		f.data = map[string]*mvccpb.KeyValue{}
	}
	f.rev++
	kv, ok := f.data[key]
	if !ok {
		kv = &mvccpb.KeyValue{Key: []byte(key), CreateRevision: f.rev}
		f.data[key] = kv
	}
	kv.Value = []byte(val)
	kv.ModRevision = f.rev
	kv.Version++
}

func (f *EtcdKV) Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}

	op := clientv3.OpDelete(key, opts...)
	kvs := f.match(op)
	for _, kv := range kvs {
		delete(f.data, string(kv.Key))
	}
	return &clientv3.DeleteResponse{Deleted: int64(len(kvs))}, nil
}

func (f *EtcdKV) Txn(ctx context.Context) clientv3.Txn {
	return &fakeTxn{kv: f}
}

type fakeTxn struct {
	kv      *EtcdKV
	cmps    []clientv3.Cmp
	thenOps []clientv3.Op
	elseOps []clientv3.Op
}

func (t *fakeTxn) If(cs ...clientv3.Cmp) clientv3.Txn {
	t.cmps = append(t.cmps, cs...)
	return t
}

func (t *fakeTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	t.thenOps = append(t.thenOps, ops...)
	return t
}

func (t *fakeTxn) Else(ops ...clientv3.Op) clientv3.Txn {
	t.elseOps = append(t.elseOps, ops...)
	return t
}

func (t *fakeTxn) Commit() (*clientv3.TxnResponse, error) {
	f := t.kv
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}

	succeeded := true
	for _, c := range t.cmps {
		if !f.compare(pb.Compare(c)) {
			succeeded = false
			break
		}
	}
	ops := t.elseOps
	if succeeded {
		ops = t.thenOps
	}
	for _, op := range ops {
		switch {
		case op.IsPut():
			f.put(string(op.KeyBytes()), string(op.ValueBytes()))
		case op.IsDelete():
			for _, kv := range f.match(op) {
				delete(f.data, string(kv.Key))
			}
		}
	}
	return &clientv3.TxnResponse{Succeeded: succeeded}, nil
}

// compare treats a missing key as all-zero revisions and an empty value.
func (f *EtcdKV) compare(c pb.Compare) bool {
	var cur mvccpb.KeyValue
	if kv, ok := f.data[string(c.Key)]; ok {
		cur = *kv
	}

	var diff int
	switch c.Target {
	case pb.Compare_VALUE:
		diff = bytes.Compare(cur.Value, c.GetValue())
	case pb.Compare_VERSION:
		diff = cmp.Compare(cur.Version, c.GetVersion())
	case pb.Compare_CREATE:
		diff = cmp.Compare(cur.CreateRevision, c.GetCreateRevision())
	case pb.Compare_MOD:
		diff = cmp.Compare(cur.ModRevision, c.GetModRevision())
	default:
		return false
	}

	switch c.Result {
	case pb.Compare_EQUAL:
		return diff == 0
	case pb.Compare_NOT_EQUAL:
		return diff != 0
	case pb.Compare_GREATER:
		return diff > 0
	case pb.Compare_LESS:
		return diff < 0
	}
	return false
}

// Len returns the number of stored keys.
func (f *EtcdKV) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}
