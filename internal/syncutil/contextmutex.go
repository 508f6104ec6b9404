// Package syncutil holds lock primitives for the in-memory stores. The
// dev-mode ledger keys a mutex by billing group where the Postgres store
// would take an advisory lock, so a balance check and its deduction
// stay serialized.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ContextShardedMutex is a fixed pool of channel-based mutexes keyed by
// string. Channel mutexes let an acquirer select on its context, so a
// caller waiting behind a slow holder can bail out on cancellation
// instead of blocking until the holder finishes.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewContextShardedMutex creates a sharded mutex with every shard
// unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{} // Start unlocked.
		}
	})
}

// LockContext acquires the shard for key. On success it returns the
// unlock function, which the caller must run exactly once. On
// cancellation it returns the context error and no lock is held.
//
// Keys sharing a shard contend with each other; with 256 shards that is
// rare enough for the dev-mode stores this serves.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[m.shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ContextShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
