package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// ContextShardedMutex is a fixed pool of channel-based mutexes keyed by
// string. The ledger serializes each card's check-then-mutate through one
// of these; because the lock is a channel, a waiter can give up when its
// request context is cancelled instead of queueing forever behind a slow
// delivery.
type ContextShardedMutex struct {
	shards [256]chanMutex
	once   sync.Once
}

// chanMutex holds its permit in a one-slot channel so acquisition can sit
// in a select with ctx.Done().
type chanMutex struct {
	ch chan struct{}
}

// NewContextShardedMutex creates the pool with all shards unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // permit available
		}
	})
}

// LockContext acquires the shard for key. On success it returns the unlock
// function, which the caller must invoke exactly once. If ctx ends first it
// returns the context error and nothing is held.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := &m.shards[m.shardIdx(key)]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ContextShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 256
}
