package service

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockShards = 256

// orderLocks serializes work on one order while letting different orders run
// in parallel. Two orders may share a shard; callers never hold two at once.
type orderLocks struct {
	shards [lockShards]sync.Mutex
}

func (l *orderLocks) lock(orderID string) func() {
	m := &l.shards[xxhash.Sum64String(orderID)%lockShards]
	m.Lock()
	return m.Unlock
}
