package ratelimit

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const tableShards = 64

type tableShard struct {
	mu      sync.Mutex
	buckets map[Key]*Bucket
}

// bucketTable maps keys to buckets. Shard locks guard membership only; a
// bucket's balance is guarded by its own mutex.
type bucketTable struct {
	shards [tableShards]tableShard
}

func newBucketTable() *bucketTable {
	var t bucketTable
	for i := range t.shards {
		t.shards[i].buckets = make(map[Key]*Bucket)
	}
	return &t
}

func (k Key) hash() uint64 {
	h := xxhash.Sum64String(k.Name)
	h = h*31 + xxhash.Sum64String(k.Provider)
	h = h*31 + xxhash.Sum64String(k.Consumer)
	h = h*31 + uint64(k.Scope)
	return h*31 + uint64(k.Rule.Capacity) ^ uint64(k.Rule.Period)
}

func (t *bucketTable) shard(k Key) *tableShard {
	return &t.shards[k.hash()%tableShards]
}

// getOrCreate returns the bucket for k, creating it with init if absent.
func (t *bucketTable) getOrCreate(k Key, init func() *Bucket) *Bucket {
	s := t.shard(k)
	s.mu.Lock()
	b, ok := s.buckets[k]
	if !ok {
		b = init()
		s.buckets[k] = b
	}
	s.mu.Unlock()
	return b
}

func (t *bucketTable) get(k Key) (*Bucket, bool) {
	s := t.shard(k)
	s.mu.Lock()
	b, ok := s.buckets[k]
	s.mu.Unlock()
	return b, ok
}

func (t *bucketTable) len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}

// each calls fn for every bucket. fn runs without any shard lock held.
func (t *bucketTable) each(fn func(Key, *Bucket)) {
	type entry struct {
		k Key
		b *Bucket
	}
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		entries := make([]entry, 0, len(s.buckets))
		for k, b := range s.buckets {
			entries = append(entries, entry{k, b})
		}
		s.mu.Unlock()
		for _, e := range entries {
			fn(e.k, e.b)
		}
	}
}
