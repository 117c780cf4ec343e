// Package store provides the keyed in-memory state shared by the limiter,
// the detector and the correlator.
//
// Every key hashes to one of a fixed number of shards, each guarded by its
// own mutex, so callers touching different keys rarely contend while
// read-modify-write operations on the same key are serialized.
package store

import (
	"hash/maphash"
	"sync"
)

const defaultShards = 64

type shard[V any] struct {
	mu    sync.Mutex
	items map[string]*V
}

type Sharded[V any] struct {
	seed   maphash.Seed
	shards []*shard[V]
}

func NewSharded[V any](shards int) *Sharded[V] {
	if shards <= 0 {
		shards = defaultShards
	}
	s := &Sharded[V]{seed: maphash.MakeSeed(), shards: make([]*shard[V], shards)}
	for i := range s.shards {
		s.shards[i] = &shard[V]{items: make(map[string]*V)}
	}
	return s
}

func (s *Sharded[V]) shardFor(key string) *shard[V] {
	h := maphash.String(s.seed, key)
	return s.shards[h%uint64(len(s.shards))]
}

// Update runs fn with exclusive access to the value stored under key,
// creating it with create when absent. The value must not escape fn.
func (s *Sharded[V]) Update(key string, create func() V, fn func(v *V)) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.items[key]
	if !ok {
		nv := create()
		v = &nv
		sh.items[key] = v
	}
	fn(v)
}

// View runs fn on the value under key if present. It reports whether the key existed.
func (s *Sharded[V]) View(key string, fn func(v *V)) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.items[key]
	if !ok {
		return false
	}
	fn(v)
	return true
}

func (s *Sharded[V]) Set(key string, v V) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.items[key] = &v
	sh.mu.Unlock()
}

func (s *Sharded[V]) Delete(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.items, key)
	sh.mu.Unlock()
}

// Sweep visits every entry one shard at a time and deletes those for which
// expired returns true. It returns the number of deleted entries.
func (s *Sharded[V]) Sweep(expired func(key string, v *V) bool) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, v := range sh.items {
			if expired(k, v) {
				delete(sh.items, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *Sharded[V]) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.items)
		sh.mu.Unlock()
	}
	return n
}

func (s *Sharded[V]) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.items = make(map[string]*V)
		sh.mu.Unlock()
	}
}
