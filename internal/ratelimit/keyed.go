package ratelimit

import "sync"

// Keyed holds one TokenBucket per key, for limits that must span several
// connections of the same peer.
type Keyed struct {
	clock    Clock
	capacity int64
	fillRate int64

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

func NewKeyed(clock Clock, capacityTokens, fillRate int64) *Keyed {
	if clock == nil {
		clock = RealClock{}
	}
	return &Keyed{
		clock:    clock,
		capacity: capacityTokens,
		fillRate: fillRate,
		buckets:  make(map[string]*TokenBucket),
	}
}

func (k *Keyed) Allow(key string, tokens int64) bool {
	k.mu.Lock()
	b, ok := k.buckets[key]
	if !ok {
		b = NewTokenBucket(k.clock, k.capacity, k.fillRate)
		k.buckets[key] = b
	}
	k.mu.Unlock()
	return b.Allow(tokens)
}

// Prune drops buckets that have refilled completely and returns how many
// remain. Dropping a full bucket is indistinguishable from keeping it.
func (k *Keyed) Prune() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, b := range k.buckets {
		if b.Full() {
			delete(k.buckets, key)
		}
	}
	return len(k.buckets)
}
