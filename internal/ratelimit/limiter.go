package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

// Window is one fixed counting window.
type Window struct {
	Duration time.Duration
	Limit    int
}

// Limiter admits a request only while the client is under threshold in both
// a short and a long fixed window. Counters are sharded by client key; each
// key's windows are independent, so sharding loses nothing.
type Limiter struct {
	short  Window
	long   Window
	shards [shardCount]shard
}

const shardCount = 16

type shard struct {
	mu      sync.Mutex
	entries map[string]*counters
}

type counters struct {
	shortStart time.Time
	shortCount int
	longStart  time.Time
	longCount  int
}

func New(short, long Window) *Limiter {
	l := &Limiter{short: short, long: long}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*counters)
	}
	return l
}

// Allow reports whether the request from key is admitted at now. Admission
// increments both windows; a rejection increments nothing, so a rejected
// request has no side effects on later admissions.
func (l *Limiter) Allow(key string, now time.Time) bool {
	sh := &l.shards[shardFor(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.entries[key]
	if !ok {
		c = &counters{shortStart: now, longStart: now}
		sh.entries[key] = c
	}
	if now.Sub(c.shortStart) >= l.short.Duration {
		c.shortStart = now
		c.shortCount = 0
	}
	if now.Sub(c.longStart) >= l.long.Duration {
		c.longStart = now
		c.longCount = 0
	}
	if c.shortCount >= l.short.Limit || c.longCount >= l.long.Limit {
		return false
	}
	c.shortCount++
	c.longCount++
	return true
}

// PurgeExpired drops counters whose long window has fully lapsed. Called
// periodically so idle clients do not accumulate.
func (l *Limiter) PurgeExpired(now time.Time) int {
	removed := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for key, c := range sh.entries {
			if now.Sub(c.longStart) >= l.long.Duration {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
