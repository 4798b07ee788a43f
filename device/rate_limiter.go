package main

import (
	"sync"
	"time"
)

type rateRecord struct {
	count int
	reset time.Time
}

// RateLimiter tracks per-key request usage within a fixed window.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries map[string]rateRecord
	now     func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window, entries: make(map[string]rateRecord), now: time.Now}
}

// Allow returns true if key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, rec := range rl.entries {
		if now.After(rec.reset) {
			delete(rl.entries, k)
		}
	}
	rec, ok := rl.entries[key]
	if !ok {
		rec = rateRecord{reset: now.Add(rl.window)}
	}
	if rec.count >= rl.limit {
		return false
	}
	rec.count++
	rl.entries[key] = rec
	return true
}
