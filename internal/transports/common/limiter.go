package common

import (
	"sync"
	"time"
)

// RateLimiter реализует sliding-window лимит на ключ "<source>:<subject>".
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events map[string][]time.Time
}

// NewRateLimiter создает limiter с лимитом событий в окне.
// Нулевой или отрицательный limit отключает ограничение.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		events: make(map[string][]time.Time),
	}
}

// Allow возвращает true, если запрос укладывается в лимит. nil limiter пропускает все.
func (l *RateLimiter) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	items := l.events[key]
	kept := items[:0]
	for _, ts := range items {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.limit {
		l.events[key] = kept
		return false
	}
	l.events[key] = append(kept, now)
	l.evict(cutoff)
	return true
}

// evict удаляет ключи без событий в окне.
func (l *RateLimiter) evict(cutoff time.Time) {
	if len(l.events) < 1024 {
		return
	}
	for key, items := range l.events {
		if len(items) == 0 || !items[len(items)-1].After(cutoff) {
			delete(l.events, key)
		}
	}
}
