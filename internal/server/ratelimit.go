package server

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter tracks per-client request rates over sliding windows.
type RateLimiter struct {
	mu sync.Mutex

	requestsPerMinute int
	requestsPerHour   int
	requestsPerDay    int

	clients map[string]*clientUsage
}

// clientUsage tracks request counts for one client IP.
type clientUsage struct {
	requestsLastMinute int
	requestsLastHour   int
	requestsToday      int

	lastRequestTime time.Time
	dayStartTime    time.Time
}

// NewRateLimiter creates a rate limiter; a zero limit disables that window.
func NewRateLimiter(requestsPerMinute, requestsPerHour, requestsPerDay int) *RateLimiter {
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		requestsPerHour:   requestsPerHour,
		requestsPerDay:    requestsPerDay,
		clients:           make(map[string]*clientUsage),
	}
}

// Check admits or rejects one request from the given client.
func (rl *RateLimiter) Check(clientID string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	usage := rl.getOrCreate(clientID, now)
	rl.resetIfNeeded(usage, now)

	if err := rl.checkWindows(usage, now); err != nil {
		return err
	}

	usage.requestsLastMinute++
	usage.requestsLastHour++
	usage.requestsToday++
	usage.lastRequestTime = now
	return nil
}

// resetIfNeeded clears counters whose window has elapsed.
func (rl *RateLimiter) resetIfNeeded(usage *clientUsage, now time.Time) {
	if now.Day() != usage.dayStartTime.Day() || now.Month() != usage.dayStartTime.Month() {
		usage.requestsToday = 0
		usage.dayStartTime = now
	}
	if now.Sub(usage.lastRequestTime) >= time.Minute {
		usage.requestsLastMinute = 0
	}
	if now.Sub(usage.lastRequestTime) >= time.Hour {
		usage.requestsLastHour = 0
	}
}

func (rl *RateLimiter) checkWindows(usage *clientUsage, now time.Time) error {
	if rl.requestsPerMinute > 0 && usage.requestsLastMinute >= rl.requestsPerMinute {
		return &RateLimitError{
			Window:     "minute",
			Limit:      rl.requestsPerMinute,
			RetryAfter: time.Minute - now.Sub(usage.lastRequestTime),
		}
	}
	if rl.requestsPerHour > 0 && usage.requestsLastHour >= rl.requestsPerHour {
		return &RateLimitError{
			Window:     "hour",
			Limit:      rl.requestsPerHour,
			RetryAfter: time.Hour - now.Sub(usage.lastRequestTime),
		}
	}
	if rl.requestsPerDay > 0 && usage.requestsToday >= rl.requestsPerDay {
		return &RateLimitError{
			Window:     "day",
			Limit:      rl.requestsPerDay,
			RetryAfter: time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location()).Sub(now),
		}
	}
	return nil
}

func (rl *RateLimiter) getOrCreate(clientID string, now time.Time) *clientUsage {
	usage, exists := rl.clients[clientID]
	if !exists {
		usage = &clientUsage{
			lastRequestTime: now,
			dayStartTime:    now,
		}
		rl.clients[clientID] = usage
	}
	return usage
}

// Usage returns a copy of the current counters for a client.
func (rl *RateLimiter) Usage(clientID string) clientUsage {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if usage, exists := rl.clients[clientID]; exists {
		return *usage
	}
	return clientUsage{}
}

// RateLimitError reports which window a request exceeded.
type RateLimitError struct {
	Window     string        // "minute", "hour" or "day"
	Limit      int           // the limit that was exceeded
	RetryAfter time.Duration // how long to wait before retrying
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (limit: %d, retry after: %v)", e.Window, e.Limit, e.RetryAfter)
}
