// Package ratelimit throttles frontend requests per user
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per user
type Limiter struct {
	mu    sync.Mutex
	users map[string]*userLimiter
	rate  rate.Limit
	burst int
	now   func() time.Time
}

// NewLimiter allows requestsPerHour per user with bursts of up to burst
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	return &Limiter{
		users: make(map[string]*userLimiter),
		rate:  rate.Limit(float64(requestsPerHour) / 3600.0),
		burst: burst,
		now:   time.Now,
	}
}

func (l *Limiter) get(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[userID]
	if !ok {
		u = &userLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.users[userID] = u
	}
	u.lastSeen = l.now()
	return u.limiter
}

// Allow consumes one token for userID
func (l *Limiter) Allow(userID string) bool {
	return l.get(userID).AllowN(l.now(), 1)
}

// Tokens returns the tokens currently available to userID
func (l *Limiter) Tokens(userID string) float64 {
	return l.get(userID).TokensAt(l.now())
}

// Prune forgets users idle for longer than idle and returns how many were dropped
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	n := 0
	for id, u := range l.users {
		if u.lastSeen.Before(cutoff) {
			delete(l.users, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked users
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}
