// Package guard holds the pre-flight checks every manager operation passes
// through before it touches the container engine.
package guard

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// EmergencyStopChecker reports whether the process-wide emergency stop is active.
type EmergencyStopChecker interface {
	IsTripped() bool
}

// OperationWhitelist decides whether an operation name may run at all.
type OperationWhitelist interface {
	IsAllowed(op string) bool
}

// RateLimiter admits or refuses one call by userID for op.
type RateLimiter interface {
	CheckLimit(userID, op string) bool
}

// RiskAssessor reports whether the parameters of an operation must be blocked.
type RiskAssessor interface {
	Assess(op string, params map[string]any) (blocked bool)
}

// Check names which collaborator produced a decision.
type Check string

const (
	CheckEmergency Check = "emergency_stop"
	CheckWhitelist Check = "whitelist"
	CheckRateLimit Check = "rate_limit"
	CheckRisk      Check = "risk"
	CheckNone      Check = ""
)

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed bool
	Check   Check
	Reason  string
}

// Gate runs the configured collaborators in a fixed order: emergency stop,
// whitelist, rate limit, risk. Any nil collaborator is skipped.
type Gate struct {
	Emergency EmergencyStopChecker
	Whitelist OperationWhitelist
	Limiter   RateLimiter
	Risk      RiskAssessor
}

func (g *Gate) Check(op, userID string, params map[string]any) Decision {
	if g == nil {
		return Decision{Allowed: true}
	}
	if g.Emergency != nil && g.Emergency.IsTripped() {
		return Decision{Check: CheckEmergency, Reason: "emergency stop is active"}
	}
	if g.Whitelist != nil && !g.Whitelist.IsAllowed(op) {
		return Decision{Check: CheckWhitelist, Reason: fmt.Sprintf("operation %q is not whitelisted", op)}
	}
	if g.Limiter != nil && !g.Limiter.CheckLimit(userID, op) {
		return Decision{Check: CheckRateLimit, Reason: fmt.Sprintf("rate limit exceeded for %q", userID)}
	}
	if g.Risk != nil && g.Risk.Assess(op, params) {
		return Decision{Check: CheckRisk, Reason: fmt.Sprintf("operation %q rejected by risk assessment", op)}
	}
	return Decision{Allowed: true}
}

// StaticWhitelist allows the operations it was built with. An empty
// whitelist allows everything.
type StaticWhitelist struct {
	ops map[string]struct{}
}

func NewStaticWhitelist(ops ...string) *StaticWhitelist {
	w := &StaticWhitelist{ops: make(map[string]struct{}, len(ops))}
	for _, op := range ops {
		if op != "" {
			w.ops[op] = struct{}{}
		}
	}
	return w
}

func (w *StaticWhitelist) IsAllowed(op string) bool {
	if len(w.ops) == 0 {
		return true
	}
	_, ok := w.ops[op]
	return ok
}

// TokenBucketLimiter keeps one token bucket per user and operation. Buckets
// idle for longer than the eviction window are dropped on the next call.
type TokenBucketLimiter struct {
	rps   rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewTokenBucketLimiter(rps float64, burst int) *TokenBucketLimiter {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucketLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		idle:    5 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (l *TokenBucketLimiter) CheckLimit(userID, op string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > time.Minute {
		for key, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.idle {
				delete(l.buckets, key)
			}
		}
		l.lastSweep = now
	}

	key := userID + "\x00" + op
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}
