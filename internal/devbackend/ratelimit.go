package devbackend

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter applies an independent token bucket per key.
type KeyedLimiter struct {
	mutex    sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	clock    Clock
}

// NewKeyedLimiter allows burst events per key, refilled once per interval.
func NewKeyedLimiter(interval time.Duration, burst int, clock Clock) *KeyedLimiter {
	if clock == nil {
		clock = systemClock{}
	}
	return &KeyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(interval),
		burst:    burst,
		clock:    clock,
	}
}

// Allow consumes one event for key. When denied it reports how long until the next
// event would be allowed, rounded up to whole seconds.
func (limiter *KeyedLimiter) Allow(key string) (bool, time.Duration) {
	limiter.mutex.Lock()
	bucket, ok := limiter.limiters[key]
	if !ok {
		bucket = rate.NewLimiter(limiter.limit, limiter.burst)
		limiter.limiters[key] = bucket
	}
	limiter.mutex.Unlock()

	now := limiter.clock.Now()
	reservation := bucket.ReserveN(now, 1)
	if !reservation.OK() {
		return false, 0
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return true, 0
	}
	reservation.CancelAt(now)
	return false, time.Duration(math.Ceil(delay.Seconds())) * time.Second
}
