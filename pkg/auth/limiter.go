package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"threadline/pkg/timeutil"
)

const (
	bucketIdle  = 10 * time.Minute
	sweepPeriod = time.Minute
)

type bucket struct {
	*rate.Limiter
	used time.Time
}

// keyedLimiter hands out one token bucket per API key. Buckets idle longer
// than bucketIdle are dropped by a sweep that starts on first use.
type keyedLimiter struct {
	limit rate.Limit
	burst int
	clock timeutil.Clock

	mu      sync.Mutex
	buckets map[string]*bucket

	started sync.Once
	stopped sync.Once
	done    chan struct{}
}

func newKeyedLimiter(rps float64, burst int) *keyedLimiter {
	return &keyedLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		clock:   timeutil.System,
		buckets: map[string]*bucket{},
		done:    make(chan struct{}),
	}
}

// Allow reports whether a request on key may proceed. A zero rate disables
// limiting.
func (k *keyedLimiter) Allow(key string) bool {
	if k.limit <= 0 {
		return true
	}
	k.started.Do(func() { go k.sweepEvery(sweepPeriod) })
	return k.bucket(key).AllowN(k.clock.Now(), 1)
}

func (k *keyedLimiter) bucket(key string) *bucket {
	now := k.clock.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	b := k.buckets[key]
	if b == nil {
		b = &bucket{Limiter: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.used = now
	return b
}

// sweep drops idle buckets and returns how many went.
func (k *keyedLimiter) sweep() int {
	cutoff := k.clock.Now().Add(-bucketIdle)
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for key, b := range k.buckets {
		if b.used.Before(cutoff) {
			delete(k.buckets, key)
			n++
		}
	}
	return n
}

func (k *keyedLimiter) sweepEvery(d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-k.done:
			return
		case <-t.C:
			k.sweep()
		}
	}
}

func (k *keyedLimiter) Stop() { k.stopped.Do(func() { close(k.done) }) }
