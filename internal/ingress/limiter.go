package ingress

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	defaultUploadsPerSecond = 1
	defaultUploadBurst      = 5
)

// limiterPool holds one token bucket per user.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = defaultUploadsPerSecond
	}

	if burst <= 0 {
		burst = defaultUploadBurst
	}

	return &limiterPool{m: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.m[key]; ok {
		return l
	}

	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l

	return l
}

// Allow reports whether key may upload now and consumes a token if so.
func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}
