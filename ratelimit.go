package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"creator-tracker-template/adapters"
)

// ───────── Adaptive rate gate (AIMD + cool-off) ─────────

// adaptiveGate bounds outbound platform calls. Every detail/related fetch
// acquires a token before going out, so true outbound concurrency is limited
// by the gate regardless of how many workers are in flight.
type adaptiveGate struct {
	mu        sync.Mutex
	lim       *rate.Limiter
	curr      rate.Limit
	min, max  rate.Limit
	incOK     int
	incStep   rate.Limit
	okCount   int
	coolUntil time.Time
	jitterMs  int
}

type gateConfig struct {
	startRPS, minRPS, maxRPS float64
	incStep                  float64
	incEveryOK               int
	jitterMs                 int
}

func newAdaptiveGate(cfg gateConfig) *adaptiveGate {
	start := cfg.startRPS
	if start < cfg.minRPS {
		start = cfg.minRPS
	}
	incEveryOK := cfg.incEveryOK
	if incEveryOK <= 0 {
		incEveryOK = 1
	}
	return &adaptiveGate{
		lim:      rate.NewLimiter(rate.Limit(start), 1),
		curr:     rate.Limit(start),
		min:      rate.Limit(cfg.minRPS),
		max:      rate.Limit(cfg.maxRPS),
		incOK:    incEveryOK,
		incStep:  rate.Limit(cfg.incStep),
		jitterMs: cfg.jitterMs,
	}
}

// Wait blocks until a request slot frees (or ctx is done). Callers block here,
// not on their own timers, so the limiter window bounds outbound concurrency.
func (g *adaptiveGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	cool := g.coolUntil
	lim := g.lim
	jitter := g.jitterMs
	g.mu.Unlock()

	now := time.Now()
	if cool.After(now) {
		d := time.Until(cool) + time.Duration(rand.Intn(100))*time.Millisecond
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if jitter > 0 {
		select {
		case <-time.After(time.Duration(rand.Intn(jitter)) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lim.Wait(ctx)
}

// OnOK rewards a successful response: additive increase after every incOK
// successes, capped at max.
func (g *adaptiveGate) OnOK() {
	g.mu.Lock()
	g.okCount++
	if g.okCount >= g.incOK {
		g.okCount = 0
		n := g.curr + g.incStep
		if n > g.max {
			n = g.max
		}
		if n != g.curr {
			g.curr = n
			g.lim.SetLimit(g.curr)
		}
	}
	g.mu.Unlock()
}

// OnThrottle halves the rate (multiplicative decrease) and opens a global
// cool-off window honored by every caller of Wait.
func (g *adaptiveGate) OnThrottle(mult float64, coolOff time.Duration) {
	if mult <= 0 || mult >= 1 {
		mult = 0.5
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	n := rate.Limit(float64(g.curr) * mult)
	if n < g.min {
		n = g.min
	}
	if n != g.curr {
		g.curr = n
		g.lim.SetLimit(g.curr)
	}
	g.okCount = 0
	g.coolUntil = time.Now().Add(coolOff)
}

// RPS returns the current limiter rate (for metrics).
func (g *adaptiveGate) RPS() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return float64(g.curr)
}

func parseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ───────── Retry policy ─────────

// retryPolicy is an explicit wrapper for fallible outbound calls: bounded
// attempts with quadratic backoff and jitter. The caller decides whether
// exhaustion is fatal; the policy itself never panics or raises.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	gate        *adaptiveGate
	coolOff     time.Duration
}

// do runs fn until it succeeds, attempts are exhausted, or ctx is done.
// fn reports the observed HTTP-ish status so the policy can distinguish
// throttling (penalize + retry) from plain failure (retry) and success.
func (p retryPolicy) do(ctx context.Context, fn func() (status int, err error)) error {
	var lastErr error
	attempts := p.maxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if p.gate != nil {
			if err := p.gate.Wait(ctx); err != nil {
				return err
			}
		}
		status, err := fn()
		if err == nil {
			if p.gate != nil {
				p.gate.OnOK()
			}
			return nil
		}
		lastErr = err
		// An expired credential does not recover by retrying; surface it at once.
		if errors.Is(err, adapters.ErrAuthExpired) {
			return err
		}
		if status == 429 || status == 403 || status == 408 || (status >= 500 && status <= 599) {
			if p.gate != nil {
				p.gate.OnThrottle(0.5, p.coolOff)
			}
		}
		if attempt == attempts-1 {
			break
		}
		backoff := p.baseDelay + time.Duration(attempt*attempt)*250*time.Millisecond +
			time.Duration(rand.Intn(151))*time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
