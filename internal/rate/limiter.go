// Package rate implements a fixed-window in-memory rate limiter keyed by
// caller-chosen strings ("login:<ip>", "pwdreset:<email>" and so on).
package rate

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited reports that the key exhausted its window budget.
var ErrRateLimited = errors.New("rate limited")

// Config holds limiter tuning parameters.
type Config struct {
	Window time.Duration
	Max    int
}

type window struct {
	mu      sync.Mutex
	startMS int64
	count   int
}

// Limiter counts hits per key in fixed windows. Two concurrent hits on the
// same key serialize on that key's lock, not on a limiter-wide one, so
// unrelated keys never contend.
//
// Fixed windows are deliberately coarse: up to 2x the budget can pass in a
// burst straddling a window boundary.
type Limiter struct {
	config  Config
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Max <= 0 {
		cfg.Max = 10
	}
	return &Limiter{
		config:  cfg,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow records a hit for key and reports whether it fits the current
// window. The first hit after a window lapses resets the count.
func (l *Limiter) Allow(key string) bool {
	w := l.window(key)

	nowMS := l.now().UnixMilli()
	windowMS := l.config.Window.Milliseconds()

	w.mu.Lock()
	defer w.mu.Unlock()

	if nowMS-w.startMS >= windowMS {
		w.startMS = nowMS
		w.count = 0
	}
	if w.count >= l.config.Max {
		return false
	}
	w.count++
	return true
}

// Check is Allow as an error: nil when the hit fits, ErrRateLimited when not.
func (l *Limiter) Check(key string) error {
	if !l.Allow(key) {
		return ErrRateLimited
	}
	return nil
}

// Reset forgets the key entirely.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
}

func (l *Limiter) window(key string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	return w
}
