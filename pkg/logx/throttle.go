package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits repeated log lines per key. Suppressed occurrences are
// counted and reported on the next line that gets through.
type Throttle struct {
	every time.Duration

	mu    sync.Mutex
	keys  map[string]*throttleKey
	limit int
}

type throttleKey struct {
	lim        *rate.Limiter
	suppressed uint64
}

// NewThrottle allows one line per key every interval. maxKeys bounds memory;
// when exceeded the key table is reset.
func NewThrottle(every time.Duration, maxKeys int) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	if maxKeys <= 0 {
		maxKeys = 1024
	}
	return &Throttle{every: every, keys: make(map[string]*throttleKey), limit: maxKeys}
}

// Allow reports whether a line for key may be written now, and how many
// lines were suppressed since the previous one.
func (t *Throttle) Allow(key string) (bool, uint64) {
	if t == nil {
		return true, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	k := t.keys[key]
	if k == nil {
		if len(t.keys) >= t.limit {
			t.keys = make(map[string]*throttleKey)
		}
		k = &throttleKey{lim: rate.NewLimiter(rate.Every(t.every), 1)}
		t.keys[key] = k
	}
	if !k.lim.Allow() {
		k.suppressed++
		return false, 0
	}
	n := k.suppressed
	k.suppressed = 0
	return true, n
}

// Warn logs msg at warn level subject to the throttle for key.
func (t *Throttle) Warn(l Logger, key, msg string, fields ...Field) {
	ok, suppressed := t.Allow(key)
	if !ok {
		return
	}
	if suppressed > 0 {
		fields = append(fields, Uint64("suppressed", suppressed))
	}
	l.Warn(msg, fields...)
}
