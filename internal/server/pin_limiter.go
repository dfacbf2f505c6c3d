package server

import (
	"github.com/cockroachdb/errors"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	defaultPINAttempts = 5
	defaultPINWindow   = 15 * time.Minute
)

// ErrTooManyAttempts is returned once a client has used up its failed PIN
// attempts for the current window.
var ErrTooManyAttempts = errors.New("too many failed PIN attempts")

// pinLimiter counts failed PIN attempts per client in a fixed window that
// starts at the first failure.
type pinLimiter struct {
	failures *cache.Cache
	max      int
	window   time.Duration
}

func newPINLimiter(attempts int, window time.Duration) *pinLimiter {
	if attempts <= 0 {
		attempts = defaultPINAttempts
	}
	if window <= 0 {
		window = defaultPINWindow
	}
	return &pinLimiter{
		failures: cache.New(window, 2*window),
		max:      attempts,
		window:   window,
	}
}

// Allow reports whether client may try another PIN, and if not, how long
// until the window resets.
func (l *pinLimiter) Allow(client string) (bool, time.Duration) {
	v, expires, ok := l.failures.GetWithExpiration(client)
	if !ok || v.(int) < l.max {
		return true, 0
	}
	return false, max(time.Second, time.Until(expires))
}

func (l *pinLimiter) Fail(client string) {
	if err := l.failures.Add(client, 1, l.window); err == nil {
		return
	}
	if _, err := l.failures.IncrementInt(client, 1); err != nil {
		// Expired between Add and Increment.
		l.failures.Set(client, 1, l.window)
	}
}

func (l *pinLimiter) Reset(client string) {
	l.failures.Delete(client)
}
