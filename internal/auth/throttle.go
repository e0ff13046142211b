package auth

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sakif/certs-view/internal/apperror"
)

const (
	DefaultMaxAttempts   = 5
	DefaultAttemptWindow = 15 * time.Minute
)

// attemptEntry counts failures for one identifier within one window.
// inFlight counts attempts reserved by Begin that have not been settled.
type attemptEntry struct {
	count       int
	windowStart time.Time
	inFlight    int
}

// AttemptLimiter throttles login attempts per identifier (the email).
//
// WINDOW SEMANTICS:
// The first failure opens a window of `window` length. Every further failure
// inside that window increments the count. Once count reaches maxAttempts the
// identifier is locked until the window that started with the first failure
// elapses; a successful login resets the entry immediately.
//
// RESERVING ATTEMPTS:
// The password check sits between "may this attempt run?" and "it failed",
// and bcrypt takes a quarter second. Login therefore calls Begin, which
// counts the attempt as in flight under the same lock that checks the
// limit. Parallel guesses for one email see each other's reservations, so
// no more than maxAttempts passwords are ever compared per window. Every
// Begin is settled by exactly one of Fail, Reset or Release.
//
// The state is process-local and volatile: a restart forgets all counters.
type AttemptLimiter struct {
	mu          sync.Mutex
	entries     map[string]*attemptEntry
	maxAttempts int
	window      time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// LimiterOption customises an AttemptLimiter.
type LimiterOption func(*AttemptLimiter)

// WithLimits overrides the default 5 attempts / 15 minutes.
func WithLimits(maxAttempts int, window time.Duration) LimiterOption {
	return func(l *AttemptLimiter) {
		l.maxAttempts = maxAttempts
		l.window = window
	}
}

// WithLimiterClock replaces time.Now.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *AttemptLimiter) {
		l.now = now
	}
}

func NewAttemptLimiter(logger *slog.Logger, opts ...LimiterOption) *AttemptLimiter {
	l := &AttemptLimiter{
		entries:     make(map[string]*attemptEntry),
		maxAttempts: DefaultMaxAttempts,
		window:      DefaultAttemptWindow,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check returns apperror.Throttled if key has used up its attempts in the
// current window. It reserves nothing; Login uses Begin.
func (l *AttemptLimiter) Check(key string) error {
	key = normalizeKey(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.current(key, l.now())
	if !ok {
		return nil
	}
	return l.throttled(e, e.count, l.now())
}

// Begin reserves one attempt for key, or returns apperror.Throttled when
// failures plus attempts still in flight already reach the limit.
func (l *AttemptLimiter) Begin(key string) error {
	key = normalizeKey(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.current(key, now)
	if !ok {
		e = &attemptEntry{}
		l.entries[key] = e
	}
	if err := l.throttled(e, e.count+e.inFlight, now); err != nil {
		return err
	}
	e.inFlight++
	return nil
}

// Fail records one failed attempt for key and returns the new count. It
// settles a reservation made by Begin, if there is one.
func (l *AttemptLimiter) Fail(key string) int {
	key = normalizeKey(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.current(key, now)
	if !ok {
		e = &attemptEntry{}
		l.entries[key] = e
	}
	if e.inFlight > 0 {
		e.inFlight--
	}
	if e.count == 0 {
		e.windowStart = now
	}
	e.count++

	if e.count == l.maxAttempts {
		l.logger.Warn("login locked out",
			slog.String("identifier", key),
			slog.Duration("window", l.window),
		)
	}
	return e.count
}

// Reset clears the failures for key after a successful login, before the
// response is written. Other attempts still in flight keep their
// reservations.
func (l *AttemptLimiter) Reset(key string) {
	key = normalizeKey(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return
	}
	if e.inFlight > 0 {
		e.inFlight--
	}
	e.count = 0
	e.windowStart = time.Time{}
	l.dropIfIdle(key, e)
}

// Release gives back a reservation without counting a failure, for an
// attempt that ended in an internal error.
func (l *AttemptLimiter) Release(key string) {
	key = normalizeKey(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return
	}
	if e.inFlight > 0 {
		e.inFlight--
	}
	l.dropIfIdle(key, e)
}

// current returns the live entry for key. A window that has elapsed
// forgets its failures; the entry itself survives while attempts are in
// flight. Callers hold l.mu.
func (l *AttemptLimiter) current(key string, now time.Time) (*attemptEntry, bool) {
	e, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	if l.expired(e, now) {
		e.count = 0
		e.windowStart = time.Time{}
	}
	if l.dropIfIdle(key, e) {
		return nil, false
	}
	return e, true
}

func (l *AttemptLimiter) dropIfIdle(key string, e *attemptEntry) bool {
	if e.count == 0 && e.inFlight == 0 {
		delete(l.entries, key)
		return true
	}
	return false
}

// throttled reports whether used attempts reach the limit. Retry-After is
// the end of the failure window, or one second when only in-flight
// attempts fill it.
func (l *AttemptLimiter) throttled(e *attemptEntry, used int, now time.Time) error {
	if used < l.maxAttempts {
		return nil
	}
	retryAfter := time.Second
	if e.count > 0 {
		retryAfter = e.windowStart.Add(l.window).Sub(now)
	}
	return apperror.Throttled("Too many login attempts. Please try again later.", retryAfter)
}

// Sweep drops every entry whose window has elapsed and returns how many
// were removed.
func (l *AttemptLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, e := range l.entries {
		if l.expired(e, now) {
			e.count = 0
			e.windowStart = time.Time{}
		}
		if l.dropIfIdle(key, e) {
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked identifiers.
func (l *AttemptLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Run sweeps expired entries every interval until ctx is cancelled.
// Without it the map would grow with every distinct email ever tried.
func (l *AttemptLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("swept login attempt entries", slog.Int("removed", n))
			}
		}
	}
}

func (l *AttemptLimiter) expired(e *attemptEntry, now time.Time) bool {
	return e.count > 0 && !now.Before(e.windowStart.Add(l.window))
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
