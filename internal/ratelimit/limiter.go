package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// Granularity identifies one fixed-window size.
type Granularity string

const (
	// GranularityMinute is the fine window evaluated first.
	GranularityMinute Granularity = "minute"
	// GranularityDay is the coarse window evaluated second.
	GranularityDay Granularity = "day"
)

// windowSeconds returns the window length in seconds.
func (g Granularity) windowSeconds() int64 {
	if g == GranularityDay {
		return 86400
	}
	return 60
}

// counterTTLBuffer is added to window expiry to absorb clock and propagation
// skew; counters then clean themselves up without explicit deletion.
const counterTTLBuffer = 30 * time.Second

// CounterStore is the atomic window-counter side of the fast cache.
// WindowCount is a plain read used for metadata on windows whose counter
// must not be consumed.
type CounterStore interface {
	IncrWindow(ctx context.Context, key string, limit int64, ttl time.Duration) (count int64, allowed bool, err error)
	WindowCount(ctx context.Context, key string) (int64, error)
}

// Window reports the state of one granularity after a check.
type Window struct {
	Granularity Granularity
	Limit       int64
	Remaining   int64
	ResetUnix   int64
}

// Result is the outcome of one rate-limit decision, carrying enough metadata
// to populate standard rate-limit response headers for both granularities.
type Result struct {
	Allowed  bool
	DeniedBy Granularity
	Minute   Window
	Day      Window
}

// Headers returns standard rate-limit response headers. They are set on both
// admitted and rejected responses.
func (r Result) Headers() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":         strconv.FormatInt(r.Minute.Limit, 10),
		"X-RateLimit-Remaining":     strconv.FormatInt(r.Minute.Remaining, 10),
		"X-RateLimit-Reset":         strconv.FormatInt(r.Minute.ResetUnix, 10),
		"X-RateLimit-Limit-Day":     strconv.FormatInt(r.Day.Limit, 10),
		"X-RateLimit-Remaining-Day": strconv.FormatInt(r.Day.Remaining, 10),
		"X-RateLimit-Reset-Day":     strconv.FormatInt(r.Day.ResetUnix, 10),
	}
}

// Limiter enforces per-identity fixed-window ceilings. It is stateless per
// call; all state lives in external window counters.
type Limiter struct {
	store CounterStore
	now   func() time.Time
}

// NewLimiter constructs a Limiter over the given counter store.
func NewLimiter(store CounterStore) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// Check admits or rejects one request for the identity under the given
// ceilings. The minute window is evaluated before the day window so a
// minute-level rejection does not burn daily allowance. If the counter store
// is unreachable the limiter fails open: admitting legitimate traffic during
// an outage is preferred over denying it, a deliberate availability-over-
// strictness trade-off.
func (l *Limiter) Check(ctx context.Context, identity string, minuteLimit, dayLimit int64) Result {
	now := l.now()

	minute, minuteOK := l.checkWindow(ctx, identity, GranularityMinute, minuteLimit, now)
	if !minuteOK {
		// The day counter is read without incrementing: the rejection must not
		// burn daily allowance, but the reported remaining still reflects what
		// was actually consumed.
		day := l.peekWindow(ctx, identity, GranularityDay, dayLimit, now)
		return Result{Allowed: false, DeniedBy: GranularityMinute, Minute: minute, Day: day}
	}

	day, dayOK := l.checkWindow(ctx, identity, GranularityDay, dayLimit, now)
	if !dayOK {
		return Result{Allowed: false, DeniedBy: GranularityDay, Minute: minute, Day: day}
	}

	return Result{Allowed: true, Minute: minute, Day: day}
}

// windowKey builds the counter key for one granularity at the given instant.
func windowKey(identity string, g Granularity, now time.Time) (key string, resetUnix int64) {
	windowSecs := g.windowSeconds()
	windowIndex := now.Unix() / windowSecs
	return fmt.Sprintf("ratelimit:%s:%s:%d", identity, g, windowIndex), (windowIndex + 1) * windowSecs
}

// checkWindow runs the atomic read-and-increment for one granularity.
func (l *Limiter) checkWindow(ctx context.Context, identity string, g Granularity, limit int64, now time.Time) (Window, bool) {
	key, resetUnix := windowKey(identity, g, now)
	ttl := time.Duration(g.windowSeconds())*time.Second + counterTTLBuffer

	w := Window{
		Granularity: g,
		Limit:       limit,
		ResetUnix:   resetUnix,
	}

	count, allowed, errIncr := l.store.IncrWindow(ctx, key, limit, ttl)
	if errIncr != nil {
		// Fail open on counter store outages.
		log.WithError(errIncr).Warnf("ratelimit: counter store unreachable, admitting %s window", g)
		w.Remaining = limit
		return w, true
	}

	w.Remaining = clampRemaining(limit, count)
	return w, allowed
}

// peekWindow builds header metadata for a window that was short-circuited
// before its counter was consumed, reading the current count without
// incrementing it.
func (l *Limiter) peekWindow(ctx context.Context, identity string, g Granularity, limit int64, now time.Time) Window {
	key, resetUnix := windowKey(identity, g, now)

	w := Window{
		Granularity: g,
		Limit:       limit,
		ResetUnix:   resetUnix,
	}

	count, errCount := l.store.WindowCount(ctx, key)
	if errCount != nil {
		log.WithError(errCount).Warnf("ratelimit: counter store unreachable, reporting full %s window", g)
		w.Remaining = limit
		return w
	}
	w.Remaining = clampRemaining(limit, count)
	return w
}

func clampRemaining(limit, count int64) int64 {
	remaining := limit - count
	if remaining < 0 {
		return 0
	}
	return remaining
}
