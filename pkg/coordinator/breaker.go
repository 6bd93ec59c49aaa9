package coordinator

import (
	"errors"
	"time"
)

var (
	// ErrCircuitOpen is returned without any network call while a meter's
	// circuit is cooling down.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrDailyLimit is returned for automatic attempts past the daily budget.
	ErrDailyLimit = errors.New("daily attempt limit reached")
	// ErrFetchInFlight is returned when an update is already running.
	ErrFetchInFlight = errors.New("fetch already in flight")
)

// Breaker counts consecutive failures and opens after Threshold of them.
// While open, attempts are refused until the cooldown passes; the next
// attempt is then let through as a half-open probe. Breaker is not safe for
// concurrent use.
type Breaker struct {
	Threshold   int
	Cooldown    time.Duration
	MaxCooldown time.Duration
	// DailyLimit caps automatic attempts per local day, 0 for no cap.
	DailyLimit int
	Location   *time.Location

	failures  int
	open      bool
	openUntil time.Time

	day      string
	attempts int
}

// Allow returns ErrCircuitOpen or ErrDailyLimit if an attempt may not start.
func (b *Breaker) Allow(now time.Time, automatic bool) error {
	if b.Open(now) {
		return ErrCircuitOpen
	}
	if automatic && b.DailyLimit > 0 && b.attemptsOn(now) >= b.DailyLimit {
		return ErrDailyLimit
	}
	return nil
}

// Record counts an automatic attempt against the daily budget.
func (b *Breaker) Record(now time.Time) {
	key := b.dayKey(now)
	if key != b.day {
		b.day = key
		b.attempts = 0
	}
	b.attempts++
}

func (b *Breaker) attemptsOn(now time.Time) int {
	if b.dayKey(now) != b.day {
		return 0
	}
	return b.attempts
}

func (b *Breaker) dayKey(now time.Time) string {
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format(time.DateOnly)
}

// Success closes the breaker.
func (b *Breaker) Success() {
	b.failures = 0
	b.open = false
	b.openUntil = time.Time{}
}

// Failure counts a failure and reports whether the breaker went from closed
// to open. A failed half-open probe reopens with a doubled cooldown but does
// not count as a new opening.
func (b *Breaker) Failure(now time.Time) bool {
	b.failures++
	if b.Threshold <= 0 || b.failures < b.Threshold {
		return false
	}
	wasOpen := b.open
	b.open = true
	b.openUntil = now.Add(b.cooldown())
	return !wasOpen
}

func (b *Breaker) cooldown() time.Duration {
	d := b.Cooldown
	for i := b.Threshold; i < b.failures; i++ {
		d *= 2
		if b.MaxCooldown > 0 && d >= b.MaxCooldown {
			return b.MaxCooldown
		}
	}
	if b.MaxCooldown > 0 && d > b.MaxCooldown {
		return b.MaxCooldown
	}
	return d
}

// Open reports whether attempts are currently refused.
func (b *Breaker) Open(now time.Time) bool {
	return b.open && now.Before(b.openUntil)
}

// Tripped reports whether the breaker is open or half-open.
func (b *Breaker) Tripped() bool {
	return b.open
}

// OpenUntil returns the end of the current cooldown.
func (b *Breaker) OpenUntil() time.Time {
	return b.openUntil
}

// Failures returns the number of consecutive failures.
func (b *Breaker) Failures() int {
	return b.failures
}

// Probe ends the cooldown early so the next attempt runs half-open.
func (b *Breaker) Probe(now time.Time) {
	if b.open && now.Before(b.openUntil) {
		b.openUntil = now
	}
}
