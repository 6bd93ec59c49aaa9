package coordinator

import (
	"math/rand/v2"
	"time"
)

// Policy holds the scheduling parameters for a meter.
type Policy struct {
	// Interval is the normal time between updates.
	Interval time.Duration
	// Jitter is the +/- fraction applied to Interval.
	Jitter float64

	CaptchaBackoff time.Duration

	RetryBase   time.Duration
	RetryMax    time.Duration
	RetryJitter float64

	// StartupMin and StartupMax bound the random delay before the first
	// automatic update. Both zero disables it.
	StartupMin time.Duration
	StartupMax time.Duration

	// StaleAfter marks data stale when it is older than this. Zero means
	// twice Interval.
	StaleAfter time.Duration

	// Retention bounds how long readings are kept in memory.
	Retention time.Duration

	CircuitFailures    int
	CircuitCooldown    time.Duration
	CircuitMaxCooldown time.Duration
	MaxAttemptsPerDay  int
}

// DefaultPolicy returns the production schedule.
func DefaultPolicy() Policy {
	return Policy{
		Interval:           24 * time.Hour,
		Jitter:             0.1,
		CaptchaBackoff:     7 * 24 * time.Hour,
		RetryBase:          30 * time.Minute,
		RetryMax:           12 * time.Hour,
		RetryJitter:        0.2,
		StartupMin:         5 * time.Minute,
		StartupMax:         10 * time.Minute,
		Retention:          90 * 24 * time.Hour,
		CircuitFailures:    5,
		CircuitCooldown:    30 * time.Minute,
		CircuitMaxCooldown: 12 * time.Hour,
	}
}

func (p Policy) staleAfter() time.Duration {
	if p.StaleAfter > 0 {
		return p.StaleAfter
	}
	return 2 * p.Interval
}

func jitter(d time.Duration, frac float64, rnd *rand.Rand) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 + frac*(2*rnd.Float64()-1)))
}

func (p Policy) nextInterval(rnd *rand.Rand) time.Duration {
	return jitter(p.Interval, p.Jitter, rnd)
}

// retryDelay is RetryBase doubled for each failure after the first, capped at
// RetryMax, jittered, and never shorter than a server supplied retryAfter.
func (p Policy) retryDelay(failures int, retryAfter time.Duration, rnd *rand.Rand) time.Duration {
	d := p.RetryBase
	for i := 1; i < failures; i++ {
		d *= 2
		if p.RetryMax > 0 && d >= p.RetryMax {
			d = p.RetryMax
			break
		}
	}
	if p.RetryMax > 0 && d > p.RetryMax {
		d = p.RetryMax
	}
	d = jitter(d, p.RetryJitter, rnd)
	return max(d, retryAfter)
}

func (p Policy) startupDelay(rnd *rand.Rand) time.Duration {
	if p.StartupMax <= p.StartupMin {
		return p.StartupMin
	}
	return p.StartupMin + time.Duration(rnd.Int64N(int64(p.StartupMax-p.StartupMin)))
}
