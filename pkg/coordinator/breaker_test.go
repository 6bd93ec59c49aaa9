package coordinator

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerCooldownDoublesToCap(t *testing.T) {
	b := &Breaker{Threshold: 5, Cooldown: 30 * time.Minute, MaxCooldown: 12 * time.Hour}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for range 4 {
		assert.False(t, b.Failure(now))
		assert.NoError(t, b.Allow(now, true))
	}
	assert.True(t, b.Failure(now))
	assert.ErrorIs(t, b.Allow(now, true), ErrCircuitOpen)
	assert.Equal(t, now.Add(30*time.Minute), b.OpenUntil())

	want := []time.Duration{time.Hour, 2 * time.Hour, 4 * time.Hour, 8 * time.Hour, 12 * time.Hour, 12 * time.Hour}
	for _, d := range want {
		assert.False(t, b.Failure(now), "reopening is not a new episode")
		assert.Equal(t, now.Add(d), b.OpenUntil())
	}

	b.Success()
	assert.False(t, b.Tripped())
	assert.Zero(t, b.Failures())
	assert.NoError(t, b.Allow(now, true))
}

func TestBreakerHalfOpenAndProbe(t *testing.T) {
	b := &Breaker{Threshold: 1, Cooldown: time.Hour}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, b.Failure(now))
	assert.True(t, b.Open(now.Add(59*time.Minute)))
	assert.False(t, b.Open(now.Add(time.Hour)))
	assert.True(t, b.Tripped())

	b.Failure(now)
	b.Probe(now.Add(time.Minute))
	assert.False(t, b.Open(now.Add(time.Minute)))
}

func TestBreakerDailyLimit(t *testing.T) {
	dublin, err := time.LoadLocation("Europe/Dublin")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	b := &Breaker{DailyLimit: 3, Location: dublin}
	now := time.Date(2024, 7, 1, 10, 0, 0, 0, dublin)

	for range 3 {
		assert.NoError(t, b.Allow(now, true))
		b.Record(now)
	}
	assert.ErrorIs(t, b.Allow(now, true), ErrDailyLimit)
	assert.NoError(t, b.Allow(now, false))

	// 23:30 UTC is already the next day in Dublin summer time.
	next := time.Date(2024, 7, 1, 23, 30, 0, 0, time.UTC)
	assert.NoError(t, b.Allow(next, true))
	assert.Equal(t, time.Date(2024, 7, 2, 0, 0, 0, 0, dublin), nextLocalMidnight(now, dublin))
}

func TestPolicyRetryDelay(t *testing.T) {
	p := DefaultPolicy()
	p.RetryJitter = 0
	rnd := rand.New(rand.NewPCG(1, 2))

	assert.Equal(t, 30*time.Minute, p.retryDelay(1, 0, rnd))
	assert.Equal(t, time.Hour, p.retryDelay(2, 0, rnd))
	assert.Equal(t, 8*time.Hour, p.retryDelay(5, 0, rnd))
	assert.Equal(t, 12*time.Hour, p.retryDelay(6, 0, rnd))
	assert.Equal(t, 12*time.Hour, p.retryDelay(60, 0, rnd))
	assert.Equal(t, 3*time.Hour, p.retryDelay(1, 3*time.Hour, rnd))

	p.RetryJitter = 0.2
	for range 100 {
		d := p.retryDelay(1, 0, rnd)
		assert.GreaterOrEqual(t, d, 24*time.Minute)
		assert.LessOrEqual(t, d, 36*time.Minute)
	}
}

func TestPolicyIntervalsAndStartup(t *testing.T) {
	p := DefaultPolicy()
	rnd := rand.New(rand.NewPCG(3, 4))
	for range 100 {
		d := p.nextInterval(rnd)
		assert.GreaterOrEqual(t, d, time.Duration(0.9*float64(24*time.Hour)))
		assert.LessOrEqual(t, d, time.Duration(1.1*float64(24*time.Hour)))

		s := p.startupDelay(rnd)
		assert.GreaterOrEqual(t, s, 5*time.Minute)
		assert.Less(t, s, 10*time.Minute)
	}
	assert.Equal(t, 48*time.Hour, p.staleAfter())

	p.StartupMin, p.StartupMax = 0, 0
	assert.Zero(t, p.startupDelay(rnd))
}
