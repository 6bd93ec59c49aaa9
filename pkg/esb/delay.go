package esb

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	delayMean       = 3.5
	delayStdDev     = 1.2
	delayMin        = 1.0
	delayMax        = 8.0
	longPauseChance = 0.1
	longPauseMin    = 10.0
	longPauseMax    = 15.0
)

// humanDelay draws the pause taken before each request after the first.
func humanDelay() time.Duration {
	secs := rand.NormFloat64()*delayStdDev + delayMean
	secs = min(max(secs, delayMin), delayMax)
	if rand.Float64() < longPauseChance {
		secs += longPauseMin + rand.Float64()*(longPauseMax-longPauseMin)
	}
	return time.Duration(secs * float64(time.Second))
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
