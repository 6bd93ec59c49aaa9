package readings

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/esbmeter/esbmeter/pkg/types"
)

// Set is an immutable, sorted collection of readings with unique timestamps.
type Set struct {
	readings []types.MeterReading
	loc      *time.Location
}

// NewSet copies, sorts and de-duplicates readings. Window boundaries are
// computed in loc.
func NewSet(readings []types.MeterReading, loc *time.Location) *Set {
	if loc == nil {
		loc = time.UTC
	}
	rs := make([]types.MeterReading, len(readings))
	copy(rs, readings)
	sort.SliceStable(rs, func(i, j int) bool {
		return rs[i].Timestamp.Before(rs[j].Timestamp)
	})
	out := rs[:0]
	for i, r := range rs {
		if i > 0 && r.Timestamp.Equal(out[len(out)-1].Timestamp) {
			continue
		}
		out = append(out, r)
	}
	return &Set{readings: out, loc: loc}
}

// Len returns the number of readings.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.readings)
}

// Latest returns the newest reading timestamp.
func (s *Set) Latest() (time.Time, bool) {
	if s.Len() == 0 {
		return time.Time{}, false
	}
	return s.readings[len(s.readings)-1].Timestamp, true
}

// Since returns readings strictly after t.
func (s *Set) Since(t time.Time) []types.MeterReading {
	if s.Len() == 0 {
		return nil
	}
	i := sort.Search(len(s.readings), func(i int) bool {
		return s.readings[i].Timestamp.After(t)
	})
	out := make([]types.MeterReading, len(s.readings)-i)
	copy(out, s.readings[i:])
	return out
}

// WindowStart returns the inclusive start of w for the given instant.
func WindowStart(w types.Window, now time.Time, loc *time.Location) (time.Time, error) {
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	switch w {
	case types.WindowToday:
		return midnight, nil
	case types.WindowLast24Hours:
		return now.Add(-24 * time.Hour), nil
	case types.WindowThisWeek:
		daysSinceMonday := (int(local.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -daysSinceMonday), nil
	case types.WindowLast7Days:
		return now.Add(-7 * 24 * time.Hour), nil
	case types.WindowThisMonth:
		return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc), nil
	case types.WindowLast30Days:
		return now.Add(-30 * 24 * time.Hour), nil
	}
	return time.Time{}, fmt.Errorf("unknown window %q", w)
}

// Sum totals the readings in [start, now] for w. An empty or unknown window
// sums to 0.
func (s *Set) Sum(w types.Window, now time.Time) float64 {
	if s.Len() == 0 {
		return 0
	}
	start, err := WindowStart(w, now, s.loc)
	if err != nil {
		return 0
	}
	lo := sort.Search(len(s.readings), func(i int) bool {
		return !s.readings[i].Timestamp.Before(start)
	})
	hi := sort.Search(len(s.readings), func(i int) bool {
		return s.readings[i].Timestamp.After(now)
	})
	var total float64
	for _, r := range s.readings[lo:max(lo, hi)] {
		total += r.KWh
	}
	return round3(total)
}

// All computes every window.
func (s *Set) All(now time.Time) types.Usage {
	u := make(types.Usage, len(types.AllWindows))
	for _, w := range types.AllWindows {
		u[w] = s.Sum(w, now)
	}
	return u
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
