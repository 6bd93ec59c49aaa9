package readings

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/esbmeter/esbmeter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumEmpty(t *testing.T) {
	now := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	for _, s := range []*Set{nil, NewSet(nil, nil)} {
		for _, w := range types.AllWindows {
			assert.Equal(t, 0.0, s.Sum(w, now), "window %s", w)
		}
	}
	assert.Equal(t, 0.0, NewSet([]types.MeterReading{{Timestamp: now, KWh: 1}}, nil).Sum("bogus", now))
}

func TestSumTodayFromCSV(t *testing.T) {
	dublin, err := time.LoadLocation("Europe/Dublin")
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 1, 0, 0, 0, dublin)

	res, err := Parse(context.Background(), strings.NewReader("2024-01-01T00:00,0.5\n2024-01-01T00:30,0.7\n"), Options{
		Location: dublin,
		Now:      fixedNow(now),
	})
	require.NoError(t, err)

	set := NewSet(res.Readings, dublin)
	assert.Equal(t, 1.2, set.Sum(types.WindowToday, now))
}

func TestWindowStart(t *testing.T) {
	dublin, err := time.LoadLocation("Europe/Dublin")
	require.NoError(t, err)
	// Wednesday in summer time
	now := time.Date(2024, 7, 17, 15, 20, 0, 0, dublin)

	tests := []struct {
		w    types.Window
		want time.Time
	}{
		{types.WindowToday, time.Date(2024, 7, 17, 0, 0, 0, 0, dublin)},
		{types.WindowLast24Hours, now.Add(-24 * time.Hour)},
		{types.WindowThisWeek, time.Date(2024, 7, 15, 0, 0, 0, 0, dublin)},
		{types.WindowLast7Days, now.Add(-7 * 24 * time.Hour)},
		{types.WindowThisMonth, time.Date(2024, 7, 1, 0, 0, 0, 0, dublin)},
		{types.WindowLast30Days, now.Add(-30 * 24 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(string(tt.w), func(t *testing.T) {
			got, err := WindowStart(tt.w, now, dublin)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}

	// Sunday belongs to the week that started the previous Monday.
	sunday := time.Date(2024, 7, 21, 23, 0, 0, 0, dublin)
	got, err := WindowStart(types.WindowThisWeek, sunday, dublin)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 7, 15, 0, 0, 0, 0, dublin).Equal(got))

	_, err = WindowStart("bogus", now, dublin)
	assert.Error(t, err)
}

func TestTodayUsesLocalMidnight(t *testing.T) {
	dublin, err := time.LoadLocation("Europe/Dublin")
	require.NoError(t, err)
	// 23:30 UTC on 30 June is 00:30 on 1 July in Dublin.
	rs := []types.MeterReading{
		{Timestamp: time.Date(2024, 6, 30, 22, 30, 0, 0, time.UTC), KWh: 1},
		{Timestamp: time.Date(2024, 6, 30, 23, 30, 0, 0, time.UTC), KWh: 2},
	}
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	set := NewSet(rs, dublin)
	assert.Equal(t, 2.0, set.Sum(types.WindowToday, now))
	assert.Equal(t, 2.0, set.Sum(types.WindowThisMonth, now))
	assert.Equal(t, 3.0, set.Sum(types.WindowLast24Hours, now))
}

func TestSetWindowsAndHelpers(t *testing.T) {
	now := time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)
	var rs []types.MeterReading
	for i := range 40 * 48 {
		rs = append(rs, types.MeterReading{
			Timestamp: now.Add(-time.Duration(i) * 30 * time.Minute),
			KWh:       0.1,
		})
	}
	// Future reading is outside every window.
	rs = append(rs, types.MeterReading{Timestamp: now.Add(time.Hour), KWh: 100})
	// Duplicate timestamp keeps only one.
	rs = append(rs, types.MeterReading{Timestamp: now, KWh: 0.1})

	set := NewSet(rs, time.UTC)
	assert.Equal(t, 40*48+1, set.Len())

	all := set.All(now)
	assert.Len(t, all, len(types.AllWindows))
	// 24 hours inclusive on both ends is 49 half hours
	assert.Equal(t, 4.9, all[types.WindowLast24Hours])
	assert.Equal(t, 2.5, all[types.WindowToday])
	assert.Equal(t, 33.7, all[types.WindowLast7Days])
	assert.Equal(t, 144.1, all[types.WindowLast30Days])
	assert.Equal(t, 146.5, all[types.WindowThisMonth])
	assert.Equal(t, 12.1, all[types.WindowThisWeek])

	latest, ok := set.Latest()
	require.True(t, ok)
	assert.True(t, now.Add(time.Hour).Equal(latest))
	assert.Len(t, set.Since(now.Add(-time.Hour)), 3)
}
