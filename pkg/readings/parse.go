// Package readings turns the ESB interval export into meter readings and
// answers usage window queries over them.
package readings

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/esbmeter/esbmeter/pkg/log"
	"github.com/esbmeter/esbmeter/pkg/types"
)

// ErrMalformed is returned when the export has no recognisable structure.
var ErrMalformed = errors.New("malformed interval data")

const (
	// DefaultRetention bounds how far back readings are kept.
	DefaultRetention = 90 * 24 * time.Hour
	// DefaultMaxIntervalKWh is the largest plausible half hourly value for a
	// domestic connection.
	DefaultMaxIntervalKWh = 50.0

	futureTolerance = time.Minute
)

var timestampLayouts = []string{
	"02-01-2006 15:04",
	"02-01-2006 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006 15:04:05",
}

var (
	timestampColumns = []string{"read date and end time", "timestamp", "datetime", "read date", "date"}
	valueColumns     = []string{"read value", "value", "kwh", "value_kwh", "value (kwh)", "usage", "consumption"}
	meterColumns     = []string{"mprn", "meter_id", "meter id"}
	readTypeColumns  = []string{"read type", "read_type"}
)

// Options controls parsing.
type Options struct {
	// Location is used for timestamps without an offset. Defaults to UTC.
	Location *time.Location
	// Retention drops rows older than now minus Retention.
	Retention      time.Duration
	MaxIntervalKWh float64
	// Now defaults to time.Now.
	Now func() time.Time
	// MeterID, when set, ignores rows belonging to a different meter.
	MeterID string
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.MaxIntervalKWh <= 0 {
		o.MaxIntervalKWh = DefaultMaxIntervalKWh
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Result of parsing an export.
type Result struct {
	Readings []types.MeterReading
	// Total is the number of data rows seen.
	Total int
	// Skipped counts rows dropped as invalid.
	Skipped int
	// Expired counts valid rows older than the retention horizon.
	Expired int
	// Ignored counts rows for other meters or export read types.
	Ignored     int
	SkipReasons map[string]int
}

func (r *Result) skip(reason string) {
	r.Skipped++
	r.SkipReasons[reason]++
}

type columns struct {
	timestamp int
	value     int
	meter     int
	readType  int
}

// Parse reads a CSV export. Invalid rows are counted and dropped, only a
// structurally unusable file returns ErrMalformed.
func Parse(ctx context.Context, r io.Reader, opts Options) (Result, error) {
	opts = opts.withDefaults()
	now := opts.Now()
	horizon := now.Add(-opts.Retention)

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	res := Result{SkipReasons: make(map[string]int)}
	seen := make(map[int64]struct{})
	var cols *columns
	first := true

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				res.Total++
				res.skip("csv")
				continue
			}
			return res, fmt.Errorf("failed to read csv: %w", err)
		}
		if blankRecord(record) {
			continue
		}
		if first {
			first = false
			record[0] = strings.TrimPrefix(record[0], "\ufeff")
			if c, ok := headerColumns(record); ok {
				cols = &c
				continue
			}
			if _, err := parseTimestamp(record[0], opts.Location); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "interval csv has no recognisable header", slog.Any("header", record))
				return res, fmt.Errorf("%w: unrecognised header %q", ErrMalformed, strings.Join(record, ","))
			}
		}

		res.Total++
		c := positionalColumns(len(record))
		if cols != nil {
			c = *cols
		}
		if len(record) <= max(c.timestamp, c.value) {
			res.skip("columns")
			continue
		}

		if c.readType >= 0 && c.readType < len(record) {
			rt := strings.ToLower(record[c.readType])
			if strings.Contains(rt, "export") {
				res.Ignored++
				continue
			}
		}
		if opts.MeterID != "" && c.meter >= 0 && c.meter < len(record) {
			if m := strings.TrimSpace(record[c.meter]); m != "" && m != opts.MeterID {
				res.Ignored++
				continue
			}
		}

		ts, err := parseTimestamp(record[c.timestamp], opts.Location)
		if err != nil {
			res.skip("timestamp")
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(record[c.value]), 64)
		switch {
		case err != nil, math.IsNaN(v), math.IsInf(v, 0):
			res.skip("value")
			continue
		case v < 0:
			res.skip("negative")
			continue
		case v > opts.MaxIntervalKWh:
			res.skip("implausible")
			continue
		case ts.After(now.Add(futureTolerance)):
			res.skip("future")
			continue
		}
		if ts.Before(horizon) {
			res.Expired++
			continue
		}
		if _, ok := seen[ts.UnixNano()]; ok {
			// local times repeat when the clocks go back
			alt, ok := overlapInstant(ts, opts.Location)
			if _, dup := seen[alt.UnixNano()]; !ok || dup {
				res.skip("duplicate")
				continue
			}
			ts = alt
		}
		seen[ts.UnixNano()] = struct{}{}
		res.Readings = append(res.Readings, types.MeterReading{Timestamp: ts, KWh: v})
	}

	sort.Slice(res.Readings, func(i, j int) bool {
		return res.Readings[i].Timestamp.Before(res.Readings[j].Timestamp)
	})

	if res.Skipped > 0 {
		log.Ctx(ctx).WarnContext(
			ctx,
			"skipped invalid interval rows",
			slog.Int("skipped", res.Skipped),
			slog.Int("total", res.Total),
			slog.Any("reasons", res.SkipReasons),
		)
	}
	return res, nil
}

func blankRecord(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func headerColumns(record []string) (columns, bool) {
	colMap := make(map[string]int, len(record))
	for i, col := range record {
		colMap[strings.TrimSpace(strings.ToLower(col))] = i
	}
	find := func(names []string) int {
		for _, n := range names {
			if i, ok := colMap[n]; ok {
				return i
			}
		}
		return -1
	}
	c := columns{
		timestamp: find(timestampColumns),
		value:     find(valueColumns),
		meter:     find(meterColumns),
		readType:  find(readTypeColumns),
	}
	return c, c.timestamp >= 0 && c.value >= 0
}

// positionalColumns is the layout of a headerless export:
// timestamp, [meter id], value, ...
func positionalColumns(n int) columns {
	if n <= 2 {
		return columns{timestamp: 0, value: 1, meter: -1, readType: -1}
	}
	return columns{timestamp: 0, meter: 1, value: 2, readType: -1}
}

// overlapInstant returns the other instant with the same local wall clock as
// ts when ts falls inside a backward zone transition in loc.
func overlapInstant(ts time.Time, loc *time.Location) (time.Time, bool) {
	if ts.Location() != loc {
		return time.Time{}, false
	}
	_, off := ts.Zone()
	for _, alt := range []time.Time{ts.Add(time.Hour), ts.Add(-time.Hour)} {
		alt = alt.In(loc)
		if _, altOff := alt.Zone(); altOff != off && alt.Format(time.DateTime) == ts.Format(time.DateTime) {
			return alt, true
		}
	}
	return time.Time{}, false
}

func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
