package types

import (
	"encoding/json"
	"time"
)

// MeterReading is a single half-hourly interval value.
type MeterReading struct {
	Timestamp time.Time `json:"timestamp"`
	KWh       float64   `json:"kwh"`
}

// Window names a usage aggregation range.
type Window string

const (
	WindowToday       Window = "today"
	WindowLast24Hours Window = "last_24_hours"
	WindowThisWeek    Window = "this_week"
	WindowLast7Days   Window = "last_7_days"
	WindowThisMonth   Window = "this_month"
	WindowLast30Days  Window = "last_30_days"
)

// AllWindows lists every window in display order.
var AllWindows = []Window{
	WindowToday,
	WindowLast24Hours,
	WindowThisWeek,
	WindowLast7Days,
	WindowThisMonth,
	WindowLast30Days,
}

// Usage maps a window to its kWh total.
type Usage map[Window]float64

// MeterState is the coordinator state of a meter.
type MeterState string

const (
	MeterStateIdle           MeterState = "idle"
	MeterStateFetching       MeterState = "fetching"
	MeterStateSucceeded      MeterState = "succeeded"
	MeterStateCaptchaBackoff MeterState = "captcha_backoff"
	MeterStateCircuitOpen    MeterState = "circuit_open"
)

// Snapshot is what consumers see for one meter.
type Snapshot struct {
	MPRN        string    `json:"mprn"`
	Usage       Usage     `json:"-"`
	LastUpdated time.Time `json:"lastUpdated,omitzero"`
	LastAttempt time.Time `json:"lastAttempt,omitzero"`
	NextAttempt time.Time `json:"nextAttempt,omitzero"`
	// Stale is set when the last attempt failed or the data is older than
	// expected.
	Stale bool `json:"stale"`
	// HasData is false until the first successful fetch.
	HasData              bool       `json:"hasData"`
	ManualActionRequired bool       `json:"manualActionRequired"`
	State                MeterState `json:"state"`
	LastError            string     `json:"lastError,omitempty"`
	SkippedRows          int        `json:"skippedRows"`
	Readings             int        `json:"readings"`
}

// MarshalJSON reports every window, null when no data was ever fetched.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type alias Snapshot
	usage := make(map[Window]*float64, len(AllWindows))
	for _, w := range AllWindows {
		if !s.HasData {
			usage[w] = nil
			continue
		}
		v := s.Usage[w]
		usage[w] = &v
	}
	return json.Marshal(struct {
		alias
		Usage map[Window]*float64 `json:"usage"`
	}{alias(s), usage})
}
