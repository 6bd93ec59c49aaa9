// Package metrics holds the Prometheus collectors for logins, downloads and
// per meter state. Every helper is a no-op until Init is called.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "esbmeter_"

var (
	registerOnce sync.Once

	loginSteps       *prometheus.CounterVec
	loginStepLatency *prometheus.HistogramVec

	fetches       *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	skippedRows   *prometheus.CounterVec
	captchaEvents *prometheus.CounterVec

	meterState  *prometheus.GaugeVec
	circuitOpen *prometheus.GaugeVec
	usage       *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec
)

// Init creates the collectors and registers them with reg, or with the
// default registry when reg is nil.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		loginSteps = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "login_steps_total",
				Help: "Login flow requests by step and result",
			},
			[]string{"step", "result"},
		)
		loginStepLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "login_step_latency_seconds",
				Help:    "Login flow request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step"},
		)

		fetches = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fetches_total",
				Help: "Interval downloads by result",
			},
			[]string{"result"},
		)
		fetchLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "fetch_latency_seconds",
				Help:    "Interval download latency in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"result"},
		)
		skippedRows = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "skipped_rows_total",
				Help: "Downloaded rows dropped as invalid",
			},
			[]string{"mprn"},
		)
		captchaEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "captcha_total",
				Help: "CAPTCHA challenges seen during login",
			},
			[]string{"mprn"},
		)

		meterState = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "meter_state",
				Help: "1 for the current state of each meter, 0 otherwise",
			},
			[]string{"mprn", "state"},
		)
		circuitOpen = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "circuit_open",
				Help: "1 while the failure circuit for a meter is open",
			},
			[]string{"mprn"},
		)
		usage = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "usage_kwh",
				Help: "Consumption over each reporting window in kWh",
			},
			[]string{"mprn", "window"},
		)
		lastSuccess = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "last_success_timestamp_seconds",
				Help: "Unix time of the last successful update",
			},
			[]string{"mprn"},
		)

		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			loginSteps,
			loginStepLatency,
			fetches,
			fetchLatency,
			skippedRows,
			captchaEvents,
			meterState,
			circuitOpen,
			usage,
			lastSuccess,
		)
	})
}

// ObserveLoginStep records one login flow request.
func ObserveLoginStep(step, result string, duration time.Duration) {
	if result == "" {
		result = "ok"
	}
	if loginSteps != nil {
		loginSteps.WithLabelValues(step, result).Inc()
	}
	if loginStepLatency != nil {
		loginStepLatency.WithLabelValues(step).Observe(duration.Seconds())
	}
}

// ObserveFetch records one download attempt.
func ObserveFetch(result string, duration time.Duration) {
	if result == "" {
		result = "ok"
	}
	if fetches != nil {
		fetches.WithLabelValues(result).Inc()
	}
	if fetchLatency != nil {
		fetchLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddSkippedRows counts invalid rows for a meter.
func AddSkippedRows(mprn string, n int) {
	if n <= 0 || skippedRows == nil {
		return
	}
	skippedRows.WithLabelValues(mprn).Add(float64(n))
}

// IncCaptcha counts a CAPTCHA challenge.
func IncCaptcha(mprn string) {
	if captchaEvents != nil {
		captchaEvents.WithLabelValues(mprn).Inc()
	}
}

// SetState marks state as current for mprn, clearing the other states.
func SetState(mprn, state string, all []string) {
	if meterState == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		meterState.WithLabelValues(mprn, s).Set(v)
	}
}

// SetCircuitOpen records whether the circuit for mprn is open.
func SetCircuitOpen(mprn string, open bool) {
	if circuitOpen == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	circuitOpen.WithLabelValues(mprn).Set(v)
}

// SetUsage sets the kWh total for one window.
func SetUsage(mprn, window string, kwh float64) {
	if usage != nil {
		usage.WithLabelValues(mprn, window).Set(kwh)
	}
}

// SetLastSuccess records the time of the last successful update.
func SetLastSuccess(mprn string, t time.Time) {
	if lastSuccess != nil {
		lastSuccess.WithLabelValues(mprn).Set(float64(t.Unix()))
	}
}
