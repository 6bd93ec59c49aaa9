package coordinator

import (
	"fmt"
	"os"
	"time"

	"github.com/esbmeter/esbmeter/pkg/esb"
	"github.com/esbmeter/esbmeter/pkg/export"
	"github.com/esbmeter/esbmeter/pkg/notify"
	"github.com/esbmeter/esbmeter/pkg/session"
	"github.com/esbmeter/esbmeter/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Configured builds the meter Map based on flags. portal, sessions, notifier
// and sinks must come from their own Configured calls made before this one so
// they are resolved first.
func Configured(portal *esb.Client, sessions session.Manager, notifier notify.Dispatcher, sinks *export.Holder) *Map {
	def := DefaultPolicy()

	var meters []types.Credentials
	lflag.JSON(&meters, "meters", meters, `JSON list of meters, e.g. [{"username":"a@b.ie","password":"x","mprn":"10012345678"}]`)
	username := lflag.String("esb-username", os.Getenv("ESB_USERNAME"), "ESB Networks account username for a single meter")
	password := lflag.String("esb-password", os.Getenv("ESB_PASSWORD"), "ESB Networks account password for a single meter")
	mprn := lflag.String("mprn", os.Getenv("ESB_MPRN"), "Meter Point Reference Number for a single meter")

	interval := lflag.Duration("update-interval", def.Interval, "Time between automatic updates (1h to 168h)")
	captchaBackoff := lflag.Duration("captcha-backoff", def.CaptchaBackoff, "Wait after a CAPTCHA before trying to log in again")
	retryBase := lflag.Duration("retry-base", def.RetryBase, "First retry delay after a transient failure")
	retryMax := lflag.Duration("retry-max", def.RetryMax, "Longest retry delay after transient failures")
	startupMin := lflag.Duration("startup-delay-min", def.StartupMin, "Shortest delay before the first automatic update")
	startupMax := lflag.Duration("startup-delay-max", def.StartupMax, "Longest delay before the first automatic update")
	circuitFailures := def.CircuitFailures
	lflag.JSON(&circuitFailures, "circuit-failures", circuitFailures, "Consecutive failures that open the circuit")
	circuitCooldown := lflag.Duration("circuit-cooldown", def.CircuitCooldown, "Initial circuit cooldown, doubled per further failure")
	circuitMax := lflag.Duration("circuit-max-cooldown", def.CircuitMaxCooldown, "Longest circuit cooldown")
	maxPerDay := def.MaxAttemptsPerDay
	lflag.JSON(&maxPerDay, "max-attempts-per-day", maxPerDay, "Automatic attempts allowed per local day, 0 for no limit")

	mp := NewMap()

	lflag.Do(func() {
		if *interval < time.Hour || *interval > 168*time.Hour {
			panic(fmt.Sprintf("update-interval must be between 1h and 168h, got %s", *interval))
		}
		p := def
		p.Interval = *interval
		p.CaptchaBackoff = *captchaBackoff
		p.RetryBase = *retryBase
		p.RetryMax = *retryMax
		p.StartupMin = *startupMin
		p.StartupMax = *startupMax
		p.CircuitFailures = circuitFailures
		p.CircuitCooldown = *circuitCooldown
		p.CircuitMaxCooldown = *circuitMax
		p.MaxAttemptsPerDay = maxPerDay
		p.Retention = portal.Retention()

		creds := meters
		if *mprn != "" {
			creds = append(creds, types.Credentials{Username: *username, Password: *password, MPRN: *mprn})
		}
		if len(creds) == 0 {
			panic("no meters configured, set --meters or --mprn")
		}

		var sink export.Sink
		if sinks != nil && sinks.Sink != nil {
			sink = sinks.Sink
		}
		for _, c := range creds {
			m, err := NewMeter(Config{
				Credentials: c,
				Portal:      portal,
				Sessions:    sessions,
				Notifier:    notifier,
				Sink:        sink,
				Policy:      p,
				Location:    portal.Location(),
				PortalURL:   portal.MyAccountURL(),
			})
			if err != nil {
				panic(fmt.Sprintf("invalid meter configuration: %v", err))
			}
			if err := mp.Add(m); err != nil {
				panic(err.Error())
			}
		}
	})

	return mp
}
