package esb

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/esbmeter/esbmeter/pkg/readings"
	"github.com/levenlabs/go-lflag"
)

// DefaultTimezone is the zone the portal writes timestamps in.
const DefaultTimezone = "Europe/Dublin"

// Configured sets up the portal Client based on flags.
func Configured() *Client {
	myAccountURL := lflag.String("esb-myaccount-url", DefaultMyAccountURL, "Base URL of the ESB Networks account portal")
	authURL := lflag.String("esb-auth-url", DefaultAuthBaseURL, "Base URL of the ESB Networks B2C tenant and policy")
	policy := lflag.String("esb-policy", DefaultPolicy, "B2C policy name sent with sign in requests")
	timeout := lflag.Duration("esb-timeout", DefaultTimeout, "Timeout for each request to the portal")
	maxCSV := int64(DefaultMaxCSVBytes)
	lflag.JSON(&maxCSV, "max-csv-bytes", maxCSV, "Largest interval download accepted, in bytes")
	markersFile := lflag.String("captcha-markers-file", "", "YAML file with additional CAPTCHA page markers")
	markers := lflag.String("captcha-markers", "", "Comma separated additional CAPTCHA page markers")
	timezone := lflag.String("timezone", DefaultTimezone, "Timezone used to read portal timestamps and compute calendar windows")
	retention := lflag.Duration("retention", readings.DefaultRetention, "How far back downloaded readings are kept")
	maxInterval := readings.DefaultMaxIntervalKWh
	lflag.JSON(&maxInterval, "max-interval-kwh", maxInterval, "Largest plausible kWh value for a single interval")

	c := &Client{}

	lflag.Do(func() {
		ma, err := parseBaseURL(*myAccountURL)
		if err != nil {
			panic(fmt.Sprintf("invalid esb-myaccount-url: %v", err))
		}
		au, err := parseBaseURL(*authURL)
		if err != nil {
			panic(fmt.Sprintf("invalid esb-auth-url: %v", err))
		}
		loc, err := time.LoadLocation(*timezone)
		if err != nil {
			panic(fmt.Sprintf("invalid timezone: %v", err))
		}

		m := DefaultCaptchaMarkers
		if *markersFile != "" {
			if m, err = LoadMarkers(*markersFile); err != nil {
				panic(err.Error())
			}
		}
		if *markers != "" {
			m = m.With(strings.Split(*markers, ",")...)
		}

		*c = *New(
			WithMyAccountURL(ma),
			WithAuthBaseURL(au),
			WithPolicy(*policy),
			WithTimeout(*timeout),
			WithMaxCSVBytes(maxCSV),
			WithMarkers(m),
			WithParseOptions(readings.Options{
				Location:       loc,
				Retention:      *retention,
				MaxIntervalKWh: maxInterval,
			}),
		)
	})

	return c
}

// Location returns the zone used to interpret portal timestamps.
func (c *Client) Location() *time.Location {
	if c.parseOpts.Location == nil {
		return time.UTC
	}
	return c.parseOpts.Location
}

func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute http url", raw)
	}
	return u, nil
}

// Retention returns how far back downloaded readings are kept.
func (c *Client) Retention() time.Duration {
	if c.parseOpts.Retention <= 0 {
		return readings.DefaultRetention
	}
	return c.parseOpts.Retention
}

// MyAccountURL returns the account portal address.
func (c *Client) MyAccountURL() string {
	return c.myAccount("/")
}
