package esb

import (
	"fmt"
	"os"
	"strings"

	"github.com/esbmeter/esbmeter/pkg/htmlform"
	"gopkg.in/yaml.v3"
)

// DefaultCaptchaMarkers are substrings that show up on B2C pages when a
// CAPTCHA challenge is served.
var DefaultCaptchaMarkers = Markers{
	"g-recaptcha-response",
	"captcha.html",
	"Please confirm you are not a robot",
}

// Markers is a list of substrings that identify a CAPTCHA page.
type Markers []string

// Detect returns the first marker found on page.
func (m Markers) Detect(page htmlform.Extractor) (string, bool) {
	for _, marker := range m {
		if page.Contains(marker) {
			return marker, true
		}
	}
	return "", false
}

type markersFile struct {
	CaptchaMarkers  []string `yaml:"captcha_markers"`
	ReplaceDefaults bool     `yaml:"replace_defaults"`
}

// LoadMarkers reads a YAML marker file. Markers in the file are added to the
// defaults unless replace_defaults is set.
func LoadMarkers(path string) (Markers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read captcha markers file: %w", err)
	}
	return ParseMarkers(data)
}

// ParseMarkers parses the YAML marker file format.
func ParseMarkers(data []byte) (Markers, error) {
	var f markersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse captcha markers: %w", err)
	}
	var out Markers
	if !f.ReplaceDefaults {
		out = append(out, DefaultCaptchaMarkers...)
	}
	return out.With(f.CaptchaMarkers...), nil
}

// With returns m plus any extra non-empty markers not already present.
func (m Markers) With(extra ...string) Markers {
	out := append(Markers(nil), m...)
	for _, e := range extra {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		dup := false
		for _, existing := range out {
			if existing == e {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, e)
		}
	}
	return out
}
