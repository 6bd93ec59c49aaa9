package export

import (
	"github.com/levenlabs/go-lflag"
)

// Configured returns an InfluxSink when --influx-url is set. Until flags are
// parsed, and when no URL is set, the returned holder's Sink is nil.
func Configured() *Holder {
	addr := lflag.String("influx-url", "", "InfluxDB v2 URL to export interval readings to (optional)")
	token := lflag.String("influx-token", "", "InfluxDB API token")
	org := lflag.String("influx-org", "home", "InfluxDB organization")
	bucket := lflag.String("influx-bucket", "esb", "InfluxDB bucket")

	h := &Holder{}

	lflag.Do(func() {
		if *addr != "" {
			h.Sink = NewInfluxSink(*addr, *token, *org, *bucket)
		}
	})

	return h
}

// Holder carries the sink chosen at flag resolution time.
type Holder struct {
	Sink *InfluxSink
}

// Close closes the sink if one was configured.
func (h *Holder) Close() {
	if h.Sink != nil {
		h.Sink.Close()
	}
}
