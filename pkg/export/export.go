// Package export copies parsed interval readings to a time series database.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/esbmeter/esbmeter/pkg/log"
	"github.com/esbmeter/esbmeter/pkg/types"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const measurement = "esb_interval"

// Sink receives every successfully parsed reading set.
type Sink interface {
	Export(ctx context.Context, mprn string, readings []types.MeterReading) error
}

// InfluxSink writes readings newer than the last export as points tagged
// with the MPRN.
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking

	mu   sync.Mutex
	last map[string]time.Time
}

var _ Sink = (*InfluxSink)(nil)

// NewInfluxSink connects to an InfluxDB v2 server.
func NewInfluxSink(addr, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClientWithOptions(addr, token,
		influxdb2.DefaultOptions().
			SetUseGZip(true).
			SetPrecision(time.Second))
	return &InfluxSink{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
		last:   make(map[string]time.Time),
	}
}

// Export writes readings after the previous export for mprn.
func (s *InfluxSink) Export(ctx context.Context, mprn string, readings []types.MeterReading) error {
	s.mu.Lock()
	since := s.last[mprn]
	s.mu.Unlock()

	points := make([]*write.Point, 0, len(readings))
	var newest time.Time
	for _, r := range readings {
		if !r.Timestamp.After(since) {
			continue
		}
		points = append(points, influxdb2.NewPointWithMeasurement(measurement).
			AddTag("mprn", mprn).
			AddField("kwh", r.KWh).
			SetTime(r.Timestamp))
		if r.Timestamp.After(newest) {
			newest = r.Timestamp
		}
	}
	if len(points) == 0 {
		return nil
	}
	if err := s.write.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write readings to influxdb: %w", err)
	}

	s.mu.Lock()
	if newest.After(s.last[mprn]) {
		s.last[mprn] = newest
	}
	s.mu.Unlock()
	log.Ctx(ctx).DebugContext(ctx, "exported readings", slog.String("mprn", mprn), slog.Int("points", len(points)))
	return nil
}

// Close releases the client.
func (s *InfluxSink) Close() {
	s.client.Close()
}
