// Package metrics wraps a statsd/dogstatsd sink behind a small interface so
// every component (downloader, disk cache, symbolicator) can emit the
// named, tagged metrics spec.md §6 lists without depending on a concrete
// client, matching the teacher's pattern of threading a telemetry handle
// (metadata.TelemetryBuilder) through constructors rather than reaching
// for a process-global.
package metrics

import (
	"strconv"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// Client is the metrics sink every component depends on.
type Client interface {
	Timing(name string, d time.Duration, tags ...string)
	Count(name string, value int64, tags ...string)
	Gauge(name string, value float64, tags ...string)
}

// New returns a dogstatsd-backed Client, or a no-op Client if host is
// empty (STATSD_HOST unset — metrics disabled rather than failing
// startup, since emitting metrics is never load-bearing for correctness).
func New(host string, port int) (Client, error) {
	if host == "" {
		return noop{}, nil
	}
	addr := host + ":" + strconv.Itoa(port)
	c, err := statsd.New(addr)
	if err != nil {
		return nil, err
	}
	return &dogstatsd{c: c}, nil
}

type dogstatsd struct {
	c *statsd.Client
}

func (d *dogstatsd) Timing(name string, dur time.Duration, tags ...string) {
	_ = d.c.Timing(name, dur, tags, 1)
}

func (d *dogstatsd) Count(name string, value int64, tags ...string) {
	_ = d.c.Count(name, value, tags, 1)
}

func (d *dogstatsd) Gauge(name string, value float64, tags ...string) {
	_ = d.c.Gauge(name, value, tags, 1)
}

type noop struct{}

func (noop) Timing(string, time.Duration, ...string) {}
func (noop) Count(string, int64, ...string)          {}
func (noop) Gauge(string, float64, ...string)        {}
