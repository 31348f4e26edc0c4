// Package metrics wraps the opencensus measures the kernel records: queue
// depth, crank throughput, vat terminations.
package metrics

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

var log = logging.Logger("metrics")

// Int64Counter wraps an opencensus int64 measure used as a counter.
type Int64Counter struct {
	measure *stats.Int64Measure
	view    *view.View
}

// NewInt64Counter creates a new Int64Counter with dimensionless units.
func NewInt64Counter(name, desc string) *Int64Counter {
	log.Debugf("registering int64 counter: %s - %s", name, desc)
	measure := stats.Int64(name, desc, stats.UnitDimensionless)
	v := &view.View{
		Name:        name,
		Measure:     measure,
		Description: desc,
		Aggregation: view.Count(),
	}
	if err := view.Register(v); err != nil {
		// a panic here indicates a developer error when creating a view;
		// these are registered from package init paths, so fail immediately.
		panic(err)
	}
	return &Int64Counter{measure: measure, view: v}
}

// Inc increments the counter by value v.
func (c *Int64Counter) Inc(ctx context.Context, v int64) {
	stats.Record(ctx, c.measure.M(v))
}

// Int64Gauge wraps an opencensus int64 measure used as a gauge.
type Int64Gauge struct {
	measure *stats.Int64Measure
	view    *view.View
}

// NewInt64Gauge creates a new Int64Gauge with dimensionless units.
func NewInt64Gauge(name, desc string) *Int64Gauge {
	log.Debugf("registering int64 gauge: %s - %s", name, desc)
	measure := stats.Int64(name, desc, stats.UnitDimensionless)
	v := &view.View{
		Name:        name,
		Measure:     measure,
		Description: desc,
		Aggregation: view.LastValue(),
	}
	if err := view.Register(v); err != nil {
		panic(err)
	}
	return &Int64Gauge{measure: measure, view: v}
}

// Set records the gauge's current value.
func (g *Int64Gauge) Set(ctx context.Context, v int64) {
	stats.Record(ctx, g.measure.M(v))
}
