// Package telemetry keeps rolling statistics over sensor streams. Consumers
// that cannot replay missed bus messages (dashboards, trigger evaluators)
// poll these snapshots instead.
package telemetry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ranchlab/fleethub/core/logger"
	"github.com/ranchlab/fleethub/core/metrics"
	"github.com/ranchlab/fleethub/internal/bus"
	"github.com/ranchlab/fleethub/internal/topic"

	"github.com/ranchlab/fleethub/core/model"
)

// Snapshot summarizes the recent readings of one sensor stream.
type Snapshot struct {
	Topic     string    `json:"topic"`
	DeviceID  string    `json:"device_id"`
	Count     int       `json:"count"`
	Last      float64   `json:"last"`
	Mean      float64   `json:"mean"`
	StdDev    float64   `json:"std_dev"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	UpdatedAt time.Time `json:"updated_at"`
}

type window struct {
	deviceID string
	values   []float64
	next     int
	full     bool
	last     float64
	updated  time.Time
}

// Aggregator consumes sensors/** from the bus and maintains a bounded rolling
// window per topic.
type Aggregator struct {
	mu      sync.Mutex
	windows map[string]*window

	b    *bus.Bus
	log  logger.Logger
	sink metrics.MetricsSink
	size int
}

// NewAggregator creates an Aggregator keeping up to size readings per stream.
func NewAggregator(size int, b *bus.Bus, sink metrics.MetricsSink, log logger.Logger) *Aggregator {
	if size <= 0 {
		size = 128
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Aggregator{
		windows: make(map[string]*window),
		b:       b,
		log:     log,
		sink:    sink,
		size:    size,
	}
}

// Run consumes telemetry until the context is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	sub, err := a.b.Subscribe(topic.SensorPattern)
	if err != nil {
		return err
	}
	defer sub.Close()
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			a.ingest(msg)
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Aggregator) ingest(msg bus.Message) {
	var reading model.SensorReading
	if err := json.Unmarshal(msg.Payload, &reading); err != nil {
		a.log.Errorf("invalid sensor payload on %s: %v", msg.Topic, err)
		return
	}
	a.Record(msg.Topic, reading)
}

// Record adds one reading to the stream identified by t.
func (a *Aggregator) Record(t string, reading model.SensorReading) {
	now := time.Now()
	a.mu.Lock()
	w, ok := a.windows[t]
	if !ok {
		w = &window{deviceID: reading.DeviceID, values: make([]float64, a.size)}
		a.windows[t] = w
	}
	w.values[w.next] = reading.Value
	w.next++
	if w.next == len(w.values) {
		w.next = 0
		w.full = true
	}
	w.last = reading.Value
	w.updated = now
	a.mu.Unlock()

	if err := a.sink.RecordSensorReading(metrics.SensorEvent{Reading: reading, Topic: t, Time: now}); err != nil {
		a.log.Errorf("record sensor metric: %v", err)
	}
}

// Snapshot returns the statistics for one stream, or false if the topic has
// never produced a reading.
func (a *Aggregator) Snapshot(t string) (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.windows[t]
	if !ok {
		return Snapshot{}, false
	}
	return a.snapshotLocked(t, w), true
}

// Snapshots returns the statistics for every known stream, sorted by topic.
func (a *Aggregator) Snapshots() []Snapshot {
	a.mu.Lock()
	res := make([]Snapshot, 0, len(a.windows))
	for t, w := range a.windows {
		res = append(res, a.snapshotLocked(t, w))
	}
	a.mu.Unlock()
	sort.Slice(res, func(i, j int) bool { return res[i].Topic < res[j].Topic })
	return res
}

func (a *Aggregator) snapshotLocked(t string, w *window) Snapshot {
	vals := w.values[:w.next]
	if w.full {
		vals = w.values
	}
	stddev := 0.0
	if len(vals) > 1 {
		stddev = stat.StdDev(vals, nil)
	}
	return Snapshot{
		Topic:     t,
		DeviceID:  w.deviceID,
		Count:     len(vals),
		Last:      w.last,
		Mean:      stat.Mean(vals, nil),
		StdDev:    stddev,
		Min:       floats.Min(vals),
		Max:       floats.Max(vals),
		UpdatedAt: w.updated,
	}
}
