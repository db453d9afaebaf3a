package telemetry

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/ranchlab/fleethub/core/model"
	"github.com/ranchlab/fleethub/infra/logger"
	"github.com/ranchlab/fleethub/internal/bus"
	"github.com/ranchlab/fleethub/internal/topic"
)

func TestRecordAndSnapshot(t *testing.T) {
	a := NewAggregator(16, nil, nil, logger.NopLogger{})
	key := topic.Sensor("dev-1", "temperature")
	for _, v := range []float64{20, 22, 24} {
		a.Record(key, model.SensorReading{DeviceID: "dev-1", SensorType: "temperature", Value: v})
	}
	snap, ok := a.Snapshot(key)
	if !ok {
		t.Fatal("missing snapshot")
	}
	if snap.Count != 3 || snap.Last != 24 || snap.Min != 20 || snap.Max != 24 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if math.Abs(snap.Mean-22) > 1e-9 {
		t.Fatalf("mean = %v, want 22", snap.Mean)
	}
	if math.Abs(snap.StdDev-2) > 1e-9 {
		t.Fatalf("stddev = %v, want 2", snap.StdDev)
	}
}

func TestSingleReadingHasZeroStdDev(t *testing.T) {
	a := NewAggregator(8, nil, nil, logger.NopLogger{})
	a.Record("sensors/dev-1/light", model.SensorReading{DeviceID: "dev-1", Value: 42})
	snap, _ := a.Snapshot("sensors/dev-1/light")
	if snap.StdDev != 0 {
		t.Fatalf("stddev = %v, want 0", snap.StdDev)
	}
}

func TestWindowWrapsAround(t *testing.T) {
	a := NewAggregator(4, nil, nil, logger.NopLogger{})
	key := "sensors/dev-1/distance"
	for i := 0; i < 10; i++ {
		a.Record(key, model.SensorReading{DeviceID: "dev-1", Value: float64(i)})
	}
	snap, _ := a.Snapshot(key)
	if snap.Count != 4 {
		t.Fatalf("count = %d, want window size 4", snap.Count)
	}
	// Only the last four readings (6..9) remain.
	if snap.Min != 6 || snap.Max != 9 || snap.Last != 9 {
		t.Fatalf("unexpected snapshot after wrap: %+v", snap)
	}
}

func TestSnapshotsSortedByTopic(t *testing.T) {
	a := NewAggregator(8, nil, nil, logger.NopLogger{})
	a.Record("sensors/b/x", model.SensorReading{DeviceID: "b", Value: 1})
	a.Record("sensors/a/x", model.SensorReading{DeviceID: "a", Value: 1})
	snaps := a.Snapshots()
	if len(snaps) != 2 || snaps[0].Topic != "sensors/a/x" || snaps[1].Topic != "sensors/b/x" {
		t.Fatalf("unexpected order: %+v", snaps)
	}
}

func TestRunConsumesSensorTopics(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()
	a := NewAggregator(8, b, nil, logger.NopLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	payload, _ := json.Marshal(model.SensorReading{DeviceID: "dev-1", SensorType: "temperature", Value: 21.5})
	if err := b.Publish(topic.Sensor("dev-1", "temperature"), payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := a.Snapshot("sensors/dev-1/temperature"); ok {
			if snap.Last != 21.5 {
				t.Fatalf("unexpected reading: %+v", snap)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("aggregator did not consume telemetry")
}
