package metrics

import (
	"time"

	"github.com/ranchlab/fleethub/core/model"
)

// DeviceStatusEvent is a snapshot taken when a device changes liveness state.
type DeviceStatusEvent struct {
	DeviceID string
	Status   model.DeviceStatus
	Online   int
	Total    int
	Time     time.Time
}

// CommandEvent records the terminal outcome of an issued command.
type CommandEvent struct {
	RequestID string
	DeviceID  string
	Action    string
	Outcome   string
	Latency   time.Duration
	Time      time.Time
}

// SensorEvent wraps a telemetry reading for recording.
type SensorEvent struct {
	Reading model.SensorReading
	Topic   string
	Time    time.Time
}

// MetricsSink records hub events for observability purposes. Implementations
// must be safe for concurrent use.
type MetricsSink interface {
	RecordDeviceStatus(ev DeviceStatusEvent) error
	RecordCommand(ev CommandEvent) error
	RecordSensorReading(ev SensorEvent) error
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) RecordDeviceStatus(DeviceStatusEvent) error { return nil }
func (NopSink) RecordCommand(CommandEvent) error           { return nil }
func (NopSink) RecordSensorReading(SensorEvent) error      { return nil }
