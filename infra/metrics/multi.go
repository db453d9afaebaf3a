package metrics

import coremetrics "github.com/ranchlab/fleethub/core/metrics"

// MultiSink fans hub events out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordDeviceStatus forwards the event to all sinks, returning the first
// error encountered.
func (m *MultiSink) RecordDeviceStatus(ev coremetrics.DeviceStatusEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordDeviceStatus(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordCommand forwards command outcomes.
func (m *MultiSink) RecordCommand(ev coremetrics.CommandEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordCommand(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordSensorReading forwards telemetry readings.
func (m *MultiSink) RecordSensorReading(ev coremetrics.SensorEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordSensorReading(ev); err != nil {
			return err
		}
	}
	return nil
}
