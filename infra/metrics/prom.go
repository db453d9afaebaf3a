package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/ranchlab/fleethub/core/metrics"
)

// PromSink records hub events in Prometheus metrics.
type PromSink struct {
	online   prometheus.Gauge
	known    prometheus.Gauge
	commands *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	readings *prometheus.CounterVec
}

// NewPromSink registers hub metrics on the default Prometheus registerer.
// The Prometheus server should be started separately on cfg.PrometheusPort.
func NewPromSink(cfg coremetrics.Config) (*PromSink, error) {
	return NewPromSinkWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(_ coremetrics.Config, reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	online := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hub_devices_online",
		Help: "Number of devices currently online",
	})
	known := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hub_devices_known",
		Help: "Number of devices in the registry",
	})
	commands := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_commands_total",
		Help: "Total number of command outcomes",
	}, []string{"device_id", "action", "outcome"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hub_command_latency_seconds",
		Help:    "Time between command send and terminal outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"device_id", "outcome"})
	readings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_sensor_readings_total",
		Help: "Total number of telemetry readings",
	}, []string{"device_id", "sensor_type"})

	if err := reg.Register(online); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			online = are.ExistingCollector.(prometheus.Gauge)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(known); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			known = are.ExistingCollector.(prometheus.Gauge)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(commands); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			commands = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(latency); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			latency = are.ExistingCollector.(*prometheus.HistogramVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(readings); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			readings = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}

	return &PromSink{online: online, known: known, commands: commands, latency: latency, readings: readings}, nil
}

// RecordDeviceStatus updates the fleet gauges.
func (s *PromSink) RecordDeviceStatus(ev coremetrics.DeviceStatusEvent) error {
	s.online.Set(float64(ev.Online))
	s.known.Set(float64(ev.Total))
	return nil
}

// RecordCommand counts the outcome and observes the latency.
func (s *PromSink) RecordCommand(ev coremetrics.CommandEvent) error {
	s.commands.WithLabelValues(ev.DeviceID, ev.Action, ev.Outcome).Inc()
	s.latency.WithLabelValues(ev.DeviceID, ev.Outcome).Observe(ev.Latency.Seconds())
	return nil
}

// RecordSensorReading counts the reading.
func (s *PromSink) RecordSensorReading(ev coremetrics.SensorEvent) error {
	s.readings.WithLabelValues(ev.Reading.DeviceID, ev.Reading.SensorType).Inc()
	return nil
}
