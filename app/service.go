// Package app assembles the hub: bus, registry, router, telemetry aggregator
// and the MQTT bridge, plus the configured metrics sinks.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ranchlab/fleethub/config"
	coremetrics "github.com/ranchlab/fleethub/core/metrics"
	"github.com/ranchlab/fleethub/core/model"
	"github.com/ranchlab/fleethub/core/registry"
	"github.com/ranchlab/fleethub/core/router"
	"github.com/ranchlab/fleethub/core/telemetry"
	"github.com/ranchlab/fleethub/infra/logger"
	"github.com/ranchlab/fleethub/infra/metrics"
	"github.com/ranchlab/fleethub/infra/mqtt"
	"github.com/ranchlab/fleethub/internal/bus"
)

// Service owns the hub components and their lifecycle.
type Service struct {
	Bus       *bus.Bus
	Registry  *registry.Registry
	Router    *router.Router
	Telemetry *telemetry.Aggregator

	bridge      *mqtt.Bridge
	log         logger.Logger
	promEnabled bool
	promPort    string
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	var sinks []coremetrics.MetricsSink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink(cfg.Metrics)
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxEnabled {
		sinks = append(sinks, metrics.NewInfluxSinkWithFallback(cfg.Metrics))
	}
	var sink coremetrics.MetricsSink
	switch len(sinks) {
	case 0:
		sink = coremetrics.NopSink{}
	case 1:
		sink = sinks[0]
	default:
		sink = metrics.NewMultiSink(sinks...)
	}

	b := bus.New(logger.New("bus"))
	reg := registry.New(cfg.Registry, b, sink, logger.New("registry"))
	rtr := router.New(cfg.Router, b, reg, sink, logger.New("router"))
	agg := telemetry.NewAggregator(cfg.Telemetry.WindowSize, b, sink, logger.New("telemetry"))

	bridge, err := mqtt.New(cfg.MQTT, b)
	if err != nil {
		return nil, fmt.Errorf("mqtt bridge: %w", err)
	}

	return &Service{
		Bus:         b,
		Registry:    reg,
		Router:      rtr,
		Telemetry:   agg,
		bridge:      bridge,
		log:         logg,
		promEnabled: cfg.Metrics.PrometheusEnabled,
		promPort:    cfg.Metrics.PrometheusPort,
	}, nil
}

// Run starts all components and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	go func() {
		if err := s.Registry.Run(ctx); err != nil {
			s.log.Errorf("registry: %v", err)
		}
	}()
	go func() {
		if err := s.Router.Run(ctx); err != nil {
			s.log.Errorf("router: %v", err)
		}
	}()
	go func() {
		if err := s.Telemetry.Run(ctx); err != nil {
			s.log.Errorf("telemetry: %v", err)
		}
	}()
	go func() {
		if err := s.bridge.Run(ctx); err != nil {
			s.log.Errorf("bridge: %v", err)
		}
	}()
	if s.promEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.promPort); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	<-ctx.Done()
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.bridge.Disconnect()
	s.Bus.Close()
	return nil
}

// Collaborator-facing query API, consumed by the HTTP/WebSocket layer.

// ListDevices returns a snapshot of all known devices ordered by id.
func (s *Service) ListDevices() []model.Device { return s.Registry.List() }

// GetDevice returns the device record for id.
func (s *Service) GetDevice(id string) (model.Device, error) { return s.Registry.Get(id) }

// SendCommand dispatches a command and returns its request id.
func (s *Service) SendCommand(deviceID, action string, params map[string]any, timeout time.Duration) (string, error) {
	return s.Router.Send(deviceID, action, params, timeout)
}

// AwaitCommand blocks until the command resolves.
func (s *Service) AwaitCommand(ctx context.Context, requestID string) (*model.CommandResponse, error) {
	return s.Router.Await(ctx, requestID)
}

// CancelCommand cancels a pending command.
func (s *Service) CancelCommand(requestID string) error { return s.Router.Cancel(requestID) }

// SubscribeTelemetry returns a live stream of telemetry matching pattern.
func (s *Service) SubscribeTelemetry(pattern string) (*bus.Subscription, error) {
	return s.Bus.Subscribe(pattern)
}
