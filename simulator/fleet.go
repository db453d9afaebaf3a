package simulator

import (
	"fmt"
	"math/rand"
	"time"
)

var fleetRng = rand.New(rand.NewSource(time.Now().UnixNano()))

// FleetConfig holds parameters for bulk fleet generation.
type FleetConfig struct {
	Size        int
	Broker      string
	TopicPrefix string
	SensorPct   float64
}

var fleetTypes = []struct {
	deviceType string
	sensors    []SensorSpec
}{
	{"env-sensor", []SensorSpec{
		{Name: "temperature", Unit: "C", Base: 21, Jitter: 0.4},
		{Name: "humidity", Unit: "%", Base: 55, Jitter: 1.5},
	}},
	{"water-monitor", []SensorSpec{
		{Name: "water_level", Unit: "cm", Base: 80, Jitter: 2},
	}},
	{"gate-controller", nil},
}

// GenerateFleet creates Size devices with IDs dev0001..devNNNN. Device types
// rotate through the known profiles; SensorPct scales how many of the
// sensorless controllers get a diagnostic sensor anyway.
func GenerateFleet(cfg FleetConfig, strat ResponderStrategy) []*SimulatedDevice {
	if cfg.Size <= 0 {
		return nil
	}
	devs := make([]*SimulatedDevice, cfg.Size)
	for i := 0; i < cfg.Size; i++ {
		id := fmt.Sprintf("dev%04d", i+1)
		profile := fleetTypes[i%len(fleetTypes)]
		d := NewSimulatedDevice(id, profile.deviceType, cfg.Broker, strat)
		d.Name = fmt.Sprintf("%s %d", profile.deviceType, i+1)
		d.Firmware = "1.4.2"
		d.Capabilities = []string{"ping", "identify", "set_interval"}
		d.Sensors = profile.sensors
		if d.Sensors == nil && cfg.SensorPct > 0 && fleetRng.Float64() < cfg.SensorPct {
			d.Sensors = []SensorSpec{{Name: "battery_voltage", Unit: "V", Base: 3.9, Jitter: 0.02}}
		}
		if cfg.TopicPrefix != "" {
			d.TopicPrefix = cfg.TopicPrefix
		}
		devs[i] = d
	}
	return devs
}
