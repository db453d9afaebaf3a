package model

import "time"

// Wire payloads exchanged over the hub topics. All payloads are JSON; the bus
// itself treats them as opaque bytes and only the consuming component decodes
// the kind implied by the topic.

// DeviceInfo is the registration payload published on devices/{id}/info.
type DeviceInfo struct {
	DeviceID     string   `json:"device_id"`
	DeviceType   string   `json:"device_type"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Firmware     string   `json:"firmware_version,omitempty"`
}

// Heartbeat is the liveness ping published on devices/{id}/heartbeat.
type Heartbeat struct {
	DeviceID   string  `json:"device_id"`
	Sequence   uint64  `json:"sequence"`
	UptimeMS   int64   `json:"uptime_ms"`
	Load       float64 `json:"load,omitempty"`
	MemoryFree int64   `json:"memory_free,omitempty"`
}

// SensorReading is telemetry published on sensors/{id}/{sensor}.
type SensorReading struct {
	DeviceID   string    `json:"device_id"`
	SensorType string    `json:"sensor_type"`
	SensorID   string    `json:"sensor_id,omitempty"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Quality    float64   `json:"quality,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Command is the dispatch payload published on commands/{id}.
type Command struct {
	RequestID string         `json:"request_id"`
	DeviceID  string         `json:"device_id"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMS int64          `json:"timeout_ms,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// CommandResponse is the device's reply on commands/{id}/response. RequestID
// correlates it with the originating command.
type CommandResponse struct {
	RequestID   string         `json:"request_id"`
	DeviceID    string         `json:"device_id,omitempty"`
	Success     bool           `json:"success"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	ExecutionMS int64          `json:"execution_time_ms,omitempty"`
}

// StatusEvent is emitted by the registry on devices/{id}/status whenever a
// device transitions between online and offline.
type StatusEvent struct {
	DeviceID  string       `json:"device_id"`
	Status    DeviceStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}
