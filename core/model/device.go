package model

import "time"

// DeviceStatus is the liveness state of a device.
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
)

// Device is the registry's record of a known device. Records are created on
// the first info message and updated in place afterwards; offline devices are
// retained for later reconnection.
type Device struct {
	ID           string       `json:"device_id"`
	Type         string       `json:"device_type"`
	Name         string       `json:"name,omitempty"`
	Capabilities []string     `json:"capabilities,omitempty"`
	Firmware     string       `json:"firmware_version,omitempty"`
	Status       DeviceStatus `json:"status"`
	LastSeen     time.Time    `json:"last_seen"`
	RegisteredAt time.Time    `json:"registered_at"`

	// Health fields reported by the latest heartbeat.
	UptimeMS   int64   `json:"uptime_ms,omitempty"`
	Load       float64 `json:"load,omitempty"`
	MemoryFree int64   `json:"memory_free,omitempty"`
}

// Online reports whether the device is currently marked online.
func (d Device) Online() bool { return d.Status == StatusOnline }
