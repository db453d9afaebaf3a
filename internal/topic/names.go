package topic

// Topic builders for the hub namespace. All components agree on these names.

func DeviceInfo(deviceID string) string {
	return "devices/" + deviceID + "/info"
}

func Heartbeat(deviceID string) string {
	return "devices/" + deviceID + "/heartbeat"
}

func Status(deviceID string) string {
	return "devices/" + deviceID + "/status"
}

func Command(deviceID string) string {
	return "commands/" + deviceID
}

func CommandResponse(deviceID string) string {
	return "commands/" + deviceID + "/response"
}

func Sensor(deviceID, sensor string) string {
	return "sensors/" + deviceID + "/" + sensor
}

// Subscription patterns used by the core components.
const (
	DeviceInfoPattern      = "devices/*/info"
	HeartbeatPattern       = "devices/*/heartbeat"
	StatusPattern          = "devices/*/status"
	CommandPattern         = "commands/*"
	CommandResponsePattern = "commands/*/response"
	SensorPattern          = "sensors/**"
)
