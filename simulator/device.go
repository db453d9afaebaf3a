// Package simulator provides MQTT device simulators used for load testing
// and end to end tests against a live broker.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/ranchlab/fleethub/core/model"
)

// SensorSpec describes one simulated sensor. Readings follow a random walk
// around Base with steps bounded by Jitter.
type SensorSpec struct {
	Name   string
	Unit   string
	Base   float64
	Jitter float64
}

// SimulatedDevice connects to MQTT, registers itself, heartbeats and answers
// commands.
type SimulatedDevice struct {
	ID           string
	Type         string
	Name         string
	Capabilities []string
	Firmware     string

	Broker            string
	TopicPrefix       string
	HeartbeatInterval time.Duration
	SensorInterval    time.Duration
	Sensors           []SensorSpec
	Strategy          ResponderStrategy

	client paho.Client
	cmdCh  chan model.Command
	start  time.Time
	seq    atomic.Uint64
}

// NewSimulatedDevice creates a device with sane defaults.
func NewSimulatedDevice(id, deviceType, broker string, strat ResponderStrategy) *SimulatedDevice {
	return &SimulatedDevice{
		ID:                id,
		Type:              deviceType,
		Broker:            broker,
		TopicPrefix:       "herd",
		HeartbeatInterval: 2 * time.Second,
		SensorInterval:    5 * time.Second,
		Strategy:          strat,
		cmdCh:             make(chan model.Command, 50),
	}
}

// Run connects to the broker and simulates the device until ctx is done.
func (d *SimulatedDevice) Run(ctx context.Context) error {
	cli, err := newMQTTClient(d.Broker, "sim-"+d.ID)
	if err != nil {
		return err
	}
	d.client = cli
	d.start = time.Now()

	for i := 0; i < 5; i++ {
		go d.worker(ctx)
	}
	topic := fmt.Sprintf("%s/commands/%s", d.TopicPrefix, d.ID)
	if token := cli.Subscribe(topic, 0, d.onCommand); token.Wait() && token.Error() != nil {
		cli.Disconnect(250)
		return token.Error()
	}
	if err := d.publishInfo(); err != nil {
		cli.Disconnect(250)
		return err
	}

	hb := time.NewTicker(d.HeartbeatInterval)
	defer hb.Stop()
	var sensors <-chan time.Time
	if len(d.Sensors) > 0 {
		t := time.NewTicker(d.SensorInterval)
		defer t.Stop()
		sensors = t.C
	}
	values := make([]float64, len(d.Sensors))
	for i, s := range d.Sensors {
		values[i] = s.Base
	}

	for {
		select {
		case <-hb.C:
			d.publishHeartbeat()
		case <-sensors:
			for i, s := range d.Sensors {
				values[i] += (rng.Float64()*2 - 1) * s.Jitter
				d.publishReading(s, values[i])
			}
		case <-ctx.Done():
			close(d.cmdCh)
			cli.Disconnect(250)
			return nil
		}
	}
}

func (d *SimulatedDevice) onCommand(_ paho.Client, msg paho.Message) {
	var cmd model.Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		log.Printf("%s: decode command: %v", d.ID, err)
		return
	}
	select {
	case d.cmdCh <- cmd:
	default:
		log.Printf("%s: command queue full, dropping %s", d.ID, cmd.RequestID)
	}
}

func (d *SimulatedDevice) worker(ctx context.Context) {
	for {
		select {
		case cmd, ok := <-d.cmdCh:
			if !ok {
				return
			}
			d.Strategy.Respond(ctx, d.client, d.TopicPrefix, d, cmd)
		case <-ctx.Done():
			return
		}
	}
}

// execute runs the command locally and builds the reply. Unknown actions
// produce a failed response, not silence, so the hub resolves immediately.
func (d *SimulatedDevice) execute(cmd model.Command) model.CommandResponse {
	resp := model.CommandResponse{RequestID: cmd.RequestID, DeviceID: d.ID}
	switch cmd.Action {
	case "ping":
		resp.Success = true
		resp.Result = map[string]any{"pong": true, "uptime_ms": time.Since(d.start).Milliseconds()}
	case "identify":
		resp.Success = true
		resp.Result = map[string]any{"device_type": d.Type, "firmware_version": d.Firmware}
	case "set_interval":
		ms, ok := cmd.Params["interval_ms"].(float64)
		if !ok || ms <= 0 {
			resp.Error = "invalid interval_ms"
			break
		}
		resp.Success = true
		resp.Result = map[string]any{"interval_ms": ms}
	default:
		resp.Error = fmt.Sprintf("unknown action %q", cmd.Action)
	}
	return resp
}

func (d *SimulatedDevice) publishInfo() error {
	info := model.DeviceInfo{
		DeviceID:     d.ID,
		DeviceType:   d.Type,
		Name:         d.Name,
		Capabilities: d.Capabilities,
		Firmware:     d.Firmware,
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("%s/devices/%s/info", d.TopicPrefix, d.ID)
	token := d.client.Publish(topic, 1, false, payload)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (d *SimulatedDevice) publishHeartbeat() {
	hb := model.Heartbeat{
		DeviceID:   d.ID,
		Sequence:   d.seq.Add(1),
		UptimeMS:   time.Since(d.start).Milliseconds(),
		Load:       rng.Float64(),
		MemoryFree: 32_000 + rng.Int63n(16_000),
	}
	payload, err := json.Marshal(hb)
	if err != nil {
		log.Printf("%s: marshal heartbeat: %v", d.ID, err)
		return
	}
	topic := fmt.Sprintf("%s/devices/%s/heartbeat", d.TopicPrefix, d.ID)
	if token := d.client.Publish(topic, 0, false, payload); token.Wait() && token.Error() != nil {
		log.Printf("%s: publish heartbeat: %v", d.ID, token.Error())
	}
}

func (d *SimulatedDevice) publishReading(spec SensorSpec, value float64) {
	reading := model.SensorReading{
		DeviceID:   d.ID,
		SensorType: spec.Name,
		Value:      value,
		Unit:       spec.Unit,
		Timestamp:  time.Now().UTC(),
	}
	payload, err := json.Marshal(reading)
	if err != nil {
		log.Printf("%s: marshal reading: %v", d.ID, err)
		return
	}
	topic := fmt.Sprintf("%s/sensors/%s/%s", d.TopicPrefix, d.ID, spec.Name)
	if token := d.client.Publish(topic, 0, false, payload); token.Wait() && token.Error() != nil {
		log.Printf("%s: publish reading: %v", d.ID, token.Error())
	}
}
