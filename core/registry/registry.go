// Package registry tracks known devices and their liveness. Devices register
// via info messages and stay online as long as heartbeats keep arriving; a
// periodic sweep marks devices offline once the heartbeat timeout elapses.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ranchlab/fleethub/core/logger"
	"github.com/ranchlab/fleethub/core/metrics"
	"github.com/ranchlab/fleethub/core/model"
	"github.com/ranchlab/fleethub/internal/bus"
	"github.com/ranchlab/fleethub/internal/topic"
)

// ErrNotFound is returned when a device id was never registered.
var ErrNotFound = errors.New("device not found")

// Callback is invoked synchronously on a status transition. A returned error
// is logged and never aborts the sweep or other callbacks.
type Callback func(model.Device) error

// Config defines liveness parameters.
type Config struct {
	// HeartbeatTimeoutMS marks a device offline after this long without a
	// heartbeat or info message.
	HeartbeatTimeoutMS int `json:"heartbeat_timeout_ms"`
	// SweepIntervalMS is the period of the background liveness sweep.
	SweepIntervalMS int `json:"sweep_interval_ms"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.HeartbeatTimeoutMS == 0 {
		c.HeartbeatTimeoutMS = 6000
	}
	if c.SweepIntervalMS == 0 {
		c.SweepIntervalMS = 1000
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.HeartbeatTimeoutMS < 0 || c.SweepIntervalMS < 0 {
		return errors.New("registry intervals must be positive")
	}
	return nil
}

// Registry is the authoritative table of known devices. The device table is
// mutated by both the message intake and the liveness sweep, so all access
// goes through a single mutex.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*model.Device

	b       *bus.Bus
	log     logger.Logger
	sink    metrics.MetricsSink
	timeout time.Duration
	sweep   time.Duration

	cbMu      sync.Mutex
	onOnline  []Callback
	onOffline []Callback
}

// New creates a Registry publishing status events onto b.
func New(cfg Config, b *bus.Bus, sink metrics.MetricsSink, log logger.Logger) *Registry {
	cfg.SetDefaults()
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Registry{
		devices: make(map[string]*model.Device),
		b:       b,
		log:     log,
		sink:    sink,
		timeout: time.Duration(cfg.HeartbeatTimeoutMS) * time.Millisecond,
		sweep:   time.Duration(cfg.SweepIntervalMS) * time.Millisecond,
	}
}

// OnOnline registers a callback invoked when a device comes online.
func (r *Registry) OnOnline(cb Callback) {
	r.cbMu.Lock()
	r.onOnline = append(r.onOnline, cb)
	r.cbMu.Unlock()
}

// OnOffline registers a callback invoked when a device goes offline.
func (r *Registry) OnOffline(cb Callback) {
	r.cbMu.Lock()
	r.onOffline = append(r.onOffline, cb)
	r.cbMu.Unlock()
}

// Run consumes info and heartbeat messages from the bus and runs the liveness
// sweep until the context is cancelled. The sweep runs on its own ticker so a
// burst of messages cannot delay it.
func (r *Registry) Run(ctx context.Context) error {
	infoSub, err := r.b.Subscribe(topic.DeviceInfoPattern)
	if err != nil {
		return err
	}
	defer infoSub.Close()
	hbSub, err := r.b.Subscribe(topic.HeartbeatPattern)
	if err != nil {
		return err
	}
	defer hbSub.Close()

	go r.sweepLoop(ctx)

	for {
		select {
		case msg, ok := <-infoSub.C():
			if !ok {
				return nil
			}
			r.handleInfo(msg)
		case msg, ok := <-hbSub.C():
			if !ok {
				return nil
			}
			r.handleHeartbeat(msg)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Registry) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) handleInfo(msg bus.Message) {
	var info model.DeviceInfo
	if err := json.Unmarshal(msg.Payload, &info); err != nil {
		r.log.Errorf("invalid info payload on %s: %v", msg.Topic, err)
		return
	}
	if info.DeviceID == "" {
		r.log.Errorf("info payload on %s missing device_id", msg.Topic)
		return
	}
	r.Register(info)
}

func (r *Registry) handleHeartbeat(msg bus.Message) {
	var hb model.Heartbeat
	if err := json.Unmarshal(msg.Payload, &hb); err != nil {
		r.log.Errorf("invalid heartbeat payload on %s: %v", msg.Topic, err)
		return
	}
	if hb.DeviceID == "" {
		r.log.Errorf("heartbeat payload on %s missing device_id", msg.Topic)
		return
	}
	r.Heartbeat(hb)
}

// Register creates or updates a device record from an info message. Repeated
// info messages for the same id update the record in place.
func (r *Registry) Register(info model.DeviceInfo) {
	now := time.Now()
	r.mu.Lock()
	d, known := r.devices[info.DeviceID]
	if !known {
		d = &model.Device{ID: info.DeviceID, RegisteredAt: now}
		r.devices[info.DeviceID] = d
	}
	wasOnline := d.Status == model.StatusOnline
	d.Type = info.DeviceType
	d.Name = info.Name
	d.Capabilities = append([]string(nil), info.Capabilities...)
	d.Firmware = info.Firmware
	d.Status = model.StatusOnline
	d.LastSeen = now
	dev := *d
	online, total := r.countLocked()
	r.mu.Unlock()

	if !wasOnline {
		r.log.Infof("device %s online (new=%v type=%s)", dev.ID, !known, dev.Type)
		r.announce(dev, online, total)
	}
}

// Heartbeat refreshes the liveness of a device. Heartbeats for unknown ids
// are ignored: registration requires an info message first.
func (r *Registry) Heartbeat(hb model.Heartbeat) {
	now := time.Now()
	r.mu.Lock()
	d, known := r.devices[hb.DeviceID]
	if !known {
		r.mu.Unlock()
		r.log.Debugf("heartbeat for unregistered device %s dropped", hb.DeviceID)
		return
	}
	wasOnline := d.Status == model.StatusOnline
	d.Status = model.StatusOnline
	d.LastSeen = now
	d.UptimeMS = hb.UptimeMS
	d.Load = hb.Load
	d.MemoryFree = hb.MemoryFree
	dev := *d
	online, total := r.countLocked()
	r.mu.Unlock()

	if !wasOnline {
		r.log.Infof("device %s reconnected", dev.ID)
		r.announce(dev, online, total)
	}
}

// Sweep marks devices offline once the heartbeat timeout has elapsed. It is
// normally driven by Run's ticker but is exported for tests.
func (r *Registry) Sweep() {
	r.mu.Lock()
	var transitions []model.Device
	for _, d := range r.devices {
		if d.Status == model.StatusOnline && time.Since(d.LastSeen) >= r.timeout {
			d.Status = model.StatusOffline
			transitions = append(transitions, *d)
		}
	}
	online, total := r.countLocked()
	r.mu.Unlock()

	for _, dev := range transitions {
		r.log.Warnf("device %s offline (last seen %s ago)", dev.ID, time.Since(dev.LastSeen).Round(time.Millisecond))
		r.announce(dev, online, total)
	}
}

// announce publishes the status event and invokes callbacks in registration
// order. Callbacks run outside the device table lock.
func (r *Registry) announce(dev model.Device, online, total int) {
	ev := model.StatusEvent{DeviceID: dev.ID, Status: dev.Status, Timestamp: time.Now()}
	payload, err := json.Marshal(ev)
	if err == nil {
		if err := r.b.Publish(topic.Status(dev.ID), payload); err != nil {
			r.log.Errorf("publish status for %s: %v", dev.ID, err)
		}
	}
	if err := r.sink.RecordDeviceStatus(metrics.DeviceStatusEvent{
		DeviceID: dev.ID, Status: dev.Status, Online: online, Total: total, Time: ev.Timestamp,
	}); err != nil {
		r.log.Errorf("record status metric: %v", err)
	}

	r.cbMu.Lock()
	var cbs []Callback
	if dev.Status == model.StatusOnline {
		cbs = append(cbs, r.onOnline...)
	} else {
		cbs = append(cbs, r.onOffline...)
	}
	r.cbMu.Unlock()
	for _, cb := range cbs {
		if err := cb(dev); err != nil {
			r.log.Errorf("status callback for %s: %v", dev.ID, err)
		}
	}
}

func (r *Registry) countLocked() (online, total int) {
	for _, d := range r.devices {
		if d.Status == model.StatusOnline {
			online++
		}
	}
	return online, len(r.devices)
}

// Get returns the device record for id or ErrNotFound.
func (r *Registry) Get(id string) (model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return model.Device{}, ErrNotFound
	}
	return *d, nil
}

// List returns a snapshot of all known devices ordered by id, regardless of
// status.
func (r *Registry) List() []model.Device {
	r.mu.Lock()
	res := make([]model.Device, 0, len(r.devices))
	for _, d := range r.devices {
		res = append(res, *d)
	}
	r.mu.Unlock()
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// OnlineCount returns the number of devices currently online.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	online, _ := r.countLocked()
	return online
}
