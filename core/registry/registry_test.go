package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ranchlab/fleethub/core/model"
	"github.com/ranchlab/fleethub/infra/logger"
	"github.com/ranchlab/fleethub/internal/bus"
	"github.com/ranchlab/fleethub/internal/topic"
)

func newTestRegistry(t *testing.T, timeoutMS, sweepMS int) (*Registry, *bus.Bus) {
	t.Helper()
	b := bus.New(nil)
	t.Cleanup(b.Close)
	r := New(Config{HeartbeatTimeoutMS: timeoutMS, SweepIntervalMS: sweepMS}, b, nil, logger.NopLogger{})
	return r, b
}

func TestRegisterCreatesAndUpdatesInPlace(t *testing.T) {
	r, _ := newTestRegistry(t, 6000, 1000)
	r.Register(model.DeviceInfo{DeviceID: "dev-1", DeviceType: "sensor_node", Capabilities: []string{"temperature"}})
	d, err := r.Get("dev-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Status != model.StatusOnline || d.RegisteredAt.IsZero() {
		t.Fatalf("unexpected device: %+v", d)
	}

	registered := d.RegisteredAt
	r.Register(model.DeviceInfo{DeviceID: "dev-1", DeviceType: "mobile_robot", Capabilities: []string{"motor"}})
	d2, err := r.Get("dev-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d2.Type != "mobile_robot" || len(d2.Capabilities) != 1 || d2.Capabilities[0] != "motor" {
		t.Fatalf("info should update in place: %+v", d2)
	}
	if !d2.RegisteredAt.Equal(registered) {
		t.Fatal("repeated info must not recreate the record")
	}
	if len(r.List()) != 1 {
		t.Fatal("repeated info created a second record")
	}
}

func TestGetUnknownDevice(t *testing.T) {
	r, _ := newTestRegistry(t, 6000, 1000)
	if _, err := r.Get("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHeartbeatForUnknownDeviceIgnored(t *testing.T) {
	r, _ := newTestRegistry(t, 6000, 1000)
	r.Heartbeat(model.Heartbeat{DeviceID: "ghost"})
	if len(r.List()) != 0 {
		t.Fatal("heartbeat must not create a device record")
	}
}

func TestSweepMarksOfflineAndHeartbeatReactivates(t *testing.T) {
	r, _ := newTestRegistry(t, 100, 1000)
	r.Register(model.DeviceInfo{DeviceID: "dev-1", DeviceType: "sensor_node"})

	// Heartbeats faster than the timeout keep the device online.
	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		r.Heartbeat(model.Heartbeat{DeviceID: "dev-1", Sequence: uint64(i)})
		r.Sweep()
		d, _ := r.Get("dev-1")
		if d.Status != model.StatusOnline {
			t.Fatalf("device went offline despite heartbeats at iteration %d", i)
		}
	}

	// Stop heartbeats: the sweep flips it offline once the timeout elapses.
	time.Sleep(120 * time.Millisecond)
	r.Sweep()
	d, _ := r.Get("dev-1")
	if d.Status != model.StatusOffline {
		t.Fatal("device should be offline after heartbeat timeout")
	}

	// A later heartbeat reactivates the record in place.
	r.Heartbeat(model.Heartbeat{DeviceID: "dev-1", Sequence: 99, UptimeMS: 1234})
	d, _ = r.Get("dev-1")
	if d.Status != model.StatusOnline || d.UptimeMS != 1234 {
		t.Fatalf("device should be back online: %+v", d)
	}
	if len(r.List()) != 1 {
		t.Fatal("reactivation created a second record")
	}
}

func TestStatusEventsPublishedOnBus(t *testing.T) {
	r, b := newTestRegistry(t, 50, 1000)
	sub, err := b.Subscribe(topic.StatusPattern)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	r.Register(model.DeviceInfo{DeviceID: "dev-1", DeviceType: "sensor_node"})

	msg := <-sub.C()
	var ev model.StatusEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.DeviceID != "dev-1" || ev.Status != model.StatusOnline {
		t.Fatalf("unexpected event: %+v", ev)
	}

	time.Sleep(60 * time.Millisecond)
	r.Sweep()
	msg = <-sub.C()
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Status != model.StatusOffline {
		t.Fatalf("expected offline event, got %+v", ev)
	}
}

func TestCallbackErrorsAreIsolated(t *testing.T) {
	r, _ := newTestRegistry(t, 50, 1000)
	var calls []string
	r.OnOnline(func(d model.Device) error {
		calls = append(calls, "first:"+d.ID)
		return errors.New("boom")
	})
	r.OnOnline(func(d model.Device) error {
		calls = append(calls, "second:"+d.ID)
		return nil
	})
	var offline []string
	r.OnOffline(func(d model.Device) error {
		offline = append(offline, d.ID)
		return nil
	})

	r.Register(model.DeviceInfo{DeviceID: "dev-1"})
	if len(calls) != 2 || calls[0] != "first:dev-1" || calls[1] != "second:dev-1" {
		t.Fatalf("callbacks not run in order despite error: %v", calls)
	}

	time.Sleep(60 * time.Millisecond)
	r.Sweep()
	if len(offline) != 1 || offline[0] != "dev-1" {
		t.Fatalf("offline callback missing: %v", offline)
	}
}

func TestListSortedSnapshot(t *testing.T) {
	r, _ := newTestRegistry(t, 6000, 1000)
	for _, id := range []string{"c", "a", "b"} {
		r.Register(model.DeviceInfo{DeviceID: id})
	}
	devices := r.List()
	if len(devices) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(devices))
	}
	for i, want := range []string{"a", "b", "c"} {
		if devices[i].ID != want {
			t.Fatalf("list not sorted: %v", devices)
		}
	}
	if r.OnlineCount() != 3 {
		t.Fatalf("expected 3 online, got %d", r.OnlineCount())
	}
}

func TestRunConsumesBusMessages(t *testing.T) {
	r, b := newTestRegistry(t, 6000, 50)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()
	// Give Run a moment to subscribe; the bus does not replay.
	time.Sleep(20 * time.Millisecond)

	payload, _ := json.Marshal(model.DeviceInfo{DeviceID: "dev-9", DeviceType: "drone"})
	if err := b.Publish(topic.DeviceInfo("dev-9"), payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Get("dev-9"); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("registry did not consume info message from bus")
}
