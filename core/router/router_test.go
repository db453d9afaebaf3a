package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ranchlab/fleethub/core/model"
	"github.com/ranchlab/fleethub/core/registry"
	"github.com/ranchlab/fleethub/infra/logger"
	"github.com/ranchlab/fleethub/internal/bus"
	"github.com/ranchlab/fleethub/internal/topic"
)

type fakeDevices struct {
	devices map[string]model.Device
}

func (f *fakeDevices) Get(id string) (model.Device, error) {
	d, ok := f.devices[id]
	if !ok {
		return model.Device{}, registry.ErrNotFound
	}
	return d, nil
}

func newTestRouter(t *testing.T) (*Router, *bus.Bus, context.CancelFunc) {
	t.Helper()
	b := bus.New(nil)
	t.Cleanup(b.Close)
	devices := &fakeDevices{devices: map[string]model.Device{
		"dev-1": {ID: "dev-1", Status: model.StatusOnline},
		"dev-2": {ID: "dev-2", Status: model.StatusOffline},
	}}
	r := New(Config{DefaultTimeoutMS: 5000, RetentionMS: 30000}, b, devices, nil, logger.NopLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r.Run(ctx) }()
	// Let Run subscribe before tests publish responses.
	time.Sleep(20 * time.Millisecond)
	return r, b, cancel
}

func respond(t *testing.T, b *bus.Bus, deviceID string, resp model.CommandResponse) {
	t.Helper()
	payload, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	if err := b.Publish(topic.CommandResponse(deviceID), payload); err != nil {
		t.Fatalf("publish response: %v", err)
	}
}

func TestSendUnknownDevice(t *testing.T) {
	r, _, _ := newTestRouter(t)
	_, err := r.Send("ghost", "move", nil, time.Second)
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
	if r.PendingCount() != 0 {
		t.Fatal("no pending record should be created")
	}
}

func TestSendOfflineDevice(t *testing.T) {
	r, _, _ := newTestRouter(t)
	_, err := r.Send("dev-2", "move", nil, time.Second)
	if !errors.Is(err, ErrDeviceOffline) {
		t.Fatalf("expected ErrDeviceOffline, got %v", err)
	}
	if r.PendingCount() != 0 {
		t.Fatal("no pending record should be created")
	}
}

func TestSendPublishesCommand(t *testing.T) {
	r, b, _ := newTestRouter(t)
	sub, err := b.Subscribe(topic.CommandPattern)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	id, err := r.Send("dev-1", "move", map[string]any{"speed": 0.5}, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := <-sub.C()
	if msg.Topic != "commands/dev-1" {
		t.Fatalf("unexpected topic %s", msg.Topic)
	}
	var cmd model.Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.RequestID != id || cmd.Action != "move" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestCompleteOnMatchingResponse(t *testing.T) {
	r, b, _ := newTestRouter(t)
	id, err := r.Send("dev-1", "move", nil, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	respond(t, b, "dev-1", model.CommandResponse{RequestID: id, Success: true, Result: map[string]any{"ok": true}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := r.Await(ctx, id)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !resp.Success || resp.RequestID != id {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestTimeoutResolvesOnce(t *testing.T) {
	r, b, _ := newTestRouter(t)
	start := time.Now()
	id, err := r.Send("dev-1", "move", nil, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = r.Await(ctx, id)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("timed out too early: %v", elapsed)
	}

	// A late response must not overwrite the timed-out outcome.
	respond(t, b, "dev-1", model.CommandResponse{RequestID: id, Success: true})
	time.Sleep(50 * time.Millisecond)
	if _, err := r.Await(ctx, id); !errors.Is(err, ErrTimeout) {
		t.Fatalf("late response overwrote outcome: %v", err)
	}
}

func TestCancel(t *testing.T) {
	r, _, _ := newTestRouter(t)
	id, err := r.Send("dev-1", "move", nil, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := r.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := r.Await(ctx, id); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	// Cancelling twice fails: the terminal transition already happened.
	if err := r.Cancel(id); err == nil {
		t.Fatal("second cancel should fail")
	}
}

func TestCancelUnknownRequest(t *testing.T) {
	r, _, _ := newTestRouter(t)
	if err := r.Cancel("nope"); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestDuplicateRequestID(t *testing.T) {
	r, _, _ := newTestRouter(t)
	if _, err := r.SendRequest("req-1", "dev-1", "move", nil, time.Second); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := r.SendRequest("req-1", "dev-1", "move", nil, time.Second); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
}

func TestUnmatchedResponseDiscarded(t *testing.T) {
	r, b, _ := newTestRouter(t)
	respond(t, b, "dev-1", model.CommandResponse{RequestID: "never-sent", Success: true})
	time.Sleep(50 * time.Millisecond)
	if r.PendingCount() != 0 {
		t.Fatal("stray response should not create state")
	}
}

func TestConcurrentCommands(t *testing.T) {
	r, b, _ := newTestRouter(t)
	ids := make([]string, 5)
	for i := range ids {
		id, err := r.Send("dev-1", "ping", nil, time.Second)
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		ids[i] = id
	}
	// Respond out of order: correlation is by request id, not arrival order.
	for i := len(ids) - 1; i >= 0; i-- {
		respond(t, b, "dev-1", model.CommandResponse{RequestID: ids[i], Success: true})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, id := range ids {
		resp, err := r.Await(ctx, id)
		if err != nil {
			t.Fatalf("await %s: %v", id, err)
		}
		if resp.RequestID != id {
			t.Fatalf("response mismatch: %s vs %s", resp.RequestID, id)
		}
	}
}
