// Package router issues commands to devices and correlates the asynchronous
// responses by request id. Every issued command resolves exactly once:
// completed, timed out, or cancelled.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ranchlab/fleethub/core/logger"
	"github.com/ranchlab/fleethub/core/metrics"
	"github.com/ranchlab/fleethub/core/model"
	"github.com/ranchlab/fleethub/internal/bus"
	"github.com/ranchlab/fleethub/internal/topic"
)

var (
	// ErrUnknownDevice is returned when the target id was never registered.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrDeviceOffline is returned when the registry reports the target
	// offline. Commands are rejected pre-dispatch instead of queued.
	ErrDeviceOffline = errors.New("device offline")
	// ErrTimeout is the outcome when no response arrives within the deadline.
	ErrTimeout = errors.New("command timed out")
	// ErrCancelled is the outcome of an explicit cancellation.
	ErrCancelled = errors.New("command cancelled")
	// ErrDuplicateRequest is returned for a caller-supplied request id that
	// is already pending.
	ErrDuplicateRequest = errors.New("duplicate request id")
	// ErrUnknownRequest is returned by Await/Cancel for ids the router does
	// not know about.
	ErrUnknownRequest = errors.New("unknown request id")
)

// State is the lifecycle state of a pending command.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Config defines command handling parameters.
type Config struct {
	// DefaultTimeoutMS applies when Send is called with a zero timeout.
	DefaultTimeoutMS int `json:"default_timeout_ms"`
	// RetentionMS keeps terminal records around for late-duplicate
	// detection before the janitor evicts them.
	RetentionMS int `json:"retention_ms"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.DefaultTimeoutMS == 0 {
		c.DefaultTimeoutMS = 5000
	}
	if c.RetentionMS == 0 {
		c.RetentionMS = 30000
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.DefaultTimeoutMS < 0 || c.RetentionMS < 0 {
		return errors.New("router durations must be positive")
	}
	return nil
}

// DeviceGetter is the registry view the router needs for pre-dispatch checks.
type DeviceGetter interface {
	Get(id string) (model.Device, error)
}

type pending struct {
	requestID string
	deviceID  string
	action    string
	issuedAt  time.Time
	timer     *time.Timer

	state    State
	doneAt   time.Time
	response *model.CommandResponse
	err      error
	done     chan struct{}
}

// Router correlates command responses with pending requests. The pending
// table is mutated by Send, the response intake, timeout timers and Cancel,
// all serialized through one mutex.
type Router struct {
	mu      sync.Mutex
	pending map[string]*pending

	b         *bus.Bus
	devices   DeviceGetter
	log       logger.Logger
	sink      metrics.MetricsSink
	timeout   time.Duration
	retention time.Duration
}

// New creates a Router. devices is consulted before every dispatch.
func New(cfg Config, b *bus.Bus, devices DeviceGetter, sink metrics.MetricsSink, log logger.Logger) *Router {
	cfg.SetDefaults()
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Router{
		pending:   make(map[string]*pending),
		b:         b,
		devices:   devices,
		log:       log,
		sink:      sink,
		timeout:   time.Duration(cfg.DefaultTimeoutMS) * time.Millisecond,
		retention: time.Duration(cfg.RetentionMS) * time.Millisecond,
	}
}

// Run consumes command responses from the bus and periodically evicts
// terminal records until the context is cancelled.
func (r *Router) Run(ctx context.Context) error {
	sub, err := r.b.Subscribe(topic.CommandResponsePattern)
	if err != nil {
		return err
	}
	defer sub.Close()

	janitor := time.NewTicker(r.retention)
	defer janitor.Stop()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			r.handleResponse(msg)
		case <-janitor.C:
			r.evictExpired()
		case <-ctx.Done():
			return nil
		}
	}
}

// Send issues a command with a generated request id. It returns immediately
// after the command is accepted for dispatch; use Await for the outcome.
func (r *Router) Send(deviceID, action string, params map[string]any, timeout time.Duration) (string, error) {
	return r.SendRequest(uuid.NewString(), deviceID, action, params, timeout)
}

// SendRequest issues a command with a caller-supplied request id.
func (r *Router) SendRequest(requestID, deviceID, action string, params map[string]any, timeout time.Duration) (string, error) {
	dev, err := r.devices.Get(deviceID)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if !dev.Online() {
		return "", fmt.Errorf("%w: %s", ErrDeviceOffline, deviceID)
	}
	if timeout <= 0 {
		timeout = r.timeout
	}

	cmd := model.Command{
		RequestID: requestID,
		DeviceID:  deviceID,
		Action:    action,
		Params:    params,
		TimeoutMS: timeout.Milliseconds(),
		Timestamp: time.Now(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("encode command: %w", err)
	}

	p := &pending{
		requestID: requestID,
		deviceID:  deviceID,
		action:    action,
		issuedAt:  time.Now(),
		state:     StatePending,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.pending[requestID]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}
	r.pending[requestID] = p
	p.timer = time.AfterFunc(timeout, func() { r.expire(requestID) })
	r.mu.Unlock()

	if err := r.b.Publish(topic.Command(deviceID), payload); err != nil {
		r.mu.Lock()
		p.timer.Stop()
		delete(r.pending, requestID)
		r.mu.Unlock()
		return "", fmt.Errorf("publish command: %w", err)
	}
	r.log.Debugw("command sent", map[string]any{
		"request_id": requestID, "device_id": deviceID, "action": action,
	})
	return requestID, nil
}

// Await blocks until the command reaches a terminal state or ctx is done. On
// completion it returns the device's response; timeouts and cancellations are
// reported as ErrTimeout and ErrCancelled.
func (r *Router) Await(ctx context.Context, requestID string) (*model.CommandResponse, error) {
	r.mu.Lock()
	p, ok := r.pending[requestID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return p.response, p.err
}

// Cancel transitions a pending command to cancelled. It is local bookkeeping
// only: no message is sent to the device.
func (r *Router) Cancel(requestID string) error {
	r.mu.Lock()
	p, ok := r.pending[requestID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if p.state != StatePending {
		r.mu.Unlock()
		return fmt.Errorf("request %s already %s", requestID, p.state)
	}
	r.resolveLocked(p, StateCancelled, nil, ErrCancelled)
	r.mu.Unlock()
	return nil
}

// PendingCount returns the number of commands awaiting a response.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.pending {
		if p.state == StatePending {
			n++
		}
	}
	return n
}

func (r *Router) handleResponse(msg bus.Message) {
	var resp model.CommandResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		r.log.Errorf("invalid response payload on %s: %v", msg.Topic, err)
		return
	}
	r.mu.Lock()
	p, ok := r.pending[resp.RequestID]
	if !ok || p.state != StatePending {
		// Late, duplicate or unknown responses are expected under races
		// and discarded silently.
		r.mu.Unlock()
		r.log.Debugf("discarding response for %s", resp.RequestID)
		return
	}
	r.resolveLocked(p, StateCompleted, &resp, nil)
	r.mu.Unlock()
}

func (r *Router) expire(requestID string) {
	r.mu.Lock()
	p, ok := r.pending[requestID]
	if !ok || p.state != StatePending {
		r.mu.Unlock()
		return
	}
	r.resolveLocked(p, StateTimedOut, nil, ErrTimeout)
	r.mu.Unlock()
	r.log.Warnf("command %s to %s timed out", requestID, p.deviceID)
}

// resolveLocked performs the single terminal transition for p. Callers hold
// r.mu. The timer is stopped so a concurrent expiry cannot fire afterwards;
// expire re-checks the state under the lock either way.
func (r *Router) resolveLocked(p *pending, state State, resp *model.CommandResponse, outcome error) {
	p.state = state
	p.response = resp
	p.err = outcome
	p.doneAt = time.Now()
	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.done)

	if err := r.sink.RecordCommand(metrics.CommandEvent{
		RequestID: p.requestID,
		DeviceID:  p.deviceID,
		Action:    p.action,
		Outcome:   string(state),
		Latency:   p.doneAt.Sub(p.issuedAt),
		Time:      p.doneAt,
	}); err != nil {
		r.log.Errorf("record command metric: %v", err)
	}
}

// evictExpired drops terminal records older than the retention window.
func (r *Router) evictExpired() {
	cutoff := time.Now().Add(-r.retention)
	r.mu.Lock()
	for id, p := range r.pending {
		if p.state != StatePending && p.doneAt.Before(cutoff) {
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()
}
