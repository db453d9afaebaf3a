// Package mqtt bridges the constrained-device MQTT transport onto the
// internal bus. The external and internal topic namespaces are kept
// structurally identical (modulo an optional prefix) so no per-topic
// translation table exists to drift out of sync.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/ranchlab/fleethub/core/logger"
	infralogger "github.com/ranchlab/fleethub/infra/logger"
	"github.com/ranchlab/fleethub/internal/bus"
	"github.com/ranchlab/fleethub/internal/topic"
)

// pahoClient is the subset of the Paho client the bridge uses.
type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// inboundPatterns are the internal patterns mirrored from the external
// transport onto the bus. Devices publish on these; the hub consumes them.
var inboundPatterns = []string{
	topic.DeviceInfoPattern,
	topic.HeartbeatPattern,
	topic.SensorPattern,
	topic.CommandResponsePattern,
}

// Bridge relays messages 1:1 between the MQTT transport and the internal
// bus. Liveness is never derived from the transport connection: a transient
// MQTT outage only flips devices offline once their heartbeats actually stop
// long enough for the registry sweep to notice.
type Bridge struct {
	cli        pahoClient
	b          *bus.Bus
	log        logger.Logger
	prefix     string
	qos        map[string]byte
	maxRetries int
	backoff    time.Duration
}

// New connects to the MQTT broker and mirrors the inbound topics onto the
// bus. Outbound forwarding starts with Run.
func New(cfg Config, b *bus.Bus) (*Bridge, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	log := infralogger.New("mqtt-bridge")
	br := &Bridge{
		b:          b,
		log:        log,
		prefix:     cfg.TopicPrefix,
		qos:        cfg.QoS,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
	}

	var cli pahoClient
	opts.OnConnect = func(_ paho.Client) {
		log.Infof("MQTT connected")
		for _, pattern := range inboundPatterns {
			ext := br.externalPattern(pattern)
			if token := cli.Subscribe(ext, br.qosFor("inbound"), br.onInbound); token.Wait() && token.Error() != nil {
				log.Errorf("subscribe %s: %v", ext, token.Error())
			}
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}

	cli = newMQTTClient(opts)
	if token := cli.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("%w: %v", ErrBridgeUnavailable, token.Error())
	}
	br.cli = cli
	return br, nil
}

// Run forwards internal command messages onto the external transport until
// the context is cancelled. Command responses travel the other way and are
// excluded by the single-level pattern.
func (br *Bridge) Run(ctx context.Context) error {
	sub, err := br.b.Subscribe(topic.CommandPattern)
	if err != nil {
		return err
	}
	defer sub.Close()
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := br.publishExternal(msg.Topic, msg.Payload); err != nil {
				// At-most-once across the bridge: the message is lost.
				br.log.Errorf("forward %s: %v", msg.Topic, err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// onInbound republishes an external message verbatim onto the bus.
func (br *Bridge) onInbound(_ paho.Client, msg paho.Message) {
	internal, ok := br.internalTopic(msg.Topic())
	if !ok {
		br.log.Warnf("dropping message outside bridge namespace: %s", msg.Topic())
		return
	}
	if err := br.b.Publish(internal, msg.Payload()); err != nil {
		br.log.Errorf("republish %s: %v", internal, err)
	}
}

// publishExternal publishes with bounded exponential backoff.
func (br *Bridge) publishExternal(internal string, payload []byte) error {
	ext := br.externalTopic(internal)
	qos := br.qosFor("outbound")
	var publishErr error
	for attempt := 0; attempt <= br.maxRetries; attempt++ {
		token := br.cli.Publish(ext, qos, false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			br.log.Debugf("forwarded %s", ext)
			return nil
		}
		br.log.Errorf("publish attempt %d failed: %v", attempt+1, publishErr)
		time.Sleep(br.backoff * time.Duration(1<<attempt))
	}
	return fmt.Errorf("%w: %v", ErrBridgeUnavailable, publishErr)
}

// Disconnect gracefully closes the MQTT connection.
func (br *Bridge) Disconnect() {
	if br.cli != nil && br.cli.IsConnected() {
		br.cli.Disconnect(250)
	}
}

func (br *Bridge) qosFor(kind string) byte {
	if q, ok := br.qos[kind]; ok {
		return q
	}
	return 0
}

// externalPattern converts an internal subscription pattern to MQTT wildcard
// syntax and applies the prefix.
func (br *Bridge) externalPattern(pattern string) string {
	ext := strings.ReplaceAll(pattern, topic.Multi, "#")
	ext = strings.ReplaceAll(ext, topic.Single, "+")
	return br.externalTopic(ext)
}

func (br *Bridge) externalTopic(internal string) string {
	if br.prefix == "" {
		return internal
	}
	return br.prefix + "/" + internal
}

// internalTopic strips the prefix from an external topic. ok is false when
// the topic is outside the bridged namespace.
func (br *Bridge) internalTopic(external string) (string, bool) {
	if br.prefix == "" {
		return external, true
	}
	rest, found := strings.CutPrefix(external, br.prefix+"/")
	return rest, found
}
