package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/ranchlab/fleethub/core/model"
)

var rng = rand.New(rand.NewSource(time.Now().UnixNano()))

// ResponderStrategy defines how a device replies to commands.
type ResponderStrategy interface {
	Respond(ctx context.Context, cli paho.Client, prefix string, dev *SimulatedDevice, cmd model.Command)
}

// AutoResponder replies after an optional fixed delay.
type AutoResponder struct {
	Delay time.Duration
}

// Respond implements ResponderStrategy.
func (a AutoResponder) Respond(ctx context.Context, cli paho.Client, prefix string, dev *SimulatedDevice, cmd model.Command) {
	if a.Delay > 0 {
		select {
		case <-time.After(a.Delay):
		case <-ctx.Done():
			return
		}
	}
	publishResponse(cli, prefix, dev, cmd, a.Delay)
}

// FlakyResponder drops replies with the configured probability and waits for
// the specified delay before sending.
type FlakyResponder struct {
	Delay    time.Duration
	DropRate float64
}

// Respond implements ResponderStrategy.
func (f FlakyResponder) Respond(ctx context.Context, cli paho.Client, prefix string, dev *SimulatedDevice, cmd model.Command) {
	if f.DropRate > 0 && rng.Float64() < f.DropRate {
		return
	}
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return
		}
	}
	publishResponse(cli, prefix, dev, cmd, f.Delay)
}

func publishResponse(cli paho.Client, prefix string, dev *SimulatedDevice, cmd model.Command, took time.Duration) {
	resp := dev.execute(cmd)
	resp.ExecutionMS = took.Milliseconds()
	payload, err := json.Marshal(resp)
	if err != nil {
		log.Printf("marshal response: %v", err)
		return
	}
	topic := fmt.Sprintf("%s/commands/%s/response", prefix, dev.ID)
	token := cli.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		log.Printf("response publish timeout for %s", dev.ID)
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("publish response error for %s: %v", dev.ID, err)
	}
}
