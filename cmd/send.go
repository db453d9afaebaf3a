package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ranchlab/fleethub/app"
	"github.com/ranchlab/fleethub/config"
	"github.com/ranchlab/fleethub/infra/logger"
)

var (
	sendDevice  string
	sendAction  string
	sendParams  string
	sendTimeout time.Duration
	sendWait    time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a command to one device and print the response",
	RunE:  sendCommand,
}

func init() {
	sendCmd.Flags().StringVar(&sendDevice, "device", "", "target device id")
	sendCmd.Flags().StringVar(&sendAction, "action", "ping", "command action")
	sendCmd.Flags().StringVar(&sendParams, "params", "", "command parameters as JSON")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 5*time.Second, "command timeout")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 10*time.Second, "how long to wait for the device to register")
	if err := sendCmd.MarkFlagRequired("device"); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(sendCmd)
}

func sendCommand(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Metrics.PrometheusEnabled = false
	cfg.Metrics.InfluxEnabled = false

	var params map[string]any
	if sendParams != "" {
		if err := json.Unmarshal([]byte(sendParams), &params); err != nil {
			return fmt.Errorf("parse params: %w", err)
		}
	}

	logg := logger.New("send-command")
	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logg.Errorf("service close: %v", err)
		}
	}()
	go func() {
		if err := svc.Run(ctx); err != nil {
			logg.Errorf("service: %v", err)
		}
	}()

	if err := waitForDevice(ctx, svc, sendDevice, sendWait); err != nil {
		return err
	}
	reqID, err := svc.SendCommand(sendDevice, sendAction, params, sendTimeout)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	resp, err := svc.AwaitCommand(ctx, reqID)
	if err != nil {
		return fmt.Errorf("await %s: %w", reqID, err)
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// waitForDevice polls the registry until the device shows up online. The hub
// only learns about devices from their own announcements, so a fresh process
// has to wait for at least one info or heartbeat to arrive.
func waitForDevice(ctx context.Context, svc *app.Service, id string, wait time.Duration) error {
	deadline := time.After(wait)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if dev, err := svc.GetDevice(id); err == nil && dev.Online() {
			return nil
		}
		select {
		case <-tick.C:
		case <-deadline:
			return fmt.Errorf("device %s not seen within %s", id, wait)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
