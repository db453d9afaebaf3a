package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ranchlab/fleethub/infra/logger"
	"github.com/ranchlab/fleethub/simulator"
)

var (
	simBroker    string
	simPrefix    string
	simCount     int
	simLatency   time.Duration
	simDropRate  float64
	simSensorPct float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run simulated devices against the broker",
	RunE:  simulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simBroker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	simulateCmd.Flags().StringVar(&simPrefix, "topic-prefix", "herd", "MQTT topic prefix")
	simulateCmd.Flags().IntVar(&simCount, "count", 3, "number of devices")
	simulateCmd.Flags().DurationVar(&simLatency, "latency", 0, "command response latency")
	simulateCmd.Flags().Float64Var(&simDropRate, "drop-rate", 0, "command response drop rate")
	simulateCmd.Flags().Float64Var(&simSensorPct, "sensor-pct", 0, "ratio of controllers with a diagnostic sensor")
	rootCmd.AddCommand(simulateCmd)
}

func simulate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logg := logger.New("simulate")
	strat := simulator.FlakyResponder{Delay: simLatency, DropRate: simDropRate}
	devs := simulator.GenerateFleet(simulator.FleetConfig{
		Size:        simCount,
		Broker:      simBroker,
		TopicPrefix: simPrefix,
		SensorPct:   simSensorPct,
	}, strat)

	var wg sync.WaitGroup
	for _, d := range devs {
		wg.Add(1)
		go func(d *simulator.SimulatedDevice) {
			defer wg.Done()
			if err := d.Run(ctx); err != nil {
				logg.Errorf("%s: %v", d.ID, err)
			}
		}(d)
	}
	wg.Wait()
	return nil
}
