package main

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/wearbeat/pkg/config"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Advertise the telemetry services and publish sensor readings",
	Long: `Registers the Heart Rate and Location and Navigation services, powers the GPS
receiver and publishes heart-rate samples tagged with the latest GPS position
until interrupted.

Sources and backend come from the configuration file; flags override it.`,
	Args: cobra.NoArgs,
	RunE: runPublisher,
}

func init() {
	addPipelineFlags(runCmd)
	runCmd.Flags().String("gps-source", "", "GPS source (serial, mqtt, script)")
	runCmd.Flags().String("hrm-source", "", "Heart-rate source (mqtt, script)")
	runCmd.Flags().String("serial-port", "", "Serial port of the NMEA receiver")
	runCmd.Flags().String("mqtt-broker", "", "MQTT broker URL")
	runCmd.Flags().String("script", "", "Lua script for script sources (default: embedded walk)")
}

// addPipelineFlags registers the flags run and simulate share.
func addPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().String("backend", "", "BLE stack backend (hci, bluez, memory)")
	cmd.Flags().String("name", "", "Advertised device name")
	cmd.Flags().String("listener-mode", "", "Heart-rate listener mode (accumulate, single)")
	cmd.Flags().String("monitor", "", "Serve the monitor websocket and API on this address (e.g. :8080)")
	cmd.Flags().Uint8("min-confidence", 0, "Lowest heart-rate confidence to publish (0-100)")
}

// applyFlags copies explicitly set flags over cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	str := func(name string, dst *string) {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	str("backend", &cfg.Stack.Backend)
	str("name", &cfg.DeviceName)
	str("listener-mode", &cfg.Router.ListenerMode)
	str("monitor", &cfg.Monitor.Listen)
	str("gps-source", &cfg.GPS.Source)
	str("hrm-source", &cfg.HRM.Source)
	str("serial-port", &cfg.GPS.Serial.Port)
	str("mqtt-broker", &cfg.MQTT.Broker)
	str("script", &cfg.Script.Path)

	if cmd.Flags().Changed("min-confidence") {
		cfg.Publish.MinConfidence, _ = cmd.Flags().GetUint8("min-confidence")
	}
}

func runPublisher(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	p, err := startPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	logger.WithFields(logrus.Fields{
		"name":    cfg.DeviceName,
		"backend": cfg.Stack.Backend,
		"gps":     cfg.GPS.Source,
		"hrm":     cfg.HRM.Source,
	}).Info("Starting publisher")

	err = p.Run(ctx)
	logger.WithField("stats", p.Stats()).Info("Publisher stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
