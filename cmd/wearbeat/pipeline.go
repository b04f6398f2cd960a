package main

import (
	"context"
	"fmt"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearbeat"
	"github.com/srg/wearbeat/internal/gatt"
	"github.com/srg/wearbeat/internal/gatt/bluez"
	"github.com/srg/wearbeat/internal/gatt/goble"
	"github.com/srg/wearbeat/internal/gatt/memstack"
	"github.com/srg/wearbeat/internal/groutine"
	"github.com/srg/wearbeat/internal/monitor"
	"github.com/srg/wearbeat/internal/router"
	"github.com/srg/wearbeat/internal/sensor"
	"github.com/srg/wearbeat/internal/sensor/broker"
	"github.com/srg/wearbeat/internal/sensor/gpio"
	"github.com/srg/wearbeat/internal/sensor/nmea"
	"github.com/srg/wearbeat/internal/sensor/script"
	"github.com/srg/wearbeat/internal/telemetry"
	"github.com/srg/wearbeat/pkg/config"
	"golang.org/x/sys/unix"
)

// openStack opens the configured BLE backend. Tests replace it.
var openStack = func(backend string, logger *logrus.Logger) (gatt.Stack, error) {
	switch backend {
	case "memory":
		return memstack.New(logger), nil
	case "bluez":
		return bluez.Open(logger)
	case "hci":
		s, err := goble.Open(logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown stack backend %q", backend)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, unix.SIGINT, unix.SIGTERM)
}

// pipelineStats is served at /api/stats and logged on exit.
type pipelineStats struct {
	Router             router.Stats                `json:"router"`
	Errors             telemetry.ErrorHandlerStats `json:"errors"`
	MonitorOverwritten uint64                      `json:"monitor_overwritten,omitempty"`
}

// pipeline wires one stack to the registrar, publisher, error handler and
// router, with an optional monitor tap in front of the stack.
type pipeline struct {
	cfg     *config.Config
	logger  *logrus.Logger
	stack   gatt.Stack // the backend, without the tap
	tap     *monitor.Tap
	handler *telemetry.ErrorHandler
	router  *router.Router
}

func newPipeline(cfg *config.Config, stack gatt.Stack, feeds []sensor.Feed, power sensor.PowerSwitch, logger *logrus.Logger) (*pipeline, error) {
	mode, err := router.ParseListenerMode(cfg.Router.ListenerMode)
	if err != nil {
		return nil, err
	}

	p := &pipeline{cfg: cfg, logger: logger, stack: stack}

	published := stack
	if cfg.Monitor.Listen != "" {
		p.tap = monitor.NewTap(stack, cfg.Monitor.History, logger)
		published = p.tap
	}

	registrar := telemetry.NewRegistrar(published, telemetry.AdvertisingOptions{
		Name:          cfg.DeviceName,
		Connectable:   cfg.Advertising.Connectable,
		Discoverable:  cfg.Advertising.Discoverable,
		Scannable:     cfg.Advertising.Scannable,
		WhenConnected: cfg.Advertising.WhenConnected,
	}, logger)
	p.handler = telemetry.NewErrorHandler(registrar, logger)
	publisher := telemetry.NewPublisher(published, p.handler, logger,
		telemetry.WithMinConfidence(cfg.Publish.MinConfidence))

	p.router = router.New(registrar, publisher, power, feeds, router.Options{
		ListenerMode: mode,
		MaxListeners: cfg.Router.MaxListeners,
		QueueSize:    cfg.Router.QueueSize,
	}, logger)
	return p, nil
}

func (p *pipeline) Stats() pipelineStats {
	st := pipelineStats{
		Router: p.router.Stats(),
		Errors: p.handler.Stats(),
	}
	if p.tap != nil {
		st.MonitorOverwritten = p.tap.Overwritten()
	}
	return st
}

// Run routes events until ctx is cancelled or the feeds are done. The monitor,
// when enabled, stops with the router; a monitor failure stops the router.
func (p *pipeline) Run(ctx context.Context) error {
	if p.tap == nil {
		return p.router.Run(ctx)
	}

	g, gctx := groutine.NewGroup(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	srv := monitor.NewServer(p.tap, func() any { return p.Stats() }, p.logger)
	g.Go("monitor", func(context.Context) error {
		return srv.ListenAndServe(runCtx, p.cfg.Monitor.Listen)
	})
	g.Go("router", func(context.Context) error {
		defer stop()
		return p.router.Run(runCtx)
	})
	return g.Wait()
}

// Close releases the backend.
func (p *pipeline) Close() {
	if err := p.stack.Close(); err != nil {
		p.logger.WithError(err).Warn("Failed to close BLE stack")
	}
}

// buildFeeds creates the sensor drivers selected by cfg. A script source is
// started once even when it serves both GPS and heart rate.
func buildFeeds(cfg *config.Config, logger *logrus.Logger) ([]sensor.Feed, error) {
	var feeds []sensor.Feed

	if cfg.GPS.Source == "script" || cfg.HRM.Source == "script" {
		sim, err := loadSimulator(cfg.Script.Path, logger)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, sim)
	}

	var mqttClient *broker.Client
	mqttc := func() *broker.Client {
		if mqttClient == nil {
			mqttClient = broker.NewClient(broker.Options{
				Broker:         cfg.MQTT.Broker,
				ClientID:       cfg.MQTT.ClientID,
				HRMTopic:       cfg.MQTT.HRMTopic,
				GPSTopic:       cfg.MQTT.GPSTopic,
				ConnectTimeout: cfg.MQTT.ConnectTimeout,
			}, logger)
		}
		return mqttClient
	}

	switch cfg.GPS.Source {
	case "serial":
		feeds = append(feeds, sensor.FixFeed("nmea", nmea.NewReceiver(nmea.Options{
			Port: cfg.GPS.Serial.Port,
			Baud: cfg.GPS.Serial.Baud,
		}, logger)))
	case "mqtt":
		feeds = append(feeds, sensor.FixFeed("mqtt-gps", mqttc()))
	}
	if cfg.HRM.Source == "mqtt" {
		feeds = append(feeds, sensor.SampleFeed("mqtt-hrm", mqttc()))
	}
	return feeds, nil
}

// loadSimulator loads path, or the embedded walk script when path is empty.
func loadSimulator(path string, logger *logrus.Logger) (*script.Simulator, error) {
	if path == "" {
		return script.New("walk.lua", wearbeat.DefaultWalkScript, logger), nil
	}
	return script.Load(path, logger)
}

func powerSwitch(cfg *config.Config, logger *logrus.Logger) (sensor.PowerSwitch, error) {
	if cfg.GPS.PowerPin == "" {
		return sensor.NoPower{}, nil
	}
	sw, err := gpio.NewSwitch(cfg.GPS.PowerPin, logger)
	if err != nil {
		return nil, err
	}
	return sw, nil
}

// startPipeline opens the stack and builds everything cfg asks for. The
// caller must Close the returned pipeline.
func startPipeline(cfg *config.Config, logger *logrus.Logger) (*pipeline, error) {
	feeds, err := buildFeeds(cfg, logger)
	if err != nil {
		return nil, err
	}
	power, err := powerSwitch(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("GPS power pin: %w", err)
	}
	stack, err := openStack(cfg.Stack.Backend, logger)
	if err != nil {
		return nil, err
	}
	p, err := newPipeline(cfg, stack, feeds, power, logger)
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	return p, nil
}
