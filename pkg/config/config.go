package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	DeviceName  string            `yaml:"device_name" default:"wearbeat"`
	Log         LogConfig         `yaml:"log"`
	Stack       StackConfig       `yaml:"stack"`
	Advertising AdvertisingConfig `yaml:"advertising"`
	Publish     PublishConfig     `yaml:"publish"`
	Router      RouterConfig      `yaml:"router"`
	GPS         GPSConfig         `yaml:"gps"`
	HRM         HRMConfig         `yaml:"hrm"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Script      ScriptConfig      `yaml:"script"`
	Monitor     MonitorConfig     `yaml:"monitor"`
}

type LogConfig struct {
	Level      string `yaml:"level" default:"info"`
	Format     string `yaml:"format" default:"text"` // text, json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" default:"10"`
	MaxBackups int    `yaml:"max_backups" default:"3"`
}

type StackConfig struct {
	Backend string `yaml:"backend" default:"hci"` // hci, bluez, memory
}

type AdvertisingConfig struct {
	Connectable   bool `yaml:"connectable" default:"true"`
	Discoverable  bool `yaml:"discoverable" default:"true"`
	Scannable     bool `yaml:"scannable" default:"true"`
	WhenConnected bool `yaml:"when_connected" default:"true"`
}

type PublishConfig struct {
	MinConfidence uint8 `yaml:"min_confidence" default:"50"`
}

type RouterConfig struct {
	ListenerMode string `yaml:"listener_mode" default:"accumulate"`
	MaxListeners int    `yaml:"max_listeners" default:"0"`
	QueueSize    int    `yaml:"queue_size" default:"64"`
}

type GPSConfig struct {
	Source   string       `yaml:"source" default:"serial"` // serial, mqtt, script
	Serial   SerialConfig `yaml:"serial"`
	PowerPin string       `yaml:"power_pin"`
}

type SerialConfig struct {
	Port string `yaml:"port" default:"/dev/serial0"`
	Baud uint   `yaml:"baud" default:"9600"`
}

type HRMConfig struct {
	Source string `yaml:"source" default:"mqtt"` // mqtt, script
}

type MQTTConfig struct {
	Broker         string        `yaml:"broker" default:"tcp://localhost:1883"`
	ClientID       string        `yaml:"client_id"`
	HRMTopic       string        `yaml:"hrm_topic" default:"wearbeat/hrm"`
	GPSTopic       string        `yaml:"gps_topic" default:"inertial/gps"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`
}

type ScriptConfig struct {
	Path string `yaml:"path"` // empty selects the embedded walk script
}

type MonitorConfig struct {
	Listen  string `yaml:"listen"` // empty disables the monitor
	History int    `yaml:"history" default:"256"`
}

var (
	validBackends     = []string{"hci", "bluez", "memory"}
	validGPSSources   = []string{"serial", "mqtt", "script"}
	validHRMSources   = []string{"mqtt", "script"}
	validLogFormats   = []string{"text", "json"}
	validListenModes  = []string{"accumulate", "single"}
	validLogLevelsMsg = "debug, info, warn, or error"
)

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file on top of the defaults. Keys missing from the file
// keep their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DeviceName) == "" {
		errs = append(errs, errors.New("device_name must not be empty"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if !oneOf(c.Log.Format, validLogFormats) {
		errs = append(errs, fmt.Errorf("log.format %q must be one of %s", c.Log.Format, strings.Join(validLogFormats, ", ")))
	}
	if !oneOf(c.Stack.Backend, validBackends) {
		errs = append(errs, fmt.Errorf("stack.backend %q must be one of %s", c.Stack.Backend, strings.Join(validBackends, ", ")))
	}
	if c.Publish.MinConfidence > 100 {
		errs = append(errs, fmt.Errorf("publish.min_confidence %d exceeds 100", c.Publish.MinConfidence))
	}
	if !oneOf(c.Router.ListenerMode, validListenModes) {
		errs = append(errs, fmt.Errorf("router.listener_mode %q must be one of %s", c.Router.ListenerMode, strings.Join(validListenModes, ", ")))
	}
	if c.Router.MaxListeners < 0 {
		errs = append(errs, errors.New("router.max_listeners must not be negative"))
	}
	if c.Router.QueueSize <= 0 {
		errs = append(errs, errors.New("router.queue_size must be positive"))
	}
	if !oneOf(c.GPS.Source, validGPSSources) {
		errs = append(errs, fmt.Errorf("gps.source %q must be one of %s", c.GPS.Source, strings.Join(validGPSSources, ", ")))
	}
	if c.GPS.Source == "serial" && c.GPS.Serial.Port == "" {
		errs = append(errs, errors.New("gps.serial.port is required for the serial source"))
	}
	if !oneOf(c.HRM.Source, validHRMSources) {
		errs = append(errs, fmt.Errorf("hrm.source %q must be one of %s", c.HRM.Source, strings.Join(validHRMSources, ", ")))
	}
	if (c.GPS.Source == "mqtt" || c.HRM.Source == "mqtt") && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required for mqtt sources"))
	}
	if c.Monitor.History < 0 {
		errs = append(errs, errors.New("monitor.history must not be negative"))
	}
	return errors.Join(errs...)
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// ParseLevel accepts the log levels the CLI exposes.
func ParseLevel(s string) (logrus.Level, error) {
	switch s {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.PanicLevel, fmt.Errorf("invalid log level: %s (must be %s)", s, validLogLevelsMsg)
	}
}

// NewLogger creates a configured logger instance. When Log.File is set the
// output goes to a size-rotated file instead of stderr.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	if c.Log.File != "" {
		logger.SetOutput(c.logFile())
	}
	return logger
}

func (c *Config) logFile() io.Writer {
	return &lumberjack.Logger{
		Filename:   c.Log.File,
		MaxSize:    c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
	}
}
