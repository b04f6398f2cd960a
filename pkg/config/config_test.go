package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "wearbeat", cfg.DeviceName)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "hci", cfg.Stack.Backend)
	assert.True(t, cfg.Advertising.Connectable)
	assert.True(t, cfg.Advertising.WhenConnected)
	assert.Equal(t, uint8(50), cfg.Publish.MinConfidence)
	assert.Equal(t, "accumulate", cfg.Router.ListenerMode)
	assert.Equal(t, 0, cfg.Router.MaxListeners)
	assert.Equal(t, 64, cfg.Router.QueueSize)
	assert.Equal(t, "/dev/serial0", cfg.GPS.Serial.Port)
	assert.Equal(t, uint(9600), cfg.GPS.Serial.Baud)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, 10*time.Second, cfg.MQTT.ConnectTimeout)
	assert.Equal(t, 256, cfg.Monitor.History)
	assert.Empty(t, cfg.Monitor.Listen)
	assert.NoError(t, cfg.Validate())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wearbeat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
device_name: trail-watch
stack:
  backend: memory
router:
  listener_mode: single
gps:
  source: mqtt
mqtt:
  broker: tcp://broker:1883
  gps_topic: rover/gps
monitor:
  listen: ":8080"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "trail-watch", cfg.DeviceName)
	assert.Equal(t, "memory", cfg.Stack.Backend)
	assert.Equal(t, "single", cfg.Router.ListenerMode)
	assert.Equal(t, "mqtt", cfg.GPS.Source)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "rover/gps", cfg.MQTT.GPSTopic)
	assert.Equal(t, ":8080", cfg.Monitor.Listen)

	// untouched keys keep defaults
	assert.Equal(t, "wearbeat/hrm", cfg.MQTT.HRMTopic)
	assert.Equal(t, uint8(50), cfg.Publish.MinConfidence)
	assert.True(t, cfg.Advertising.Discoverable)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = Load(writeConfig(t, "device_name: [unclosed"))
	assert.ErrorContains(t, err, "parse config")

	_, err = Load(writeConfig(t, "stack:\n  backend: zigbee\n"))
	assert.ErrorContains(t, err, "stack.backend")
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "empty device name", mutate: func(c *Config) { c.DeviceName = " " }, wantErr: "device_name"},
		{name: "unknown log level", mutate: func(c *Config) { c.Log.Level = "trace" }, wantErr: "invalid log level"},
		{name: "unknown log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
		{name: "bluez backend", mutate: func(c *Config) { c.Stack.Backend = "bluez" }},
		{name: "unknown backend", mutate: func(c *Config) { c.Stack.Backend = "usb" }, wantErr: "stack.backend"},
		{name: "confidence above 100", mutate: func(c *Config) { c.Publish.MinConfidence = 101 }, wantErr: "min_confidence"},
		{name: "unknown listener mode", mutate: func(c *Config) { c.Router.ListenerMode = "latest" }, wantErr: "listener_mode"},
		{name: "negative max listeners", mutate: func(c *Config) { c.Router.MaxListeners = -1 }, wantErr: "max_listeners"},
		{name: "zero queue", mutate: func(c *Config) { c.Router.QueueSize = 0 }, wantErr: "queue_size"},
		{name: "unknown gps source", mutate: func(c *Config) { c.GPS.Source = "gpsd" }, wantErr: "gps.source"},
		{name: "serial without port", mutate: func(c *Config) { c.GPS.Serial.Port = "" }, wantErr: "gps.serial.port"},
		{name: "script gps without port", mutate: func(c *Config) { c.GPS.Source = "script"; c.GPS.Serial.Port = "" }},
		{name: "unknown hrm source", mutate: func(c *Config) { c.HRM.Source = "ant+" }, wantErr: "hrm.source"},
		{name: "mqtt without broker", mutate: func(c *Config) { c.MQTT.Broker = "" }, wantErr: "mqtt.broker"},
		{name: "script sources need no broker", mutate: func(c *Config) {
			c.GPS.Source, c.HRM.Source, c.MQTT.Broker = "script", "script", ""
		}},
		{name: "negative monitor history", mutate: func(c *Config) { c.Monitor.History = -1 }, wantErr: "monitor.history"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected logrus.Level
	}{
		{name: "creates logger with debug level", level: "debug", expected: logrus.DebugLevel},
		{name: "creates logger with info level", level: "info", expected: logrus.InfoLevel},
		{name: "creates logger with warn level", level: "warn", expected: logrus.WarnLevel},
		{name: "creates logger with error level", level: "error", expected: logrus.ErrorLevel},
		{name: "invalid level falls back to info", level: "loud", expected: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Log.Level = tt.level

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestConfig_NewLoggerJSONToFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Format = "json"
	cfg.Log.File = filepath.Join(t.TempDir(), "wearbeat.log")

	logger := cfg.NewLogger()

	_, ok := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
	out, ok := logger.Out.(*lumberjack.Logger)
	require.True(t, ok)
	assert.Equal(t, cfg.Log.File, out.Filename)
	assert.Equal(t, 10, out.MaxSize)

	logger.Info("rotated")
	require.NoError(t, out.Close())
	data, err := os.ReadFile(cfg.Log.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"rotated"`)
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
