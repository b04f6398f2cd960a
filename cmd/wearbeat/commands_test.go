//go:build test

package main

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearbeat/internal/gatt"
	"github.com/srg/wearbeat/internal/gatt/memstack"
	"github.com/srg/wearbeat/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type CommandsTestSuite struct {
	CommandTestSuite
}

func TestCommandsTestSuite(t *testing.T) {
	suite.Run(t, new(CommandsTestSuite))
}

const walkAroundTrafalgar = `
emit_hrm(60, 90)              -- before any lock, dropped
emit_fix(nil, nil, false)
emit_fix(51.5074, -0.1278)
emit_hrm(72, 90)
emit_hrm(80, 10)              -- below the confidence threshold
`

func (s *CommandsTestSuite) TestServices_Text() {
	out, err := s.ExecuteCommand("services", "--name", "trail-watch")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, `
Advertising "trail-watch" [connectable, discoverable, scannable, while connected] services 180d, 1819
Service 180d Heart Rate
  Characteristic 2a37 Heart Rate Measurement [notify] value 0600
  Characteristic 2a38 Body Sensor Location [read] value 02
Service 1819 Location and Navigation
  Characteristic 2a67 Location and Speed [notify] value 0000000000000000000000000000
`)
}

func (s *CommandsTestSuite) TestServices_JSONFromConfig() {
	cfgPath := s.WriteFile("wearbeat.yaml", "device_name: config-watch\nadvertising:\n  scannable: false\n")

	out, err := s.ExecuteCommand("services", "--json", "--config", cfgPath)
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(out, `{
		"name": "config-watch",
		"connectable": true,
		"discoverable": true,
		"scannable": false,
		"when_connected": true,
		"advertised_services": ["180d", "1819"],
		"services": [
			{"uuid": "180d", "name": "Heart Rate", "characteristics": [
				{"uuid": "2a37", "name": "Heart Rate Measurement", "properties": ["notify"], "value": "0600"},
				{"uuid": "2a38", "name": "Body Sensor Location", "properties": ["read"], "value": "02"}
			]},
			{"uuid": "1819", "name": "Location and Navigation", "characteristics": [
				{"uuid": "2a67", "name": "Location and Speed", "properties": ["notify"], "value": "0000000000000000000000000000"}
			]}
		]
	}`)
}

func (s *CommandsTestSuite) TestDecode() {
	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{
			name:     "heart rate",
			args:     []string{"decode", "2a37", "0648"},
			expected: "Heart Rate Measurement (2a37): 72 bpm, sensor contact detected",
		},
		{
			name:     "uint16 heart rate with RR intervals",
			args:     []string{"decode", "0x2A37", "11 2c 01 00 04"},
			expected: "Heart Rate Measurement (2a37): 300 bpm, sensor contact not supported, RR [1024]",
		},
		{
			name:     "location with full UUID",
			args:     []string{"decode", "00002a67-0000-1000-8000-00805f9b34fb", "04:00:d0:67:b3:1e:d0:7f:ec:ff:00:00:00:00"},
			expected: "Location and Speed (2a67): lat 51.5074000, lon -0.1278000",
		},
		{
			name:     "body sensor location",
			args:     []string{"decode", "2a38", "02"},
			expected: "Body Sensor Location (2a38): Wrist (2)",
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			out, err := s.ExecuteCommand(tt.args...)
			s.Require().NoError(err)
			testutils.NewTextAsserter(s.T()).Assert(out, tt.expected)
		})
	}
}

func (s *CommandsTestSuite) TestDecode_JSON() {
	out, err := s.ExecuteCommand("decode", "--json", "2a37", "0648")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(out, `{
		"characteristic": "2a37",
		"name": "Heart Rate Measurement",
		"value": "0648",
		"decoded": {"flags": 6, "bpm": 72, "contact_status": "detected"}
	}`)
}

func (s *CommandsTestSuite) TestDecode_Errors() {
	_, err := s.ExecuteCommand("decode", "2a37", "zz")
	s.ErrorContains(err, "not hex")

	_, err = s.ExecuteCommand("decode", "2a19", "64")
	s.ErrorContains(err, "no decoder")

	_, err = s.ExecuteCommand("decode", "battery", "64")
	s.ErrorIs(err, gatt.ErrInvalidUUID)

	_, err = s.ExecuteCommand("decode", "2a67", "0400d067")
	s.ErrorContains(err, "truncated")
}

func (s *CommandsTestSuite) TestSimulate_PrintsSummary() {
	script := s.WriteFile("walk.lua", walkAroundTrafalgar)

	out, err := s.ExecuteCommand("simulate", script, "--log-level", "error")
	s.Require().NoError(err)

	s.Contains(out, "Simulation finished after")
	s.Contains(out, "  fixes: 2 (1 locked)\n")
	s.Contains(out, "  samples: 3 (1 before the first lock)\n")
	s.Contains(out, "  publishes: 2\n")
	s.Contains(out, "  stack errors: 0 (0 recoveries)\n")
	s.Contains(out, "  2a37 Heart Rate Measurement: 1, last 0648 72 bpm, sensor contact detected\n")
	s.Contains(out, "  2a67 Location and Speed: 2, last 0400d067b31ed07fecff00000000 lat 51.5074000, lon -0.1278000\n")
}

func (s *CommandsTestSuite) TestSimulate_MonitorStopsWithScript() {
	script := s.WriteFile("walk.lua", walkAroundTrafalgar)

	out, err := s.ExecuteCommand("simulate", script, "--monitor", "127.0.0.1:0", "--log-level", "error")
	s.Require().NoError(err)
	s.Contains(out, "  publishes: 2\n")
}

func (s *CommandsTestSuite) TestSimulate_ScriptError() {
	script := s.WriteFile("broken.lua", "emit_hrm(300, 90)\n")

	_, err := s.ExecuteCommand("simulate", script, "--log-level", "error")
	s.Require().Error(err)
	s.Contains(FormatUserError(err), "out of range")
}

func (s *CommandsTestSuite) TestRun_UsesConfiguredBackend() {
	var opened *memstack.Stack
	openStack = func(backend string, logger *logrus.Logger) (gatt.Stack, error) {
		s.Equal("memory", backend)
		opened = memstack.New(logger)
		return opened, nil
	}
	script := s.WriteFile("walk.lua", walkAroundTrafalgar)
	cfgPath := s.WriteFile("wearbeat.yaml", `
device_name: run-watch
stack:
  backend: memory
gps:
  source: script
hrm:
  source: script
router:
  listener_mode: single
`)

	_, err := s.ExecuteCommand("run", "--config", cfgPath, "--script", script, "--log-level", "error")
	s.Require().NoError(err)

	s.Require().NotNil(opened)
	s.Require().NotNil(opened.Advertisement())
	s.Equal("run-watch", opened.Advertisement().Name)
	s.Equal([][]byte{{0x06, 72}}, opened.NotificationsFor(0x180D, 0x2A37))
}

func (s *CommandsTestSuite) TestRun_StackOpenFailure() {
	openStack = func(string, *logrus.Logger) (gatt.Stack, error) {
		return nil, &gatt.StackError{Kind: gatt.KindTransientRestart, Op: "open", Err: errors.New("hci0: no such device")}
	}

	_, err := s.ExecuteCommand("run", "--gps-source", "script", "--hrm-source", "script", "--log-level", "error")
	s.Require().Error(err)
	s.Contains(FormatUserError(err), "is the Bluetooth adapter powered on?")
}

func (s *CommandsTestSuite) TestRun_InvalidFlags() {
	_, err := s.ExecuteCommand("run", "--log-level", "loud")
	s.ErrorContains(err, "invalid log level")

	_, err = s.ExecuteCommand("run", "--backend", "usb")
	s.ErrorContains(err, "stack.backend")
}
