// Package gpio switches the GPS receiver's power line through a GPIO pin.
package gpio

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearbeat/internal/sensor"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var (
	hostOnce sync.Once
	hostErr  error
)

// LookupPin resolves a pin name after initializing the host drivers once.
// Tests replace it with gpiotest pins.
var LookupPin = func(name string) (gpio.PinIO, error) {
	hostOnce.Do(func() {
		if _, err := host.Init(); err != nil {
			hostErr = fmt.Errorf("periph host init: %w", err)
		}
	})
	if hostErr != nil {
		return nil, hostErr
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio pin %q not found", name)
	}
	return p, nil
}

// Switch is a sensor.PowerSwitch driving one output pin. High means on.
type Switch struct {
	pin    gpio.PinIO
	logger *logrus.Logger
}

var _ sensor.PowerSwitch = (*Switch)(nil)

// NewSwitch resolves the pin. The pin is not driven until SetPower.
func NewSwitch(name string, logger *logrus.Logger) (*Switch, error) {
	if logger == nil {
		logger = logrus.New()
	}
	pin, err := LookupPin(name)
	if err != nil {
		return nil, err
	}
	return &Switch{pin: pin, logger: logger}, nil
}

func (s *Switch) SetPower(on bool) error {
	level := gpio.Low
	if on {
		level = gpio.High
	}
	if err := s.pin.Out(level); err != nil {
		return fmt.Errorf("drive %s %s: %w", s.pin.Name(), level, err)
	}
	s.logger.WithFields(logrus.Fields{
		"pin":   s.pin.Name(),
		"level": level.String(),
	}).Debug("GPS power switched")
	return nil
}
