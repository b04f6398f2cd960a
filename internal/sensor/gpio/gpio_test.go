package gpio

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func useFakePin(t *testing.T, pin gpio.PinIO, err error) {
	t.Helper()
	orig := LookupPin
	LookupPin = func(string) (gpio.PinIO, error) { return pin, err }
	t.Cleanup(func() { LookupPin = orig })
}

func TestSwitch_SetPower(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO17", Num: 17}
	useFakePin(t, pin, nil)

	sw, err := NewSwitch("GPIO17", quietLogger())
	require.NoError(t, err)

	require.NoError(t, sw.SetPower(true))
	assert.Equal(t, gpio.High, pin.Read())

	require.NoError(t, sw.SetPower(false))
	assert.Equal(t, gpio.Low, pin.Read())
}

func TestNewSwitch_LookupFailure(t *testing.T) {
	useFakePin(t, nil, errors.New(`gpio pin "GPIO99" not found`))

	_, err := NewSwitch("GPIO99", quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GPIO99")
}
