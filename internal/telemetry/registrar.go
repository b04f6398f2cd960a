package telemetry

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearbeat/internal/gatt"
)

// Assigned numbers for the services and characteristics we publish.
const (
	HeartRateService          gatt.UUID16 = 0x180D
	HeartRateMeasurement      gatt.UUID16 = 0x2A37
	BodySensorLocation        gatt.UUID16 = 0x2A38
	LocationNavigationService gatt.UUID16 = 0x1819
	LocationAndSpeed          gatt.UUID16 = 0x2A67
)

// BodySensorWrist is the Body Sensor Location value for a wrist-worn sensor.
const BodySensorWrist = 0x02

// AdvertisingOptions are the advertising flags the registrar passes to the stack.
type AdvertisingOptions struct {
	Name          string
	Connectable   bool
	Discoverable  bool
	Scannable     bool
	WhenConnected bool
}

// DefaultAdvertisingOptions advertises as a connectable, discoverable,
// scannable peripheral that keeps advertising while connected.
func DefaultAdvertisingOptions(name string) AdvertisingOptions {
	return AdvertisingOptions{
		Name:          name,
		Connectable:   true,
		Discoverable:  true,
		Scannable:     true,
		WhenConnected: true,
	}
}

// Registrar declares the Heart Rate and Location and Navigation services.
type Registrar struct {
	stack  gatt.Stack
	adv    AdvertisingOptions
	logger *logrus.Logger
}

func NewRegistrar(stack gatt.Stack, adv AdvertisingOptions, logger *logrus.Logger) *Registrar {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registrar{stack: stack, adv: adv, logger: logger}
}

// ServiceTree returns the GATT tree the registrar declares.
func ServiceTree() *gatt.Tree {
	tree := gatt.NewTree()
	tree.AddCharacteristic(HeartRateService, HeartRateMeasurement, gatt.PropNotify, EncodeHeartRate(0))
	tree.AddCharacteristic(HeartRateService, BodySensorLocation, gatt.PropRead, []byte{BodySensorWrist})
	tree.AddCharacteristic(LocationNavigationService, LocationAndSpeed, gatt.PropNotify, make([]byte, LocationValueLength))
	return tree
}

// RegisterServices starts advertising and (re)declares the full service tree.
// Calling it again replaces the previous declaration. Stack errors are
// returned unchanged in kind.
func (r *Registrar) RegisterServices() error {
	tree := ServiceTree()

	adv := gatt.AdvertisementConfig{
		Name:          r.adv.Name,
		Connectable:   r.adv.Connectable,
		Discoverable:  r.adv.Discoverable,
		Scannable:     r.adv.Scannable,
		WhenConnected: r.adv.WhenConnected,
		ServiceUUIDs:  tree.ServiceUUIDs(),
	}
	if err := r.stack.Advertise(adv); err != nil {
		return fmt.Errorf("advertise: %w", err)
	}
	if err := r.stack.DeclareServices(tree); err != nil {
		return fmt.Errorf("declare services: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"name":     r.adv.Name,
		"services": adv.ServiceUUIDs,
	}).Info("Services registered")
	return nil
}
