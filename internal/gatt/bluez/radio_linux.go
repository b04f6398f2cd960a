//go:build linux

package bluez

import (
	"fmt"

	"github.com/srg/wearbeat/internal/gatt"
	"tinygo.org/x/bluetooth"
)

// valueWriter updates a characteristic's value and notifies subscribers.
type valueWriter interface {
	Write(p []byte) (n int, err error)
}

// radio is the part of the tinygo adapter the stack drives.
type radio interface {
	Enable() error
	ConfigureAdvertisement(opts bluetooth.AdvertisementOptions) error
	StartAdvertisement() error
	StopAdvertisement() error
	AddService(svc *gatt.Service) (map[gatt.UUID16]valueWriter, error)
}

type tinygoRadio struct {
	adapter *bluetooth.Adapter
	adv     *bluetooth.Advertisement
}

func newTinygoRadio() *tinygoRadio {
	return &tinygoRadio{adapter: bluetooth.DefaultAdapter}
}

func (r *tinygoRadio) Enable() error {
	return r.adapter.Enable()
}

func (r *tinygoRadio) ConfigureAdvertisement(opts bluetooth.AdvertisementOptions) error {
	r.adv = r.adapter.DefaultAdvertisement()
	return r.adv.Configure(opts)
}

func (r *tinygoRadio) StartAdvertisement() error {
	if r.adv == nil {
		return fmt.Errorf("advertisement not configured")
	}
	return r.adv.Start()
}

func (r *tinygoRadio) StopAdvertisement() error {
	if r.adv == nil {
		return nil
	}
	return r.adv.Stop()
}

func (r *tinygoRadio) AddService(svc *gatt.Service) (map[gatt.UUID16]valueWriter, error) {
	handles := make([]bluetooth.Characteristic, len(svc.Characteristics))
	configs := make([]bluetooth.CharacteristicConfig, 0, len(svc.Characteristics))
	for i, c := range svc.Characteristics {
		var flags bluetooth.CharacteristicPermissions
		if c.Properties.Has(gatt.PropRead) {
			flags |= bluetooth.CharacteristicReadPermission
		}
		if c.Properties.Has(gatt.PropNotify) {
			flags |= bluetooth.CharacteristicNotifyPermission
		}
		configs = append(configs, bluetooth.CharacteristicConfig{
			Handle: &handles[i],
			UUID:   bluetooth.New16BitUUID(uint16(c.UUID)),
			Value:  append([]byte(nil), c.Value...),
			Flags:  flags,
		})
	}

	if err := r.adapter.AddService(&bluetooth.Service{
		UUID:            bluetooth.New16BitUUID(uint16(svc.UUID)),
		Characteristics: configs,
	}); err != nil {
		return nil, err
	}

	out := make(map[gatt.UUID16]valueWriter, len(handles))
	for i, c := range svc.Characteristics {
		out[c.UUID] = &handles[i]
	}
	return out, nil
}
