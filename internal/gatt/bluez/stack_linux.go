//go:build linux

// Package bluez is a gatt.Stack on the BlueZ D-Bus API through
// tinygo.org/x/bluetooth.
//
// BlueZ keeps services registered for the lifetime of the process and the
// library has no way to remove one. DeclareServices therefore registers each
// service once and, when called again with the same tree, reuses the
// existing handles and rewrites their values. When bluetoothd restarts, the
// registrations are gone: a restart or stale-object error from the radio
// drops every handle and the advertisement, and the next Advertise and
// DeclareServices enable the adapter and register everything again.
package bluez

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearbeat/internal/gatt"
	"tinygo.org/x/bluetooth"
)

// Stack implements gatt.Stack.
type Stack struct {
	radio  radio
	logger *logrus.Logger

	mu         sync.Mutex
	advertised *gatt.AdvertisementConfig
	tree       *gatt.Tree
	handles    map[gatt.UUID16]map[gatt.UUID16]valueWriter
	stale      bool
	closed     bool
}

var _ gatt.Stack = (*Stack)(nil)

// Open enables the default adapter.
func Open(logger *logrus.Logger) (gatt.Stack, error) {
	st, err := open(newTinygoRadio(), logger)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func open(r radio, logger *logrus.Logger) (*Stack, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := r.Enable(); err != nil {
		return nil, fmt.Errorf("enable BLE adapter: %w", normalize(err))
	}
	return &Stack{
		radio:   r,
		logger:  logger,
		handles: make(map[gatt.UUID16]map[gatt.UUID16]valueWriter),
	}, nil
}

// Advertise configures the advertisement on first use and restarts it on
// later calls. BlueZ cannot reconfigure an advertisement, so the name and
// service list must not change.
func (s *Stack) Advertise(cfg gatt.AdvertisementConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return gatt.Wrap("advertise", gatt.KindOther, gatt.ErrClosed)
	}

	if s.stale {
		if err := s.radio.Enable(); err != nil {
			return s.radioError("advertise", err)
		}
		s.stale = false
		s.logger.Info("BLE adapter re-enabled")
	}

	if s.advertised == nil {
		uuids := make([]bluetooth.UUID, 0, len(cfg.ServiceUUIDs))
		for _, u := range cfg.ServiceUUIDs {
			uuids = append(uuids, bluetooth.New16BitUUID(uint16(u)))
		}
		if err := s.radio.ConfigureAdvertisement(bluetooth.AdvertisementOptions{
			LocalName:    cfg.Name,
			ServiceUUIDs: uuids,
		}); err != nil {
			return s.radioError("advertise", err)
		}
	} else {
		if s.advertised.Name != cfg.Name || !slices.Equal(s.advertised.ServiceUUIDs, cfg.ServiceUUIDs) {
			return &gatt.StackError{Kind: gatt.KindOther, Op: "advertise", Err: errors.New("advertisement cannot be reconfigured")}
		}
		if err := s.radio.StopAdvertisement(); err != nil {
			s.logger.WithError(err).Debug("Stopping advertisement before restart failed")
		}
	}

	if err := s.radio.StartAdvertisement(); err != nil {
		return s.radioError("advertise", err)
	}

	adv := cfg
	adv.ServiceUUIDs = slices.Clone(cfg.ServiceUUIDs)
	s.advertised = &adv
	s.logger.WithFields(logrus.Fields{
		"name":     cfg.Name,
		"services": cfg.ServiceUUIDs,
	}).Info("Advertising")
	return nil
}

// DeclareServices registers services not seen before and resets the values
// of those already registered.
func (s *Stack) DeclareServices(tree *gatt.Tree) error {
	if err := tree.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return gatt.Wrap("declare", gatt.KindOther, gatt.ErrClosed)
	}
	if s.stale {
		return &gatt.StackError{Kind: gatt.KindTransientRestart, Op: "declare", Err: errors.New("adapter not re-enabled, advertise first")}
	}

	for _, svc := range tree.Services() {
		handles, ok := s.handles[svc.UUID]
		if !ok {
			h, err := s.radio.AddService(svc)
			if err != nil {
				return s.radioError("declare", err)
			}
			s.handles[svc.UUID] = h
			continue
		}
		for _, c := range svc.Characteristics {
			w, ok := handles[c.UUID]
			if !ok {
				return &gatt.StackError{Kind: gatt.KindOther, Op: "declare",
					Err: fmt.Errorf("service %s is registered without characteristic %s", svc.UUID, c.UUID)}
			}
			if _, err := w.Write(c.Value); err != nil {
				return s.radioError("declare", err)
			}
		}
	}
	s.tree = tree
	s.logger.WithField("services", tree.ServiceUUIDs()).Info("Services declared")
	return nil
}

// Notify writes the value through the characteristic's handle. BlueZ
// notifies subscribed centrals.
func (s *Stack) Notify(service, char gatt.UUID16, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return gatt.Wrap("notify", gatt.KindOther, gatt.ErrClosed)
	}
	if s.tree == nil {
		return &gatt.StackError{Kind: gatt.KindTransientRestart, Op: "notify", Err: errors.New("no services declared")}
	}
	c, err := s.tree.Lookup(service, char)
	if err != nil {
		return gatt.Wrap("notify", gatt.KindInvalidUUID, err)
	}
	if !c.Properties.Has(gatt.PropNotify) {
		return &gatt.StackError{Kind: gatt.KindOther, Op: "notify", Err: fmt.Errorf("characteristic %s is not notifiable", char)}
	}
	w := s.handles[service][char]
	if w == nil {
		return &gatt.StackError{Kind: gatt.KindInvalidUUID, Op: "notify", Err: fmt.Errorf("no handle for %s/%s", service, char)}
	}
	if _, err := w.Write(value); err != nil {
		return s.radioError("notify", err)
	}
	return nil
}

// radioError normalizes an error from the radio. Restart and stale-object
// errors mean BlueZ no longer holds our registrations, so the cached
// handles and advertisement are dropped. Callers hold s.mu.
func (s *Stack) radioError(op string, err error) error {
	err = normalize(err)
	kind := gatt.KindOf(err)
	if kind.Recoverable() {
		s.forget()
	}
	return gatt.Wrap(op, kind, err)
}

func (s *Stack) forget() {
	if s.stale {
		return
	}
	s.stale = true
	s.advertised = nil
	s.tree = nil
	s.handles = make(map[gatt.UUID16]map[gatt.UUID16]valueWriter)
	s.logger.Warn("BlueZ registrations lost, services will be registered again")
}

// Close stops advertising. Registered services stay with BlueZ until the
// process exits.
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.advertised != nil {
		if err := s.radio.StopAdvertisement(); err != nil {
			return gatt.Wrap("close", gatt.KindOther, normalize(err))
		}
	}
	return nil
}

// normalize maps D-Bus errors from BlueZ onto gatt error kinds.
func normalize(err error) error {
	if err == nil {
		return nil
	}
	var se *gatt.StackError
	if errors.As(err, &se) {
		return err
	}
	if kind := classifyDBus(err.Error()); kind != gatt.KindOther {
		return &gatt.StackError{Kind: kind, Err: err}
	}
	if kind := gatt.Classify(err); kind != gatt.KindOther {
		return &gatt.StackError{Kind: kind, Err: err}
	}
	return err
}
