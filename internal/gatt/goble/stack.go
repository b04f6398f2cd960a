// Package goble is a gatt.Stack on top of go-ble. It serves reads from a
// value cache and fans notifications out to every subscribed central.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/wearbeat/internal/gatt"
	"github.com/srg/wearbeat/internal/groutine"
)

// Peripheral is the part of ble.Device the stack drives.
type Peripheral interface {
	SetServices(svcs []*ble.Service) error
	AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error
	Stop() error
}

// DefaultAdvertiseSettle is how long Advertise waits for the device to refuse
// the advertisement before assuming it is running.
const DefaultAdvertiseSettle = 200 * time.Millisecond

type subscriber struct {
	key      uint32
	notifier ble.Notifier
}

// Stack implements gatt.Stack.
type Stack struct {
	dev    Peripheral
	logger *logrus.Logger
	settle time.Duration

	mu        sync.Mutex
	tree      *gatt.Tree
	advCancel context.CancelFunc
	advDone   chan struct{}
	advErr    atomic.Pointer[error] // set when advertising stops on its own
	closed    bool

	values      *hashmap.Map[uint32, []byte]
	subscribers *hashmap.Map[uint64, *subscriber]
	nextSubID   atomic.Uint64
}

var _ gatt.Stack = (*Stack)(nil)

// Open creates a stack on the device returned by DeviceFactory.
func Open(logger *logrus.Logger) (*Stack, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("open BLE device: %w", NormalizeError(err))
	}
	return New(dev, logger), nil
}

// New wraps an already opened device.
func New(dev Peripheral, logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	return &Stack{
		dev:         dev,
		logger:      logger,
		settle:      DefaultAdvertiseSettle,
		values:      hashmap.New[uint32, []byte](),
		subscribers: hashmap.New[uint64, *subscriber](),
	}
}

// SetAdvertiseSettle overrides DefaultAdvertiseSettle.
func (s *Stack) SetAdvertiseSettle(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle = d
}

func attrKey(service, char gatt.UUID16) uint32 {
	return uint32(service)<<16 | uint32(char)
}

// Advertise (re)starts advertising. Only the name and service list reach
// go-ble; it always advertises as connectable and discoverable.
func (s *Stack) Advertise(cfg gatt.AdvertisementConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return gatt.Wrap("advertise", gatt.KindOther, gatt.ErrClosed)
	}
	s.stopAdvertisingLocked()

	if !cfg.Connectable || !cfg.Discoverable {
		s.logger.WithFields(logrus.Fields{
			"connectable":  cfg.Connectable,
			"discoverable": cfg.Discoverable,
		}).Warn("go-ble always advertises connectable and discoverable")
	}

	uuids := make([]ble.UUID, 0, len(cfg.ServiceUUIDs))
	for _, u := range cfg.ServiceUUIDs {
		uuids = append(uuids, ble.UUID16(uint16(u)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	errCh := make(chan error, 1)
	s.advErr.Store(nil)

	groutine.Go(ctx, "ble-advertise", func(ctx context.Context) {
		defer close(done)
		err := s.dev.AdvertiseNameAndServices(ctx, cfg.Name, uuids...)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("advertising stopped")
		}
		err = gatt.Wrap("advertise", gatt.KindTransientRestart, NormalizeError(err))
		s.advErr.Store(&err)
		errCh <- err
	})

	select {
	case err := <-errCh:
		cancel()
		<-done
		return err
	case <-time.After(s.settle):
	}

	s.advCancel = cancel
	s.advDone = done
	s.logger.WithFields(logrus.Fields{
		"name":     cfg.Name,
		"services": cfg.ServiceUUIDs,
	}).Info("Advertising")
	return nil
}

func (s *Stack) stopAdvertisingLocked() {
	if s.advCancel == nil {
		return
	}
	s.advCancel()
	<-s.advDone
	s.advCancel = nil
	s.advDone = nil
}

// DeclareServices replaces the device's services with tree. Values are reset
// to the tree's initial values and existing subscriptions are dropped, since
// centrals must re-subscribe after services change.
func (s *Stack) DeclareServices(tree *gatt.Tree) error {
	if err := tree.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return gatt.Wrap("declare", gatt.KindOther, gatt.ErrClosed)
	}

	svcs := make([]*ble.Service, 0, len(tree.Services()))
	values := make(map[uint32][]byte)
	for _, svc := range tree.Services() {
		bs := ble.NewService(ble.UUID16(uint16(svc.UUID)))
		for _, c := range svc.Characteristics {
			key := attrKey(svc.UUID, c.UUID)
			values[key] = append([]byte(nil), c.Value...)

			bc := bs.NewCharacteristic(ble.UUID16(uint16(c.UUID)))
			if c.Properties.Has(gatt.PropRead) {
				bc.HandleRead(ble.ReadHandlerFunc(s.readHandler(key)))
			}
			if c.Properties.Has(gatt.PropNotify) {
				bc.HandleNotify(ble.NotifyHandlerFunc(s.notifyHandler(key, svc.UUID, c.UUID)))
			}
		}
		svcs = append(svcs, bs)
	}

	if err := s.dev.SetServices(svcs); err != nil {
		return gatt.Wrap("declare", gatt.KindOther, NormalizeError(err))
	}

	s.subscribers.Range(func(id uint64, _ *subscriber) bool {
		s.subscribers.Del(id)
		return true
	})
	for k, v := range values {
		s.values.Set(k, v)
	}
	s.tree = tree

	s.logger.WithField("services", tree.ServiceUUIDs()).Info("Services declared")
	return nil
}

func (s *Stack) readHandler(key uint32) func(ble.Request, ble.ResponseWriter) {
	return func(_ ble.Request, rsp ble.ResponseWriter) {
		v, _ := s.values.Get(key)
		if _, err := rsp.Write(v); err != nil {
			s.logger.WithError(err).Debug("Read response truncated")
		}
	}
}

// notifyHandler runs for the lifetime of one central's subscription.
func (s *Stack) notifyHandler(key uint32, service, char gatt.UUID16) func(ble.Request, ble.Notifier) {
	return func(_ ble.Request, n ble.Notifier) {
		id := s.nextSubID.Add(1)
		s.subscribers.Set(id, &subscriber{key: key, notifier: n})
		log := s.logger.WithFields(logrus.Fields{
			"service":        service.String(),
			"characteristic": char.String(),
			"subscriber":     id,
		})
		log.Info("Central subscribed")

		<-n.Context().Done()
		s.subscribers.Del(id)
		log.Info("Central unsubscribed")
	}
}

// Notify updates the cached value and pushes it to every subscriber of the
// characteristic. A subscriber whose write fails is dropped.
func (s *Stack) Notify(service, char gatt.UUID16, value []byte) error {
	s.mu.Lock()
	tree, closed := s.tree, s.closed
	s.mu.Unlock()

	if closed {
		return gatt.Wrap("notify", gatt.KindOther, gatt.ErrClosed)
	}
	if p := s.advErr.Load(); p != nil {
		return gatt.Wrap("notify", gatt.KindTransientRestart, *p)
	}
	if tree == nil {
		return &gatt.StackError{Kind: gatt.KindTransientRestart, Op: "notify", Err: errors.New("no services declared")}
	}
	c, err := tree.Lookup(service, char)
	if err != nil {
		return gatt.Wrap("notify", gatt.KindInvalidUUID, err)
	}
	if !c.Properties.Has(gatt.PropNotify) {
		return &gatt.StackError{Kind: gatt.KindOther, Op: "notify", Err: fmt.Errorf("characteristic %s is not notifiable", char)}
	}

	key := attrKey(service, char)
	s.values.Set(key, append([]byte(nil), value...))

	s.subscribers.Range(func(id uint64, sub *subscriber) bool {
		if sub.key != key {
			return true
		}
		if _, werr := sub.notifier.Write(value); werr != nil {
			s.subscribers.Del(id)
			werr = NormalizeError(werr)
			s.logger.WithError(werr).WithField("subscriber", id).Warn("Dropping subscriber after failed notification")
			if gatt.Classify(werr).Recoverable() && err == nil {
				err = gatt.Wrap("notify", gatt.Classify(werr), werr)
			}
		}
		return true
	})
	return err
}

// Subscribers counts active subscriptions.
func (s *Stack) Subscribers() int {
	return s.subscribers.Len()
}

// Close stops advertising and releases the device.
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stopAdvertisingLocked()
	if err := s.dev.Stop(); err != nil {
		return gatt.Wrap("close", gatt.KindOther, NormalizeError(err))
	}
	return nil
}

// NormalizeError maps go-ble and HCI error strings onto gatt error kinds.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	var se *gatt.StackError
	if errors.As(err, &se) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "is bluetooth turned on"),
		strings.Contains(msg, "bluetooth is turned off"),
		strings.Contains(msg, "hardware error"):
		return &gatt.StackError{Kind: gatt.KindTransientRestart, Err: err}
	case strings.Contains(msg, "invalid handle"),
		strings.Contains(msg, "attribute not found"):
		return &gatt.StackError{Kind: gatt.KindInvalidUUID, Err: err}
	}
	if kind := gatt.Classify(err); kind != gatt.KindOther {
		return &gatt.StackError{Kind: kind, Err: err}
	}
	return err
}
