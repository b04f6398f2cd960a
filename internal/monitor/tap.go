// Package monitor mirrors what the publisher sends over the air to local
// observers: a websocket feed of notifications and a small JSON API with the
// latest value of each characteristic.
package monitor

import (
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/wearbeat/internal/gatt"
	"github.com/srg/wearbeat/internal/gattdb"
	"github.com/srg/wearbeat/internal/telemetry"
)

// DefaultHistorySize is the number of undelivered events a Tap keeps.
const DefaultHistorySize = 256

// Event is one successful notification.
type Event struct {
	Time           time.Time `json:"time"`
	Service        string    `json:"service"`
	Characteristic string    `json:"characteristic"`
	Name           string    `json:"name,omitempty"`
	Value          string    `json:"value"` // hex
	Decoded        any       `json:"decoded,omitempty"`
}

// NewEvent describes a notification, decoding the value when the
// characteristic is known.
func NewEvent(service, char gatt.UUID16, value []byte, at time.Time) Event {
	ev := Event{
		Time:           at.UTC(),
		Service:        service.String(),
		Characteristic: char.String(),
		Name:           gattdb.LookupCharacteristic(char.String()),
		Value:          hex.EncodeToString(value),
	}
	if decoded, err := telemetry.DecodeValue(char, value); err == nil {
		ev.Decoded = decoded
	}
	return ev
}

func (e Event) key() string {
	return e.Service + "/" + e.Characteristic
}

// Tap is a gatt.Stack decorator that records every successful Notify.
// Events are queued in an overlapping ring buffer: when no one drains it the
// oldest events are overwritten.
type Tap struct {
	gatt.Stack

	history     mpmc.RichOverlappedRingBuffer[Event]
	signal      chan struct{}
	overwritten atomic.Uint64
	logger      *logrus.Logger
}

// NewTap wraps inner. size <= 0 selects DefaultHistorySize.
func NewTap(inner gatt.Stack, size int, logger *logrus.Logger) *Tap {
	if size <= 0 {
		size = DefaultHistorySize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Tap{
		Stack:   inner,
		history: mpmc.NewOverlappedRingBuffer[Event](uint32(size)),
		signal:  make(chan struct{}, 1),
		logger:  logger,
	}
}

func (t *Tap) Notify(service, char gatt.UUID16, value []byte) error {
	if err := t.Stack.Notify(service, char, value); err != nil {
		return err
	}

	ev := NewEvent(service, char, value, time.Now())
	overwrites, err := t.history.EnqueueM(ev)
	if err != nil {
		t.logger.WithError(err).Debug("monitor: dropping event")
		return nil
	}
	if overwrites > 0 {
		t.overwritten.Add(uint64(overwrites))
	}

	select {
	case t.signal <- struct{}{}:
	default:
	}
	return nil
}

// Signal fires after events were queued.
func (t *Tap) Signal() <-chan struct{} {
	return t.signal
}

// Drain hands every queued event to fn, oldest first, and returns how many
// were delivered.
func (t *Tap) Drain(fn func(Event)) int {
	n := 0
	for !t.history.IsEmpty() {
		ev, err := t.history.Dequeue()
		if err != nil {
			break
		}
		fn(ev)
		n++
	}
	return n
}

// Overwritten counts events lost because nobody drained them in time.
func (t *Tap) Overwritten() uint64 {
	return t.overwritten.Load()
}
