// Package router wires sensor feeds to the telemetry publisher.
//
// Every feed runs in its own named goroutine and pushes events into one
// bounded ring channel, so events keep their arrival order. A single loop
// goroutine drains it; listener state and all publisher calls are confined to
// that goroutine.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearbeat/internal/groutine"
	"github.com/srg/wearbeat/internal/ringchan"
	"github.com/srg/wearbeat/internal/sensor"
	"github.com/srg/wearbeat/internal/telemetry"
)

// ListenerMode selects how heart-rate listeners are installed on GPS fixes.
type ListenerMode string

const (
	// ListenerAccumulate installs one more listener, bound to that fix, on
	// every locked fix. Each sample is published once per installed listener.
	ListenerAccumulate ListenerMode = "accumulate"

	// ListenerSingle installs a single listener on the first locked fix and
	// publishes every sample with the most recent locked fix.
	ListenerSingle ListenerMode = "single"
)

// ParseListenerMode accepts "accumulate", "single" or "" (accumulate).
func ParseListenerMode(s string) (ListenerMode, error) {
	switch ListenerMode(s) {
	case "", ListenerAccumulate:
		return ListenerAccumulate, nil
	case ListenerSingle:
		return ListenerSingle, nil
	default:
		return "", fmt.Errorf("unknown listener mode %q (must be accumulate or single)", s)
	}
}

const DefaultQueueSize = 64

// Options tune the router.
type Options struct {
	ListenerMode ListenerMode
	MaxListeners int // accumulate mode only; 0 means unbounded
	QueueSize    int
}

// Publisher is the part of telemetry.Publisher the router needs.
type Publisher interface {
	Publish(r telemetry.Reading) telemetry.PublishResult
}

// Stats counts router activity.
type Stats struct {
	Fixes          int64            `json:"fixes"`
	LockedFixes    int64            `json:"locked_fixes"`
	Samples        int64            `json:"samples"`
	DroppedSamples int64            `json:"dropped_samples"` // arrived before any listener
	Publishes      int64            `json:"publishes"`
	Listeners      int64            `json:"listeners"`
	Queue          ringchan.Metrics `json:"queue"`
}

// event carries exactly one of fix or sample.
type event struct {
	fix    *sensor.GPSFix
	sample *sensor.HeartRateSample
}

type listener struct {
	fix sensor.GPSFix
}

// Router is the composition root of the publisher.
type Router struct {
	registrar telemetry.ServiceRegistrar
	publisher Publisher
	power     sensor.PowerSwitch
	feeds     []sensor.Feed
	opts      Options
	logger    *logrus.Logger

	// loop goroutine only
	listeners []*listener

	fixes          int64
	lockedFixes    int64
	samples        int64
	droppedSamples int64
	publishes      int64
	listenerCount  int64

	queueMu sync.Mutex
	queue   *ringchan.RingChannel[event]
}

func New(registrar telemetry.ServiceRegistrar, publisher Publisher, power sensor.PowerSwitch, feeds []sensor.Feed, opts Options, logger *logrus.Logger) *Router {
	if logger == nil {
		logger = logrus.New()
	}
	if power == nil {
		power = sensor.NoPower{}
	}
	if opts.ListenerMode == "" {
		opts.ListenerMode = ListenerAccumulate
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Router{
		registrar: registrar,
		publisher: publisher,
		power:     power,
		feeds:     feeds,
		opts:      opts,
		logger:    logger,
	}
}

// Run registers services, powers the GPS receiver and routes events until ctx
// is cancelled, a feed fails, or every feed has finished. Cancellation is not
// an error. A failed startup registration is returned as is.
func (r *Router) Run(ctx context.Context) error {
	if err := r.registrar.RegisterServices(); err != nil {
		return fmt.Errorf("register services: %w", err)
	}

	if err := r.power.SetPower(true); err != nil {
		return fmt.Errorf("power on GPS: %w", err)
	}
	defer func() {
		if err := r.power.SetPower(false); err != nil {
			r.logger.WithError(err).Warn("Failed to power off GPS")
		}
	}()

	queue := ringchan.New[event](r.opts.QueueSize)
	r.queueMu.Lock()
	r.queue = queue
	r.queueMu.Unlock()

	sink := &queueSink{queue: queue, logger: r.logger}

	g, _ := groutine.NewGroup(ctx)
	var feeds sync.WaitGroup
	for _, f := range r.feeds {
		feed := f
		feeds.Add(1)
		g.Go(feed.Name(), func(ctx context.Context) error {
			defer feeds.Done()
			log := r.logger.WithField("feed", groutine.Name(ctx))
			log.Debug("Feed started")
			err := feed.Run(ctx, sink)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Debug("Feed finished")
			return nil
		})
	}
	g.Go("feed-closer", func(context.Context) error {
		feeds.Wait()
		queue.Close()
		return nil
	})
	g.Go("router-loop", func(ctx context.Context) error {
		r.loop(ctx, queue)
		return nil
	})

	r.logger.WithFields(logrus.Fields{
		"feeds":         len(r.feeds),
		"listener_mode": r.opts.ListenerMode,
	}).Info("Router started")

	err := g.Wait()
	r.logger.WithField("stats", r.Stats()).Info("Router stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Router) loop(ctx context.Context, queue *ringchan.RingChannel[event]) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-queue.C():
			if !ok {
				return
			}
			switch {
			case ev.fix != nil:
				r.onFix(*ev.fix)
			case ev.sample != nil:
				r.onSample(*ev.sample)
			}
			queue.MarkProcessed()
		}
	}
}

func (r *Router) onFix(fix sensor.GPSFix) {
	atomic.AddInt64(&r.fixes, 1)
	if !fix.Locked() {
		return
	}
	atomic.AddInt64(&r.lockedFixes, 1)

	switch r.opts.ListenerMode {
	case ListenerSingle:
		if len(r.listeners) == 0 {
			r.listeners = append(r.listeners, &listener{})
			r.logger.Debug("Heart-rate listener installed")
		}
		r.listeners[0].fix = fix
	default:
		if r.opts.MaxListeners > 0 && len(r.listeners) >= r.opts.MaxListeners {
			r.listeners = r.listeners[1:]
		}
		r.listeners = append(r.listeners, &listener{fix: fix})
		r.logger.WithField("listeners", len(r.listeners)).Debug("Heart-rate listener installed")
	}
	atomic.StoreInt64(&r.listenerCount, int64(len(r.listeners)))
}

func (r *Router) onSample(sample sensor.HeartRateSample) {
	atomic.AddInt64(&r.samples, 1)
	if len(r.listeners) == 0 {
		atomic.AddInt64(&r.droppedSamples, 1)
		return
	}
	for _, l := range r.listeners {
		s := sample
		r.publisher.Publish(telemetry.Reading{
			HeartRate: &s,
			Latitude:  l.fix.Latitude,
			Longitude: l.fix.Longitude,
		})
		atomic.AddInt64(&r.publishes, 1)
	}
}

// Stats returns a snapshot of the counters. Safe to call from any goroutine.
func (r *Router) Stats() Stats {
	st := Stats{
		Fixes:          atomic.LoadInt64(&r.fixes),
		LockedFixes:    atomic.LoadInt64(&r.lockedFixes),
		Samples:        atomic.LoadInt64(&r.samples),
		DroppedSamples: atomic.LoadInt64(&r.droppedSamples),
		Publishes:      atomic.LoadInt64(&r.publishes),
		Listeners:      atomic.LoadInt64(&r.listenerCount),
	}
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	if r.queue != nil {
		st.Queue = r.queue.Metrics()
	}
	return st
}

type queueSink struct {
	queue  *ringchan.RingChannel[event]
	logger *logrus.Logger
}

func (q *queueSink) Fix(f sensor.GPSFix) {
	if q.queue.Send(event{fix: &f}) {
		q.logger.Debug("Event queue full, oldest event dropped")
	}
}

func (q *queueSink) Sample(s sensor.HeartRateSample) {
	if q.queue.Send(event{sample: &s}) {
		q.logger.Debug("Event queue full, oldest event dropped")
	}
}
