package telemetry

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearbeat/internal/gatt"
	"github.com/srg/wearbeat/internal/sensor"
)

// DefaultMinConfidence is the lowest heart-rate confidence that gets published.
const DefaultMinConfidence = 50

// Reading is one publish request: an optional heart-rate sample and optional
// coordinates. Each part is published independently.
type Reading struct {
	HeartRate *sensor.HeartRateSample
	Latitude  *float64
	Longitude *float64
}

// ErrorSink receives stack errors raised while publishing.
type ErrorSink interface {
	HandleError(err error)
}

// PublishResult reports what a single Publish call pushed to the stack.
type PublishResult struct {
	HeartRate bool
	Location  bool
	Failed    int
}

// Publisher encodes readings and pushes them to the stack.
type Publisher struct {
	stack         gatt.Stack
	errors        ErrorSink
	minConfidence uint8
	logger        *logrus.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithMinConfidence overrides DefaultMinConfidence.
func WithMinConfidence(c uint8) PublisherOption {
	return func(p *Publisher) {
		p.minConfidence = c
	}
}

func NewPublisher(stack gatt.Stack, sink ErrorSink, logger *logrus.Logger, opts ...PublisherOption) *Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	p := &Publisher{
		stack:         stack,
		errors:        sink,
		minConfidence: DefaultMinConfidence,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish pushes the heart-rate and location parts of r that qualify.
//
// Heart rate is skipped when absent or below the confidence threshold.
// Location is skipped unless both coordinates are present and encodable.
// Both updates are always attempted; the first stack failure is handed to the
// error sink and any later one in the same call is only logged.
func (p *Publisher) Publish(r Reading) PublishResult {
	var res PublishResult
	var first error

	fail := func(err error) {
		res.Failed++
		if first == nil {
			first = err
			return
		}
		p.logger.WithError(err).Warn("Additional publish failure in the same update")
	}

	if hr := r.HeartRate; hr != nil && hr.Confidence >= p.minConfidence {
		if err := p.stack.Notify(HeartRateService, HeartRateMeasurement, EncodeHeartRate(hr.BPM)); err != nil {
			fail(fmt.Errorf("publish heart rate: %w", err))
		} else {
			res.HeartRate = true
		}
	} else if hr != nil {
		p.logger.WithFields(logrus.Fields{
			"bpm":        hr.BPM,
			"confidence": hr.Confidence,
		}).Debug("Heart rate below confidence threshold, skipped")
	}

	if r.Latitude != nil && r.Longitude != nil {
		value, err := EncodeLocation(*r.Latitude, *r.Longitude)
		if err != nil {
			p.logger.WithError(err).Warn("Location not published")
		} else if err := p.stack.Notify(LocationNavigationService, LocationAndSpeed, value); err != nil {
			fail(fmt.Errorf("publish location: %w", err))
		} else {
			res.Location = true
		}
	}

	if first != nil && p.errors != nil {
		p.errors.HandleError(first)
	}
	return res
}
