// Package sensor defines the events produced by the wearable's GPS receiver
// and heart-rate monitor, and the interfaces their drivers implement.
//
// Drivers live in sub-packages: nmea (serial GPS), broker (MQTT feed),
// script (Lua simulator) and gpio (GPS power line).
package sensor

import (
	"context"
	"time"
)

// HeartRateSample is a single reading from the heart-rate monitor.
type HeartRateSample struct {
	BPM        uint8 `json:"bpm"`
	Confidence uint8 `json:"confidence"` // 0-100
}

// GPSFix is a position report. Latitude and Longitude are nil when the
// receiver did not report them. Fix is true when the receiver has a lock.
type GPSFix struct {
	Fix        bool      `json:"fix"`
	Latitude   *float64  `json:"lat,omitempty"`
	Longitude  *float64  `json:"lon,omitempty"`
	Satellites int       `json:"satellites,omitempty"`
	HDOP       float64   `json:"hdop,omitempty"`
	Speed      float64   `json:"speed,omitempty"`  // knots
	Course     float64   `json:"course,omitempty"` // degrees
	Time       time.Time `json:"time,omitempty"`
}

// Locked reports whether the fix carries a lock.
func (f GPSFix) Locked() bool {
	return f.Fix
}

// FixStream delivers GPS fixes until ctx is cancelled or the source fails.
// Stream returns nil on cancellation.
type FixStream interface {
	StreamFixes(ctx context.Context, emit func(GPSFix)) error
}

// SampleStream delivers heart-rate samples until ctx is cancelled or the
// source fails. Stream returns nil on cancellation.
type SampleStream interface {
	StreamSamples(ctx context.Context, emit func(HeartRateSample)) error
}

// PowerSwitch toggles power to a sensor.
type PowerSwitch interface {
	SetPower(on bool) error
}

// NoPower is a PowerSwitch for receivers that are always powered.
type NoPower struct{}

func (NoPower) SetPower(bool) error { return nil }

// Sink receives events from a Feed. Implementations must not block.
type Sink interface {
	Fix(GPSFix)
	Sample(HeartRateSample)
}

// Feed is a running driver that produces fixes, samples or both.
type Feed interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// FixFeed adapts a FixStream to a Feed.
func FixFeed(name string, s FixStream) Feed {
	return &streamFeed{name: name, run: func(ctx context.Context, sink Sink) error {
		return s.StreamFixes(ctx, sink.Fix)
	}}
}

// SampleFeed adapts a SampleStream to a Feed.
func SampleFeed(name string, s SampleStream) Feed {
	return &streamFeed{name: name, run: func(ctx context.Context, sink Sink) error {
		return s.StreamSamples(ctx, sink.Sample)
	}}
}

type streamFeed struct {
	name string
	run  func(ctx context.Context, sink Sink) error
}

func (f *streamFeed) Name() string { return f.name }

func (f *streamFeed) Run(ctx context.Context, sink Sink) error { return f.run(ctx, sink) }

// Float returns a pointer to v. Handy for building fixes.
func Float(v float64) *float64 {
	return &v
}
