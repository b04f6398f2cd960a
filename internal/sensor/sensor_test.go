package sensor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	fixes   []GPSFix
	samples []HeartRateSample
}

func (r *recordingSink) Fix(f GPSFix)             { r.fixes = append(r.fixes, f) }
func (r *recordingSink) Sample(s HeartRateSample) { r.samples = append(r.samples, s) }

type fixList []GPSFix

func (l fixList) StreamFixes(ctx context.Context, emit func(GPSFix)) error {
	for _, f := range l {
		emit(f)
	}
	return nil
}

type sampleList []HeartRateSample

func (l sampleList) StreamSamples(ctx context.Context, emit func(HeartRateSample)) error {
	for _, s := range l {
		emit(s)
	}
	return nil
}

func TestFeedAdapters(t *testing.T) {
	sink := &recordingSink{}

	fixes := FixFeed("gps", fixList{{Fix: true, Latitude: Float(1), Longitude: Float(2)}})
	samples := SampleFeed("hrm", sampleList{{BPM: 70, Confidence: 90}, {BPM: 71, Confidence: 20}})

	assert.Equal(t, "gps", fixes.Name())
	assert.Equal(t, "hrm", samples.Name())
	require.NoError(t, fixes.Run(context.Background(), sink))
	require.NoError(t, samples.Run(context.Background(), sink))

	require.Len(t, sink.fixes, 1)
	assert.True(t, sink.fixes[0].Locked())
	assert.Equal(t, 1.0, *sink.fixes[0].Latitude)
	assert.Equal(t, []HeartRateSample{{BPM: 70, Confidence: 90}, {BPM: 71, Confidence: 20}}, sink.samples)
}

func TestNoPower(t *testing.T) {
	var p PowerSwitch = NoPower{}
	assert.NoError(t, p.SetPower(true))
	assert.NoError(t, p.SetPower(false))
}
