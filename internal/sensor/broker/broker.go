// Package broker subscribes to sensor readings published on an MQTT broker.
// Heart-rate samples and GPS fixes arrive as JSON on separate topics.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/wearbeat/internal/sensor"
)

// Options configures the broker connection.
type Options struct {
	Broker         string        `default:"tcp://localhost:1883"`
	ClientID       string        // generated when empty
	HRMTopic       string        `default:"wearbeat/hrm"`
	GPSTopic       string        `default:"inertial/gps"`
	ConnectTimeout time.Duration `default:"10s"`
}

// NewMQTTClient builds the paho client. Tests replace it.
var NewMQTTClient = mqtt.NewClient

// ErrConnectTimeout is returned when the broker does not answer in time.
var ErrConnectTimeout = errors.New("mqtt connect timed out")

// Client streams samples and fixes from MQTT topics.
type Client struct {
	opts   Options
	logger *logrus.Logger
}

var (
	_ sensor.FixStream    = (*Client)(nil)
	_ sensor.SampleStream = (*Client)(nil)
)

func NewClient(opts Options, logger *logrus.Logger) *Client {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{opts: opts, logger: logger}
}

// StreamSamples subscribes to the heart-rate topic until ctx is cancelled.
func (c *Client) StreamSamples(ctx context.Context, emit func(sensor.HeartRateSample)) error {
	return c.subscribe(ctx, "hrm", c.opts.HRMTopic, func(payload []byte) error {
		s, err := ParseSample(payload)
		if err != nil {
			return err
		}
		emit(s)
		return nil
	})
}

// StreamFixes subscribes to the GPS topic until ctx is cancelled.
func (c *Client) StreamFixes(ctx context.Context, emit func(sensor.GPSFix)) error {
	return c.subscribe(ctx, "gps", c.opts.GPSTopic, func(payload []byte) error {
		f, err := ParseFix(payload)
		if err != nil {
			return err
		}
		emit(f)
		return nil
	})
}

func (c *Client) clientID(role string) string {
	if c.opts.ClientID != "" {
		return c.opts.ClientID + "-" + role
	}
	return fmt.Sprintf("wearbeat-%s-%s", role, uuid.NewString()[:8])
}

// subscribe connects and subscribes to topic from the on-connect handler, so
// every automatic reconnect subscribes again on a clean session.
func (c *Client) subscribe(ctx context.Context, role, topic string, handle func([]byte) error) error {
	log := c.logger.WithFields(logrus.Fields{
		"broker": c.opts.Broker,
		"topic":  topic,
	})
	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		if err := handle(msg.Payload()); err != nil {
			log.WithError(err).Warn("Dropping malformed message")
		}
	}

	var connects atomic.Int32
	subscribed := make(chan error, 1)
	opts := mqtt.NewClientOptions().
		AddBroker(c.opts.Broker).
		SetClientID(c.clientID(role)).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(client mqtt.Client) {
			err := wait(client.Subscribe(topic, 0, onMessage), c.opts.ConnectTimeout)
			if connects.Add(1) == 1 {
				subscribed <- err
				return
			}
			if err != nil {
				log.WithError(err).Error("Subscribe after reconnect failed")
				return
			}
			log.Info("Reconnected to MQTT broker")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("Lost connection to MQTT broker")
		})

	client := NewMQTTClient(opts)
	if err := wait(client.Connect(), c.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("connect to %s: %w", c.opts.Broker, err)
	}
	defer client.Disconnect(250)
	log.Info("Connected to MQTT broker")

	select {
	case err := <-subscribed:
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	case <-time.After(c.opts.ConnectTimeout):
		return fmt.Errorf("subscribe %s: %w", topic, ErrConnectTimeout)
	case <-ctx.Done():
	}

	<-ctx.Done()
	_ = wait(client.Unsubscribe(topic), time.Second)
	log.Debug("Unsubscribed")
	return nil
}

func wait(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return ErrConnectTimeout
	}
	return token.Error()
}

type samplePayload struct {
	BPM        *int `json:"bpm"`
	Confidence *int `json:"confidence"`
}

// ParseSample decodes {"bpm": 72, "confidence": 95}. Both fields are required.
func ParseSample(payload []byte) (sensor.HeartRateSample, error) {
	var p samplePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return sensor.HeartRateSample{}, fmt.Errorf("decode heart-rate sample: %w", err)
	}
	if p.BPM == nil {
		return sensor.HeartRateSample{}, errors.New("heart-rate sample has no bpm")
	}
	if *p.BPM < 0 || *p.BPM > 255 {
		return sensor.HeartRateSample{}, fmt.Errorf("bpm %d out of range 0-255", *p.BPM)
	}
	if p.Confidence == nil {
		return sensor.HeartRateSample{}, errors.New("heart-rate sample has no confidence")
	}
	conf := *p.Confidence
	if conf < 0 || conf > 100 {
		return sensor.HeartRateSample{}, fmt.Errorf("confidence %d out of range 0-100", conf)
	}
	return sensor.HeartRateSample{BPM: uint8(*p.BPM), Confidence: uint8(conf)}, nil
}

// fixPayload accepts both the native fix format and the NMEA producer format
// ("validity": "A" for a valid fix, "speed_knots", "course_deg").
type fixPayload struct {
	Fix        *bool    `json:"fix"`
	Validity   string   `json:"validity"`
	Latitude   *float64 `json:"lat"`
	Longitude  *float64 `json:"lon"`
	Satellites int      `json:"satellites"`
	HDOP       float64  `json:"hdop"`
	Speed      float64  `json:"speed"`
	Course     float64  `json:"course"`
	SpeedKnots float64  `json:"speed_knots"`
	CourseDeg  float64  `json:"course_deg"`
}

// ParseFix decodes a GPS fix message.
func ParseFix(payload []byte) (sensor.GPSFix, error) {
	var p fixPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return sensor.GPSFix{}, fmt.Errorf("decode GPS fix: %w", err)
	}

	var locked bool
	switch {
	case p.Fix != nil:
		locked = *p.Fix
	case p.Validity != "":
		locked = p.Validity == "A"
	default:
		return sensor.GPSFix{}, errors.New("GPS fix has neither fix nor validity")
	}

	f := sensor.GPSFix{
		Fix:        locked,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
		Satellites: p.Satellites,
		HDOP:       p.HDOP,
		Speed:      p.Speed,
		Course:     p.Course,
	}
	if p.SpeedKnots != 0 {
		f.Speed = p.SpeedKnots
	}
	if p.CourseDeg != 0 {
		f.Course = p.CourseDeg
	}
	return f, nil
}
