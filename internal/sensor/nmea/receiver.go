// Package nmea reads position fixes from a serial GPS receiver that speaks
// NMEA 0183. RMC and GGA sentences are turned into sensor.GPSFix values;
// everything else on the line is ignored.
package nmea

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gonmea "github.com/adrianmo/go-nmea"
	"github.com/jacobsa/go-serial/serial"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/wearbeat/internal/groutine"
	"github.com/srg/wearbeat/internal/sensor"
)

// Options configures the serial port.
type Options struct {
	Port       string `default:"/dev/serial0"`
	Baud       uint   `default:"9600"`
	BufferSize int    `default:"4096"` // bytes buffered between the port and the parser
}

// OpenPort opens the serial device. Tests replace it to feed a pty.
var OpenPort = func(opts serial.OpenOptions) (io.ReadWriteCloser, error) {
	return serial.Open(opts)
}

// Receiver is a sensor.FixStream backed by a serial NMEA receiver.
type Receiver struct {
	opts   Options
	logger *logrus.Logger
}

var _ sensor.FixStream = (*Receiver)(nil)

// NewReceiver creates a receiver. Zero option fields take their defaults.
func NewReceiver(opts Options, logger *logrus.Logger) *Receiver {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	return &Receiver{opts: opts, logger: logger}
}

// StreamFixes opens the port and emits a fix for every RMC and GGA sentence
// until ctx is cancelled.
func (r *Receiver) StreamFixes(ctx context.Context, emit func(sensor.GPSFix)) error {
	port, err := OpenPort(serial.OpenOptions{
		PortName:        r.opts.Port,
		BaudRate:        r.opts.Baud,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	})
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", r.opts.Port, err)
	}
	r.logger.WithFields(logrus.Fields{
		"port": r.opts.Port,
		"baud": r.opts.Baud,
	}).Info("GPS serial port opened")

	return r.Stream(ctx, port, emit)
}

// Stream parses sentences from src until ctx is cancelled or src fails. src
// is closed on return.
func (r *Receiver) Stream(ctx context.Context, src io.ReadCloser, emit func(sensor.GPSFix)) error {
	pipe := ringbuffer.New(r.opts.BufferSize).SetBlocking(true).WithCancel(ctx)

	// Closing the port unblocks the pump's pending Read.
	stop := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer func() {
		if stop() {
			_ = src.Close()
		}
	}()

	groutine.Go(ctx, "nmea-pump", func(ctx context.Context) {
		pump(src, pipe)
	})

	lines := bufio.NewReader(pipe)
	for {
		line, err := lines.ReadString('\n')
		if line != "" {
			if fix, ok := r.parseLine(line); ok {
				emit(fix)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read NMEA stream: %w", err)
		}
	}
}

func pump(src io.Reader, pipe *ringbuffer.RingBuffer) {
	buf := make([]byte, 256)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := pipe.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				pipe.CloseWriter()
			} else {
				pipe.CloseWithError(err)
			}
			return
		}
	}
}

func (r *Receiver) parseLine(line string) (sensor.GPSFix, bool) {
	line = strings.TrimSpace(line)
	idx := strings.IndexByte(line, '$')
	if idx < 0 {
		return sensor.GPSFix{}, false
	}
	line = line[idx:]

	s, err := gonmea.Parse(line)
	if err != nil {
		r.logger.WithError(err).WithField("sentence", line).Debug("Skipping NMEA sentence")
		return sensor.GPSFix{}, false
	}
	return FixFromSentence(s)
}

// FixFromSentence converts an RMC or GGA sentence into a fix. Other sentence
// types report false. A sentence without a lock yields a fix with Fix false
// and no coordinates.
func FixFromSentence(s gonmea.Sentence) (sensor.GPSFix, bool) {
	switch s.DataType() {
	case gonmea.TypeRMC:
		m := s.(gonmea.RMC)
		if m.Validity != gonmea.ValidRMC {
			return sensor.GPSFix{}, true
		}
		return sensor.GPSFix{
			Fix:       true,
			Latitude:  sensor.Float(m.Latitude),
			Longitude: sensor.Float(m.Longitude),
			Speed:     m.Speed,
			Course:    m.Course,
			Time:      fixTime(m.Date, m.Time),
		}, true

	case gonmea.TypeGGA:
		m := s.(gonmea.GGA)
		if m.FixQuality == gonmea.Invalid || m.FixQuality == "" {
			return sensor.GPSFix{Satellites: int(m.NumSatellites)}, true
		}
		return sensor.GPSFix{
			Fix:        true,
			Latitude:   sensor.Float(m.Latitude),
			Longitude:  sensor.Float(m.Longitude),
			Satellites: int(m.NumSatellites),
			HDOP:       m.HDOP,
		}, true
	}
	return sensor.GPSFix{}, false
}

func fixTime(d gonmea.Date, t gonmea.Time) time.Time {
	if !d.Valid || !t.Valid {
		return time.Time{}
	}
	return time.Date(2000+d.YY, time.Month(d.MM), d.DD,
		t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}
