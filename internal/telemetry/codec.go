package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/srg/wearbeat/internal/gatt"
)

// Heart Rate Measurement (0x2A37) flags.
const (
	hrFlagUint16         = 0x01
	hrFlagContactStatus  = 0x06 // sensor contact supported and detected
	hrFlagEnergyExpended = 0x08
	hrFlagRRInterval     = 0x10
)

// Location and Speed (0x2A67) flags.
const (
	locFlagSpeed    = 0x0001
	locFlagDistance = 0x0002
	locFlagLocation = 0x0004
)

const (
	// LocationValueLength is the size of the Location and Speed value we publish.
	LocationValueLength = 14

	// HeartRateFlags marks uint8 BPM with sensor contact detected.
	HeartRateFlags = hrFlagContactStatus

	// LocationFlags marks the location field as present.
	LocationFlags = locFlagLocation

	coordinateScale = 1e7
)

var (
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrShortValue        = errors.New("value too short")
)

// EncodeHeartRate builds the Heart Rate Measurement value.
func EncodeHeartRate(bpm uint8) []byte {
	return []byte{HeartRateFlags, bpm}
}

// EncodeLocation builds the Location and Speed value: flags, then latitude and
// longitude as little-endian int32 in units of 1e-7 degrees at offsets 2 and 6.
// Remaining bytes stay zero.
func EncodeLocation(lat, lon float64) ([]byte, error) {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return nil, fmt.Errorf("%w: latitude %v", ErrInvalidCoordinate, lat)
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("%w: longitude %v", ErrInvalidCoordinate, lon)
	}

	buf := make([]byte, LocationValueLength)
	buf[0] = LocationFlags
	binary.LittleEndian.PutUint32(buf[2:6], uint32(scaleCoordinate(lat)))
	binary.LittleEndian.PutUint32(buf[6:10], uint32(scaleCoordinate(lon)))
	return buf, nil
}

// scaleCoordinate converts degrees to 1e-7 degree units, rounding half away from zero.
func scaleCoordinate(deg float64) int32 {
	return int32(math.Round(deg * coordinateScale))
}

// HeartRateValue is a decoded 0x2A37 value.
type HeartRateValue struct {
	Flags          uint8    `json:"flags"`
	BPM            uint16   `json:"bpm"`
	ContactStatus  string   `json:"contact_status"`
	EnergyExpended *uint16  `json:"energy_expended,omitempty"`
	RRIntervals    []uint16 `json:"rr_intervals,omitempty"` // 1/1024 s units
}

// DecodeHeartRate parses a Heart Rate Measurement value in either the uint8 or
// uint16 BPM format.
func DecodeHeartRate(b []byte) (HeartRateValue, error) {
	var m HeartRateValue
	if len(b) < 2 {
		return m, fmt.Errorf("%w: heart rate measurement needs 2 bytes, got %d", ErrShortValue, len(b))
	}
	m.Flags = b[0]
	var off int
	if m.Flags&hrFlagUint16 != 0 {
		if len(b) < 3 {
			return m, fmt.Errorf("%w: uint16 heart rate needs 3 bytes, got %d", ErrShortValue, len(b))
		}
		m.BPM = binary.LittleEndian.Uint16(b[1:3])
		off = 3
	} else {
		m.BPM = uint16(b[1])
		off = 2
	}

	switch (m.Flags >> 1) & 0x03 {
	case 0x02:
		m.ContactStatus = "not detected"
	case 0x03:
		m.ContactStatus = "detected"
	default:
		m.ContactStatus = "not supported"
	}

	if m.Flags&hrFlagEnergyExpended != 0 {
		if len(b) < off+2 {
			return m, fmt.Errorf("%w: energy expended field truncated", ErrShortValue)
		}
		e := binary.LittleEndian.Uint16(b[off : off+2])
		m.EnergyExpended = &e
		off += 2
	}
	if m.Flags&hrFlagRRInterval != 0 {
		for ; off+2 <= len(b); off += 2 {
			m.RRIntervals = append(m.RRIntervals, binary.LittleEndian.Uint16(b[off:off+2]))
		}
	}
	return m, nil
}

// LocationValue is a decoded 0x2A67 value. Only the fields we publish are decoded;
// speed and total distance are skipped when flagged.
type LocationValue struct {
	Flags     uint16   `json:"flags"`
	Latitude  *float64 `json:"lat,omitempty"`
	Longitude *float64 `json:"lon,omitempty"`
}

// DecodeLocation parses a Location and Speed value.
func DecodeLocation(b []byte) (LocationValue, error) {
	var l LocationValue
	if len(b) < 2 {
		return l, fmt.Errorf("%w: location and speed needs 2 bytes, got %d", ErrShortValue, len(b))
	}
	l.Flags = binary.LittleEndian.Uint16(b[0:2])
	off := 2
	if l.Flags&locFlagSpeed != 0 {
		off += 2
	}
	if l.Flags&locFlagDistance != 0 {
		off += 3
	}
	if l.Flags&locFlagLocation != 0 {
		if len(b) < off+8 {
			return l, fmt.Errorf("%w: location field truncated", ErrShortValue)
		}
		lat := float64(int32(binary.LittleEndian.Uint32(b[off:off+4]))) / coordinateScale
		lon := float64(int32(binary.LittleEndian.Uint32(b[off+4:off+8]))) / coordinateScale
		l.Latitude = &lat
		l.Longitude = &lon
	}
	return l, nil
}

// BodySensorValue is a decoded 0x2A38 value.
type BodySensorValue struct {
	Location uint8 `json:"location"`
}

// ErrUnknownCharacteristic is returned by DecodeValue for characteristics it
// has no decoder for.
var ErrUnknownCharacteristic = errors.New("no decoder for characteristic")

// DecodeValue decodes a value of one of the published characteristics.
func DecodeValue(char gatt.UUID16, b []byte) (any, error) {
	switch char {
	case HeartRateMeasurement:
		return DecodeHeartRate(b)
	case LocationAndSpeed:
		return DecodeLocation(b)
	case BodySensorLocation:
		if len(b) < 1 {
			return BodySensorValue{}, fmt.Errorf("%w: body sensor location needs 1 byte", ErrShortValue)
		}
		return BodySensorValue{Location: b[0]}, nil
	}
	return nil, fmt.Errorf("%w %s", ErrUnknownCharacteristic, char)
}
