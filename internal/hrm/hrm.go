// Package hrm decodes Heart Rate Measurement notifications.
package hrm

import (
	"codeberg.org/mutker/rowstate/internal/errors"
	"codeberg.org/mutker/rowstate/internal/wire"
)

const (
	ErrTruncatedFrame = errors.ErrorCode("hrm_truncated_frame")
)

const (
	FlagValueUint16      uint8 = 1 << 0
	FlagContactDetected  uint8 = 1 << 1
	FlagContactSupported uint8 = 1 << 2
	FlagEnergyExpended   uint8 = 1 << 3
	FlagRRIntervals      uint8 = 1 << 4
)

// Measurement is one heart-rate notification, presented whole.
type Measurement struct {
	HeartRate       uint16   `json:"heartRate"`
	ContactDetected bool     `json:"contactDetected"`
	EnergyExpended  *uint16  `json:"energyExpended,omitempty"`
	RRIntervals     []uint16 `json:"rrIntervals"`
}

// Decode parses a heart-rate measurement value. ContactDetected is true
// unless the strap reports a contact sensor and that sensor reports no
// contact. RR intervals are in 1/1024 s units and consume the rest of the
// frame; a trailing odd byte is ignored.
func Decode(buf []byte) (Measurement, error) {
	errFactory := errors.New()
	r := wire.Reader(buf)

	flags, at, err := r.Uint8(0)
	if err != nil {
		return Measurement{}, errFactory.Wrap(ErrTruncatedFrame, err).WithMessage("heart rate: flags")
	}

	m := Measurement{ContactDetected: true, RRIntervals: []uint16{}}

	if flags&FlagValueUint16 != 0 {
		m.HeartRate, at, err = r.Uint16(at)
	} else {
		var v uint8
		v, at, err = r.Uint8(at)
		m.HeartRate = uint16(v)
	}
	if err != nil {
		return Measurement{}, errFactory.Wrap(ErrTruncatedFrame, err).WithMessage("heart rate: value")
	}

	if flags&FlagContactSupported != 0 {
		m.ContactDetected = flags&FlagContactDetected != 0
	}

	if flags&FlagEnergyExpended != 0 {
		var energy uint16
		if energy, at, err = r.Uint16(at); err != nil {
			return Measurement{}, errFactory.Wrap(ErrTruncatedFrame, err).WithMessage("heart rate: energy expended")
		}
		m.EnergyExpended = &energy
	}

	if flags&FlagRRIntervals != 0 {
		for at+2 <= len(r) {
			var rr uint16
			rr, at, _ = r.Uint16(at)
			m.RRIntervals = append(m.RRIntervals, rr)
		}
	}

	return m, nil
}

// Encode builds a measurement frame. Values above 255 select the 16-bit
// format. withContactSensor controls whether the contact flags are sent.
func Encode(m Measurement, withContactSensor bool) []byte {
	var flags uint8
	var body wire.Writer

	if m.HeartRate > 0xFF {
		flags |= FlagValueUint16
		body.Uint16(m.HeartRate)
	} else {
		body.Uint8(uint8(m.HeartRate))
	}
	if withContactSensor {
		flags |= FlagContactSupported
		if m.ContactDetected {
			flags |= FlagContactDetected
		}
	}
	if m.EnergyExpended != nil {
		flags |= FlagEnergyExpended
		body.Uint16(*m.EnergyExpended)
	}
	if len(m.RRIntervals) > 0 {
		flags |= FlagRRIntervals
		for _, rr := range m.RRIntervals {
			body.Uint16(rr)
		}
	}

	return append([]byte{flags}, body.Bytes()...)
}

// RRMilliseconds converts an RR interval from 1/1024 s units to milliseconds.
func RRMilliseconds(rr uint16) float64 {
	return float64(rr) * 1000 / 1024
}
