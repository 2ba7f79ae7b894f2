// Package ftms decodes Fitness Machine Service rower-data notifications and
// keeps the running aggregate of the latest known rowing metrics.
package ftms

import (
	"codeberg.org/mutker/rowstate/internal/errors"
	"codeberg.org/mutker/rowstate/internal/wire"
)

// PaceUnknown is the instantaneous pace value a rower sends while it has no
// pace to report.
const PaceUnknown = 0xFFFF

// Flag is a bit of the rower-data flags word.
type Flag uint16

const (
	// FlagMoreData is inverted: stroke rate and stroke count are present
	// when it is clear.
	FlagMoreData Flag = 1 << iota
	FlagAverageStrokeRate
	FlagTotalDistance
	FlagInstantaneousPace
	FlagAveragePace
	FlagInstantaneousPower
	FlagAveragePower
	FlagResistanceLevel
	FlagExpendedEnergy
	FlagHeartRate
	FlagMetabolicEquivalent
	FlagElapsedTime
	FlagRemainingTime
)

// RowerData is one decoded rower-data frame. A nil field was not present in
// the frame.
type RowerData struct {
	StrokeRate         *float64 `json:"strokeRate,omitempty"`
	StrokeCount        *uint16  `json:"strokeCount,omitempty"`
	AverageStrokeRate  *uint8   `json:"averageStrokeRate,omitempty"`
	TotalDistance      *uint32  `json:"totalDistance,omitempty"`
	InstantaneousPace  *uint16  `json:"instantaneousPace,omitempty"`
	AveragePace        *uint16  `json:"averagePace,omitempty"`
	InstantaneousPower *int16   `json:"instantaneousPower,omitempty"`
	AveragePower       *int16   `json:"averagePower,omitempty"`
	ResistanceLevel    *uint8   `json:"resistanceLevel,omitempty"`
	TotalEnergy        *uint16  `json:"totalEnergy,omitempty"`
	EnergyPerHour      *uint16  `json:"energyPerHour,omitempty"`
	EnergyPerMinute    *uint8   `json:"energyPerMinute,omitempty"`
	HeartRate          *uint8   `json:"heartRate,omitempty"`
	ElapsedTime        *uint16  `json:"elapsedTime,omitempty"`
	RemainingTime      *uint16  `json:"remainingTime,omitempty"`
}

// field describes one flag-gated block of the frame. Fields are walked in
// ascending bit order and every present block advances the cursor by its
// full width, whether or not its value is kept.
type field struct {
	flag     Flag
	inverted bool
	name     string
	decode   func(r wire.Reader, at int, d *RowerData) (int, error)
}

func (f field) present(flags Flag) bool {
	set := flags&f.flag != 0
	return set != f.inverted
}

var rowerFields = []field{
	{flag: FlagMoreData, inverted: true, name: "stroke", decode: decodeStroke},
	{flag: FlagAverageStrokeRate, name: "average_stroke_rate", decode: decodeU8(func(d *RowerData, v *uint8) { d.AverageStrokeRate = v })},
	{flag: FlagTotalDistance, name: "total_distance", decode: decodeDistance},
	{flag: FlagInstantaneousPace, name: "instantaneous_pace", decode: decodeInstantaneousPace},
	{flag: FlagAveragePace, name: "average_pace", decode: decodeU16(func(d *RowerData, v *uint16) { d.AveragePace = v })},
	{flag: FlagInstantaneousPower, name: "instantaneous_power", decode: decodeI16(func(d *RowerData, v *int16) { d.InstantaneousPower = v })},
	{flag: FlagAveragePower, name: "average_power", decode: decodeI16(func(d *RowerData, v *int16) { d.AveragePower = v })},
	{flag: FlagResistanceLevel, name: "resistance_level", decode: decodeU8(func(d *RowerData, v *uint8) { d.ResistanceLevel = v })},
	{flag: FlagExpendedEnergy, name: "expended_energy", decode: decodeEnergy},
	{flag: FlagHeartRate, name: "heart_rate", decode: decodeU8(func(d *RowerData, v *uint8) { d.HeartRate = v })},
	{flag: FlagMetabolicEquivalent, name: "metabolic_equivalent", decode: skip(1)},
	{flag: FlagElapsedTime, name: "elapsed_time", decode: decodeU16(func(d *RowerData, v *uint16) { d.ElapsedTime = v })},
	{flag: FlagRemainingTime, name: "remaining_time", decode: decodeU16(func(d *RowerData, v *uint16) { d.RemainingTime = v })},
}

// DecodeRowerData decodes a rower-data characteristic value. Truncated
// frames return an error and a zero record; it never panics.
func DecodeRowerData(buf []byte) (RowerData, error) {
	errFactory := errors.New()
	r := wire.Reader(buf)

	raw, at, err := r.Uint16(0)
	if err != nil {
		return RowerData{}, errFactory.Wrap(ErrTruncatedFrame, err).WithMessage("rower data: flags")
	}
	flags := Flag(raw)

	var d RowerData
	for _, f := range rowerFields {
		if !f.present(flags) {
			continue
		}
		if at, err = f.decode(r, at, &d); err != nil {
			return RowerData{}, errFactory.WithData(ErrTruncatedFrame, struct {
				Field string
				Error string
			}{
				Field: f.name,
				Error: err.Error(),
			})
		}
	}

	return d, nil
}

func decodeStroke(r wire.Reader, at int, d *RowerData) (int, error) {
	raw, at, err := r.Uint8(at)
	if err != nil {
		return at, err
	}
	count, at, err := r.Uint16(at)
	if err != nil {
		return at, err
	}

	if raw == 0xFF {
		raw = 0
	}
	rate := float64(raw) / 2
	d.StrokeRate = &rate
	d.StrokeCount = &count

	return at, nil
}

func decodeDistance(r wire.Reader, at int, d *RowerData) (int, error) {
	v, at, err := r.Uint24(at)
	if err != nil {
		return at, err
	}
	d.TotalDistance = &v
	return at, nil
}

func decodeInstantaneousPace(r wire.Reader, at int, d *RowerData) (int, error) {
	v, at, err := r.Uint16(at)
	if err != nil {
		return at, err
	}
	if v != PaceUnknown {
		d.InstantaneousPace = &v
	}
	return at, nil
}

func decodeEnergy(r wire.Reader, at int, d *RowerData) (int, error) {
	total, at, err := r.Uint16(at)
	if err != nil {
		return at, err
	}
	perHour, at, err := r.Uint16(at)
	if err != nil {
		return at, err
	}
	perMinute, at, err := r.Uint8(at)
	if err != nil {
		return at, err
	}

	d.TotalEnergy = &total
	d.EnergyPerHour = &perHour
	d.EnergyPerMinute = &perMinute

	return at, nil
}

func decodeU8(set func(*RowerData, *uint8)) func(wire.Reader, int, *RowerData) (int, error) {
	return func(r wire.Reader, at int, d *RowerData) (int, error) {
		v, at, err := r.Uint8(at)
		if err != nil {
			return at, err
		}
		set(d, &v)
		return at, nil
	}
}

func decodeU16(set func(*RowerData, *uint16)) func(wire.Reader, int, *RowerData) (int, error) {
	return func(r wire.Reader, at int, d *RowerData) (int, error) {
		v, at, err := r.Uint16(at)
		if err != nil {
			return at, err
		}
		set(d, &v)
		return at, nil
	}
}

func decodeI16(set func(*RowerData, *int16)) func(wire.Reader, int, *RowerData) (int, error) {
	return func(r wire.Reader, at int, d *RowerData) (int, error) {
		v, at, err := r.Int16(at)
		if err != nil {
			return at, err
		}
		set(d, &v)
		return at, nil
	}
}

func skip(n int) func(wire.Reader, int, *RowerData) (int, error) {
	return func(r wire.Reader, at int, _ *RowerData) (int, error) {
		return r.Skip(at, n)
	}
}
